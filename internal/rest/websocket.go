package rest

import (
	"net/http"
	"reflect"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/oip"
)

// wsPollInterval is how often WatchOIP re-checks the underlying OIP for
// a state change. The engine has no OIP-state event bus of its own (spec
// §9 lists that as future work), so this is a push-by-polling adapter
// rather than a true subscriber.
const wsPollInterval = 200 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// provd is consumed by a trusted front-end on the same origin as the
	// REST API; cross-origin OIP watching is not a supported use case.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WatchOIP upgrades GET /oip/{id}/ws to a websocket that pushes the OIP's
// snapshot every time it changes, closing once the operation settles
// (spec §9's "WebSocket OIP push... supplements §6 without changing its
// polling contract" — GetOIP keeps working unchanged for callers that
// prefer to poll).
func (h *Handlers) WatchOIP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, ok := h.engine.OIPs.Get(id)
	if !ok {
		h.sendError(w, apierr.InvalidID(id))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("rest: oip websocket upgrade failed", "oip", id, "error", err)
		return
	}
	defer conn.Close()

	var last oip.Snapshot
	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	for {
		snap := o.Snapshot()
		if !reflect.DeepEqual(snap, last) {
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
			last = snap
		}
		if snap.State != oip.StateProgress {
			return
		}
		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}
