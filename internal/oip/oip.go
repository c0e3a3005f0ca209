// Package oip implements the operation-in-progress registry (spec §4.8):
// addressable, pollable, cancelable handles for long-running tasks
// (plugin install/upgrade/update, device synchronize). Grounded on the
// teacher's internal/infrastructure/publishing job-state machine
// (queue.go's JobState) for the state model and on internal/realtime's
// subscriber pattern for the on-delete hook.
package oip

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is an OIP's lifecycle state (spec §3).
type State string

const (
	StateProgress State = "progress"
	StateSuccess  State = "success"
	StateFail     State = "fail"
)

// OIP is an operation-in-progress handle. Mutated only by the task
// driving it; readable by any number of concurrent pollers.
type OIP struct {
	mu       sync.RWMutex
	id       string
	label    string
	state    State
	current  int
	end      int
	errMsg   string
	subOIPs  []*OIP
	onDelete func()
	deleted  bool
}

func newOIP(label string) *OIP {
	return &OIP{id: uuid.NewString(), label: label, state: StateProgress, end: 1}
}

// ID returns the OIP's addressable id (its REST sub-path, spec §4.8).
func (o *OIP) ID() string { return o.id }

// Label is a short human-readable description (e.g. "install xivo-aastra").
func (o *OIP) Label() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.label
}

// SetEnd sets the monotonic target `current` advances toward.
func (o *OIP) SetEnd(end int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.end = end
}

// Advance moves `current` forward; it is clamped to `end` and never
// moves backward, matching the "current advances monotonically up to
// end" invariant (spec §4.8).
func (o *OIP) Advance(current int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if current > o.end {
		current = o.end
	}
	if current > o.current {
		o.current = current
	}
}

// Succeed transitions the OIP to success and sets current = end.
func (o *OIP) Succeed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateSuccess
	o.current = o.end
}

// Fail transitions the OIP to fail, recording the error message.
func (o *OIP) Fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateFail
	if err != nil {
		o.errMsg = err.Error()
	}
}

// AddSubOIP appends to the append-only sub_oips list (spec §3).
func (o *OIP) AddSubOIP(sub *OIP) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subOIPs = append(o.subOIPs, sub)
}

// Snapshot is the serializable view of an OIP for polling responses.
type Snapshot struct {
	ID      string     `json:"id"`
	Label   string     `json:"label,omitempty"`
	State   State      `json:"state"`
	Current int        `json:"current"`
	End     int        `json:"end"`
	Error   string     `json:"error,omitempty"`
	SubOIPs []Snapshot `json:"sub_oips,omitempty"`
}

// Snapshot reads the OIP's current state without mutating it.
func (o *OIP) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	subs := make([]Snapshot, len(o.subOIPs))
	for i, s := range o.subOIPs {
		subs[i] = s.Snapshot()
	}
	return Snapshot{
		ID: o.id, Label: o.label, State: o.state,
		Current: o.current, End: o.end, Error: o.errMsg, SubOIPs: subs,
	}
}

// OnDelete registers a hook invoked (at most once) when the client
// releases the OIP via Registry.Delete — used to unlink it from its
// parent resource without the OIP itself knowing what that resource is
// (spec §4.8).
func (o *OIP) OnDelete(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onDelete = fn
}

// Registry holds live OIPs, addressable by id. OIPs are never garbage
// collected while referenced here; the plugin manager consults
// Registry.IsLive to refuse duplicate install/upgrade for a package that
// still has a live OIP (spec §4.3/§4.8).
type Registry struct {
	mu    sync.Mutex
	byID  map[string]*OIP
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*OIP)}
}

// New creates and registers a fresh in-progress OIP.
func (r *Registry) New(label string) *OIP {
	o := newOIP(label)
	r.mu.Lock()
	r.byID[o.id] = o
	r.mu.Unlock()
	return o
}

// Get returns a registered OIP by id, or (nil, false).
func (r *Registry) Get(id string) (*OIP, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byID[id]
	return o, ok
}

// Delete removes an OIP from the registry and fires its on-delete hook.
// For install/upgrade this detaches the OIP so a new one can be created
// for the same package; the underlying work is not forcibly aborted
// (best-effort cancellation, spec §5).
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	o, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("oip: unknown id %q", id)
	}
	delete(r.byID, id)
	r.mu.Unlock()

	o.mu.Lock()
	o.deleted = true
	hook := o.onDelete
	o.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// IsLive reports whether an OIP is still registered and in progress —
// used by the plugin manager to fail fast on a concurrent
// install/upgrade for the same plugin id (spec §4.3).
func (r *Registry) IsLive(id string) bool {
	r.mu.Lock()
	o, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state == StateProgress && !o.deleted
}
