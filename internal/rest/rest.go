package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/dhcp"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/engine"
	"github.com/proformatique/provd/internal/identify"
	"github.com/proformatique/provd/internal/plugin"
	"github.com/proformatique/provd/internal/pluginmgr"
)

// APIVersionHeader names the response header every handler stamps with
// the engine's wire-protocol version, matching the teacher's REST
// handlers' use of a version header on every response.
const APIVersionHeader = "X-API-Version"

// apiVersion is the provisioning engine's wire-protocol version (spec
// §6). It has no relation to the module's own release version.
const apiVersion = "0.2"

// Handlers is the REST facade over an *engine.Engine (spec §6). One
// Handlers serves the full `/0.2/...` resource tree; Router assembles the
// gorilla/mux tree that dispatches to it, grounded on the teacher's
// internal/api/router.go subrouter-per-resource shape.
type Handlers struct {
	engine   *engine.Engine
	pipeline *identify.Pipeline
	logger   *slog.Logger
}

// New builds Handlers. pipeline may be nil if DHCP/identify ingestion is
// not wired (e.g. a test server exercising only device/config CRUD).
func New(e *engine.Engine, pipeline *identify.Pipeline, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: e, pipeline: pipeline, logger: logger}
}

// Router builds the full mux tree (spec §6).
func Router(h *Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.versionMiddleware)

	r.HandleFunc("/status", h.Status).Methods(http.MethodGet)

	devMgr := r.PathPrefix("/dev_mgr").Subrouter()
	devMgr.HandleFunc("/devices", h.ListDevices).Methods(http.MethodGet)
	devMgr.HandleFunc("/devices", h.CreateDevice).Methods(http.MethodPost)
	devMgr.HandleFunc("/devices/{id}", h.GetDevice).Methods(http.MethodGet)
	devMgr.HandleFunc("/devices/{id}", h.PutDevice).Methods(http.MethodPut)
	devMgr.HandleFunc("/devices/{id}", h.DeleteDevice).Methods(http.MethodDelete)
	devMgr.HandleFunc("/synchronize", h.SynchronizeDevice).Methods(http.MethodPost)
	devMgr.HandleFunc("/reconfigure", h.ReconfigureDevice).Methods(http.MethodPost)
	devMgr.HandleFunc("/dhcpinfo", h.DHCPInfo).Methods(http.MethodPost)

	cfgMgr := r.PathPrefix("/cfg_mgr").Subrouter()
	cfgMgr.HandleFunc("/configs", h.ListConfigs).Methods(http.MethodGet)
	cfgMgr.HandleFunc("/configs", h.CreateConfig).Methods(http.MethodPost)
	cfgMgr.HandleFunc("/configs/{id}", h.GetConfig).Methods(http.MethodGet)
	cfgMgr.HandleFunc("/configs/{id}", h.PutConfig).Methods(http.MethodPut)
	cfgMgr.HandleFunc("/configs/{id}", h.DeleteConfig).Methods(http.MethodDelete)
	cfgMgr.HandleFunc("/configs/{id}/raw", h.GetRawConfig).Methods(http.MethodGet)
	cfgMgr.HandleFunc("/autocreate", h.Autocreate).Methods(http.MethodPost)

	pgMgr := r.PathPrefix("/pg_mgr").Subrouter()
	pgMgr.HandleFunc("/install/install", h.InstallPlugin).Methods(http.MethodPost)
	pgMgr.HandleFunc("/install/uninstall", h.UninstallPlugin).Methods(http.MethodPost)
	pgMgr.HandleFunc("/install/installed", h.ListInstalled).Methods(http.MethodGet)
	pgMgr.HandleFunc("/install/installable", h.ListInstallable).Methods(http.MethodGet)
	pgMgr.HandleFunc("/install/upgrade", h.UpgradePlugin).Methods(http.MethodPost)
	pgMgr.HandleFunc("/install/update", h.UpdateCatalog).Methods(http.MethodPost)
	pgMgr.HandleFunc("/plugins/{pid}/info", h.PluginInfo).Methods(http.MethodGet)
	pgMgr.HandleFunc("/plugins/{pid}/install", h.LoadPlugin).Methods(http.MethodPost)
	pgMgr.HandleFunc("/plugins/{pid}/configure", h.UnloadPlugin).Methods(http.MethodDelete)
	pgMgr.HandleFunc("/reload", h.ReloadPlugins).Methods(http.MethodPost)

	r.HandleFunc("/oip/{id}", h.GetOIP).Methods(http.MethodGet)
	r.HandleFunc("/oip/{id}", h.DeleteOIP).Methods(http.MethodDelete)
	r.HandleFunc("/oip/{id}/ws", h.WatchOIP).Methods(http.MethodGet)

	r.HandleFunc("/configure/{name}", h.GetParameter).Methods(http.MethodGet)
	r.HandleFunc("/configure/{name}", h.SetParameter).Methods(http.MethodPut)

	return r
}

func (h *Handlers) versionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(APIVersionHeader, apiVersion)
		next.ServeHTTP(w, r)
	})
}

// errorBody mirrors the teacher's ErrorResponse/APIError shape, narrowed
// to the engine's own apierr.Code taxonomy (spec §7).
type errorBody struct {
	Error struct {
		Code      apierr.Code `json:"code"`
		Message   string      `json:"message"`
		Timestamp string      `json:"timestamp"`
	} `json:"error"`
}

func (h *Handlers) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("rest: failed to encode response", "error", err)
	}
}

func (h *Handlers) sendError(w http.ResponseWriter, err error) {
	status := apierr.StatusCode(err)
	body := errorBody{}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		body.Error.Code = apiErr.Code
		body.Error.Message = apiErr.Message
	} else {
		body.Error.Code = apierr.CodeInternal
		body.Error.Message = err.Error()
	}
	body.Error.Timestamp = time.Now().UTC().Format(time.RFC3339)
	h.sendJSON(w, status, body)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- status ---

// Status answers the liveness probe (spec §6 "/status").
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": apiVersion})
}

// --- devices ---

type deviceEnvelope struct {
	Device document.Document `json:"device"`
}

// ListDevices handles GET /dev_mgr/devices.
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	sel, err := ParseSelector(r)
	if err != nil {
		h.sendError(w, apierr.InvalidParameter("q", err.Error()))
		return
	}
	docs, err := h.engine.FindDevices(r.Context(), sel, ParseFindOptions(r))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"devices": docs, "total": len(docs)})
}

// CreateDevice handles POST /dev_mgr/devices.
func (h *Handlers) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var env deviceEnvelope
	if err := decodeBody(r, &env); err != nil {
		h.sendError(w, apierr.InvalidParameter("device", "malformed JSON body"))
		return
	}
	tenant := env.Device.GetString("tenant_uuid")
	id, err := h.engine.InsertDevice(r.Context(), env.Device, tenant)
	if err != nil {
		h.sendError(w, err)
		return
	}
	w.Header().Set("Location", "/dev_mgr/devices/"+id)
	h.sendJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// GetDevice handles GET /dev_mgr/devices/{id}.
func (h *Handlers) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := h.engine.GetDevice(r.Context(), id)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if doc == nil {
		h.sendError(w, apierr.InvalidID(id))
		return
	}
	h.sendJSON(w, http.StatusOK, deviceEnvelope{Device: doc})
}

// PutDevice handles PUT /dev_mgr/devices/{id}.
func (h *Handlers) PutDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var env deviceEnvelope
	if err := decodeBody(r, &env); err != nil {
		h.sendError(w, apierr.InvalidParameter("device", "malformed JSON body"))
		return
	}
	env.Device.SetID(id)
	tenant := env.Device.GetString("tenant_uuid")
	if err := h.engine.UpdateDevice(r.Context(), env.Device, tenant); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusNoContent, nil)
}

// DeleteDevice handles DELETE /dev_mgr/devices/{id}.
func (h *Handlers) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.engine.DeleteDevice(r.Context(), id); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusNoContent, nil)
}

// SynchronizeDevice handles POST /dev_mgr/synchronize (spec §6: returns
// 201 plus the OIP's location rather than waiting for completion).
func (h *Handlers) SynchronizeDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.sendError(w, apierr.InvalidParameter("id", "malformed JSON body"))
		return
	}
	o, err := h.engine.SynchronizeDevice(r.Context(), body.ID)
	if err != nil {
		h.sendError(w, err)
		return
	}
	w.Header().Set("Location", "/oip/"+o.ID())
	h.sendJSON(w, http.StatusCreated, o.Snapshot())
}

// ReconfigureDevice handles POST /dev_mgr/reconfigure (spec §6: 204 only
// after the synchronous reconfigure completes).
func (h *Handlers) ReconfigureDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.sendError(w, apierr.InvalidParameter("id", "malformed JSON body"))
		return
	}
	if err := h.engine.ReconfigureDevice(r.Context(), body.ID); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusNoContent, nil)
}

// DHCPInfo handles POST /dev_mgr/dhcpinfo (spec §6 "DHCP ingress"): decode
// the option strings, fold them into an identification request, and run
// the pipeline.
func (h *Handlers) DHCPInfo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DHCPInfo struct {
			Op      dhcp.Op  `json:"op"`
			IP      string   `json:"ip"`
			MAC     string   `json:"mac"`
			Options []string `json:"options"`
		} `json:"dhcp_info"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.sendError(w, apierr.InvalidParameter("dhcp_info", "malformed JSON body"))
		return
	}
	info := dhcp.Info{Op: body.DHCPInfo.Op, IP: body.DHCPInfo.IP, MAC: body.DHCPInfo.MAC,
		Options: dhcp.DecodeOptions(body.DHCPInfo.Options)}

	if h.pipeline == nil {
		h.sendJSON(w, http.StatusNoContent, nil)
		return
	}
	req := plugin.Request{Transport: "dhcp", RemoteIP: info.IP}
	if vendor, ok := info.VendorClassIdentifier(); ok {
		req.DHCPOption60 = vendor
	}
	doc, err := h.engine.HandleDHCPInfo(r.Context(), h.pipeline, req)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, deviceEnvelope{Device: doc})
}

// --- configs ---

type configEnvelope struct {
	Config document.Document `json:"config"`
}

// ListConfigs handles GET /cfg_mgr/configs.
func (h *Handlers) ListConfigs(w http.ResponseWriter, r *http.Request) {
	sel, err := ParseSelector(r)
	if err != nil {
		h.sendError(w, apierr.InvalidParameter("q", err.Error()))
		return
	}
	docs, err := h.engine.FindConfigs(r.Context(), sel, ParseFindOptions(r))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"configs": docs, "total": len(docs)})
}

// CreateConfig handles POST /cfg_mgr/configs.
func (h *Handlers) CreateConfig(w http.ResponseWriter, r *http.Request) {
	var env configEnvelope
	if err := decodeBody(r, &env); err != nil {
		h.sendError(w, apierr.InvalidParameter("config", "malformed JSON body"))
		return
	}
	id, err := h.engine.InsertConfig(r.Context(), env.Config)
	if err != nil {
		h.sendError(w, err)
		return
	}
	w.Header().Set("Location", "/cfg_mgr/configs/"+id)
	h.sendJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// GetConfig handles GET /cfg_mgr/configs/{id}.
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := h.engine.GetConfig(r.Context(), id)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if doc == nil {
		h.sendError(w, apierr.InvalidID(id))
		return
	}
	h.sendJSON(w, http.StatusOK, configEnvelope{Config: doc})
}

// PutConfig handles PUT /cfg_mgr/configs/{id}.
func (h *Handlers) PutConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var env configEnvelope
	if err := decodeBody(r, &env); err != nil {
		h.sendError(w, apierr.InvalidParameter("config", "malformed JSON body"))
		return
	}
	env.Config.SetID(id)
	if err := h.engine.UpdateConfig(r.Context(), env.Config); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusNoContent, nil)
}

// DeleteConfig handles DELETE /cfg_mgr/configs/{id}.
func (h *Handlers) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.engine.DeleteConfig(r.Context(), id); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusNoContent, nil)
}

// GetRawConfig handles GET /cfg_mgr/configs/{id}/raw.
func (h *Handlers) GetRawConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	raw, err := h.engine.GetRawConfig(r.Context(), id)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]document.Document{"raw_config": raw})
}

// Autocreate handles POST /cfg_mgr/autocreate.
func (h *Handlers) Autocreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UniqueID string `json:"unique_id"`
	}
	_ = decodeBody(r, &body)
	id, err := h.engine.CreateConfigFromAutocreate(r.Context(), cfgAutocreateFactory(body.UniqueID))
	if err != nil {
		h.sendError(w, err)
		return
	}
	w.Header().Set("Location", "/cfg_mgr/configs/"+id)
	h.sendJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func cfgAutocreateFactory(uniqueID string) func(document.Document) document.Document {
	return func(doc document.Document) document.Document {
		doc["transient"] = true
		if uniqueID != "" {
			doc["label"] = "autocreate-" + uniqueID
		}
		return doc
	}
}

// --- plugin manager ---

type installRequest struct {
	ID string `json:"id"`
}

// InstallPlugin handles POST /pg_mgr/install/install.
func (h *Handlers) InstallPlugin(w http.ResponseWriter, r *http.Request) {
	var body installRequest
	if err := decodeBody(r, &body); err != nil {
		h.sendError(w, apierr.InvalidParameter("id", "malformed JSON body"))
		return
	}
	o, err := h.engine.InstallPlugin(r.Context(), body.ID)
	if err != nil {
		h.sendError(w, err)
		return
	}
	w.Header().Set("Location", "/oip/"+o.ID())
	h.sendJSON(w, http.StatusCreated, o.Snapshot())
}

// UpgradePlugin handles POST /pg_mgr/install/upgrade.
func (h *Handlers) UpgradePlugin(w http.ResponseWriter, r *http.Request) {
	var body installRequest
	if err := decodeBody(r, &body); err != nil {
		h.sendError(w, apierr.InvalidParameter("id", "malformed JSON body"))
		return
	}
	o, err := h.engine.UpgradePlugin(r.Context(), body.ID)
	if err != nil {
		h.sendError(w, err)
		return
	}
	w.Header().Set("Location", "/oip/"+o.ID())
	h.sendJSON(w, http.StatusCreated, o.Snapshot())
}

// UninstallPlugin handles POST /pg_mgr/install/uninstall.
func (h *Handlers) UninstallPlugin(w http.ResponseWriter, r *http.Request) {
	var body installRequest
	if err := decodeBody(r, &body); err != nil {
		h.sendError(w, apierr.InvalidParameter("id", "malformed JSON body"))
		return
	}
	if err := h.engine.UninstallPlugin(r.Context(), body.ID); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusNoContent, nil)
}

// ListInstalled handles GET /pg_mgr/install/installed.
func (h *Handlers) ListInstalled(w http.ResponseWriter, r *http.Request) {
	if h.engine.Plugins == nil {
		h.sendJSON(w, http.StatusOK, map[string]any{"plugins": []any{}})
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"plugins": h.engine.Plugins.ListInstalled()})
}

// ListInstallable handles GET /pg_mgr/install/installable.
func (h *Handlers) ListInstallable(w http.ResponseWriter, r *http.Request) {
	if h.engine.Plugins == nil {
		h.sendJSON(w, http.StatusOK, map[string]any{"plugins": []any{}})
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"plugins": h.engine.Plugins.ListInstallable()})
}

// UpdateCatalog handles POST /pg_mgr/install/update.
func (h *Handlers) UpdateCatalog(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.ReloadPlugins(r.Context())
	if err != nil {
		h.sendError(w, err)
		return
	}
	w.Header().Set("Location", "/oip/"+o.ID())
	h.sendJSON(w, http.StatusCreated, o.Snapshot())
}

// ReloadPlugins handles POST /pg_mgr/reload (spec §6, same underlying
// operation as /pg_mgr/install/update: refresh the installable catalog).
func (h *Handlers) ReloadPlugins(w http.ResponseWriter, r *http.Request) {
	h.UpdateCatalog(w, r)
}

// PluginInfo handles GET /pg_mgr/plugins/{pid}/info.
func (h *Handlers) PluginInfo(w http.ResponseWriter, r *http.Request) {
	pid := mux.Vars(r)["pid"]
	if h.engine.Plugins == nil {
		h.sendError(w, apierr.PluginNotLoaded(pid))
		return
	}
	p, ok := h.engine.Plugins.Get(pid)
	if !ok {
		h.sendError(w, apierr.PluginNotLoaded(pid))
		return
	}
	h.sendJSON(w, http.StatusOK, p.Info())
}

// LoadPlugin handles POST /pg_mgr/plugins/{pid}/install (spec §6's
// plugin-scoped install alias — loads an already-installed plugin body).
func (h *Handlers) LoadPlugin(w http.ResponseWriter, r *http.Request) {
	pid := mux.Vars(r)["pid"]
	var manifest pluginmgr.Manifest
	_ = decodeBody(r, &manifest)
	if err := h.engine.Plugins.Load(r.Context(), pid, manifest); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusNoContent, nil)
}

// UnloadPlugin handles DELETE /pg_mgr/plugins/{pid}/configure (spec §6's
// plugin-scoped unload alias).
func (h *Handlers) UnloadPlugin(w http.ResponseWriter, r *http.Request) {
	pid := mux.Vars(r)["pid"]
	if err := h.engine.Plugins.Unload(pid); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusNoContent, nil)
}

// --- operations in progress ---

// GetOIP handles GET /oip/{id} — polling contract for every long-running
// operation (spec §4.8).
func (h *Handlers) GetOIP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, ok := h.engine.OIPs.Get(id)
	if !ok {
		h.sendError(w, apierr.InvalidID(id))
		return
	}
	h.sendJSON(w, http.StatusOK, o.Snapshot())
}

// DeleteOIP handles DELETE /oip/{id} — releases a settled OIP (spec
// §4.8).
func (h *Handlers) DeleteOIP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.engine.OIPs.Delete(id); err != nil {
		h.sendError(w, apierr.InvalidID(id))
		return
	}
	h.sendJSON(w, http.StatusNoContent, nil)
}

// --- configure service ---

// GetParameter handles GET /configure/{name}.
func (h *Handlers) GetParameter(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	v, err := h.engine.GetParameter(r.Context(), name)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"name": name, "value": v})
}

// SetParameter handles PUT /configure/{name}.
func (h *Handlers) SetParameter(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.sendError(w, apierr.InvalidParameter(name, "malformed JSON body"))
		return
	}
	if err := h.engine.SetParameter(r.Context(), name, body.Value); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusNoContent, nil)
}
