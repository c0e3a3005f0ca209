// Package device implements the device lifecycle state machine (spec
// §4.5): insert/update/delete/reconfigure/synchronize, the
// deconfigure-on-change logic, and transient-config garbage collection.
// Grounded on the teacher's internal/core/services/alert_processor.go
// for the "orchestrator holding several collaborators, one method per
// lifecycle event" shape. Synchronize keeps no record of earlier
// failures: every call goes to the device's plugin.
package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/collection"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/plugin"
	"github.com/proformatique/provd/internal/rawconfig"
)

// ProvdTenant is the global tenant allowed to move a device across
// tenant boundaries (spec §4.5).
const ProvdTenant = "provd"

// PluginLookup is the slice of the plugin manager the device lifecycle
// needs: resolving a loaded plugin by id. Declared locally to avoid an
// import cycle between device and pluginmgr.
type PluginLookup interface {
	Get(id string) (plugin.Plugin, bool)
}

// Lifecycle orchestrates device state transitions over the devices and
// configs collections.
type Lifecycle struct {
	devices  collection.Collection
	configs  collection.Collection
	resolver *rawconfig.Resolver
	plugins  PluginLookup
	logger   *slog.Logger
	audit    *slog.Logger
}

// New builds a Lifecycle. audit receives the security-audit records
// (spec §4.7 "emits a security-audit record"); if it is nil, those
// records go to logger.
func New(devices, configs collection.Collection, resolver *rawconfig.Resolver, plugins PluginLookup, logger, audit *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = logger
	}
	return &Lifecycle{devices: devices, configs: configs, resolver: resolver, plugins: plugins, logger: logger, audit: audit}
}

func toDeviceInfo(doc document.Document) plugin.DeviceInfo {
	return plugin.DeviceInfo{
		ID: doc.ID(), MAC: doc.GetString("mac"), IP: doc.GetString("ip"),
		SN: doc.GetString("sn"), Vendor: doc.GetString("vendor"),
		Model: doc.GetString("model"), Version: doc.GetString("version"),
	}
}

func relevantFields(p plugin.Plugin) []string {
	if p == nil {
		return plugin.DefaultRelevantFields
	}
	if fields := p.Info().RelevantFields; len(fields) > 0 {
		return fields
	}
	return plugin.DefaultRelevantFields
}

func fieldsEqual(a, b document.Document, fields []string) bool {
	for _, f := range fields {
		if a[f] != b[f] {
			return false
		}
	}
	return true
}

// Insert persists a new device with configured=false, then attempts to
// configure it; on success configured flips to true (spec §4.5).
// callerTenant is the tenant of the currently-authenticated caller.
func (l *Lifecycle) Insert(ctx context.Context, doc document.Document, callerTenant string) (string, error) {
	doc = doc.Clone()
	// configured is never trusted from external input (spec §3).
	delete(doc, "configured")

	if doc.GetString("tenant_uuid") == "" {
		doc["tenant_uuid"] = callerTenant
	}
	doc["is_new"] = doc.GetString("tenant_uuid") == callerTenant

	id, err := l.devices.Insert(ctx, doc)
	if err != nil {
		return "", err
	}
	doc.SetID(id)

	configured := l.tryConfigure(ctx, doc)
	doc["configured"] = configured
	if err := l.devices.Update(ctx, doc); err != nil {
		return id, err
	}
	return id, nil
}

// Update applies changes to an existing device, running the
// deconfigure/configure dance only when reconfiguration-relevant fields
// actually changed (spec §4.5's no-op-on-no-change invariant).
func (l *Lifecycle) Update(ctx context.Context, doc document.Document, callerTenant string) error {
	id := doc.ID()
	prev, err := l.devices.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	if prev == nil {
		return apierr.InvalidID(id)
	}

	newTenant := doc.GetString("tenant_uuid")
	if newTenant == "" {
		newTenant = prev.GetString("tenant_uuid")
	}
	if newTenant != prev.GetString("tenant_uuid") {
		if callerTenant != prev.GetString("tenant_uuid") && callerTenant != ProvdTenant {
			return apierr.New(apierr.CodeTenantInvalidForDevice, "caller tenant does not match device tenant")
		}
	}

	doc = doc.Clone()
	doc.SetID(id)
	doc["tenant_uuid"] = newTenant
	wasConfigured := prev.GetBool("configured")
	delete(doc, "configured") // re-derived below, never trusted from input

	p, _ := l.lookupPlugin(prev)
	fields := relevantFields(p)
	changed := !fieldsEqual(prev, doc, fields)

	if !changed {
		// No-op on reconfiguration-relevant fields: persist any other
		// field changes but never call deconfigure/configure.
		doc["configured"] = wasConfigured
		return l.devices.Update(ctx, doc)
	}

	if wasConfigured {
		l.tryDeconfigure(ctx, prev)
	}
	configured := l.tryConfigure(ctx, doc)
	doc["configured"] = configured
	if err := l.devices.Update(ctx, doc); err != nil {
		return err
	}

	oldConfig := prev.GetString("config")
	newConfig := doc.GetString("config")
	if oldConfig != "" && oldConfig != newConfig {
		if err := l.gcTransientConfig(ctx, oldConfig); err != nil {
			l.logger.Warn("transient config gc failed", "config", oldConfig, "error", err)
		}
	}
	return nil
}

// Delete removes a device, deconfiguring it first if it was configured,
// then garbage-collects any transient config it was the last referencer
// of (spec §4.5).
func (l *Lifecycle) Delete(ctx context.Context, id string) error {
	doc, err := l.devices.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return apierr.InvalidID(id)
	}
	if doc.GetBool("configured") {
		l.tryDeconfigure(ctx, doc)
	}
	if err := l.devices.Delete(ctx, id); err != nil {
		return err
	}
	if cfgID := doc.GetString("config"); cfgID != "" {
		if err := l.gcTransientConfig(ctx, cfgID); err != nil {
			l.logger.Warn("transient config gc failed", "config", cfgID, "error", err)
		}
	}
	return nil
}

// Reconfigure forces a deconfigure-then-configure pass regardless of
// whether relevant fields changed (spec §4.5).
func (l *Lifecycle) Reconfigure(ctx context.Context, id string) error {
	doc, err := l.devices.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return apierr.InvalidID(id)
	}
	if doc.GetBool("configured") {
		l.tryDeconfigure(ctx, doc)
	}
	configured := l.tryConfigure(ctx, doc)
	doc["configured"] = configured
	return l.devices.Update(ctx, doc)
}

// Synchronize asks the owning plugin to nudge the phone to re-fetch its
// configuration. Fails with SyncUnsupported on an unconfigured device
// (spec §4.5/§8 scenario 6).
func (l *Lifecycle) Synchronize(ctx context.Context, id string) (plugin.CompletionSignal, error) {
	doc, err := l.devices.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apierr.InvalidID(id)
	}
	if !doc.GetBool("configured") {
		return nil, apierr.SyncUnsupported("can't synchronize not configured device")
	}
	p, ok := l.lookupPlugin(doc)
	if !ok {
		return nil, apierr.PluginNotLoaded(doc.GetString("plugin"))
	}
	raw, err := l.resolver.GetRawConfig(ctx, doc.GetString("config"))
	if err != nil {
		return nil, err
	}
	return p.Synchronize(ctx, toDeviceInfo(doc), raw)
}

// OnPluginUninstalled soft-deconfigures every device owned by pluginID:
// configured flips false without deconfigure being called, since the
// plugin that would run it is gone (spec §4.5/§8).
func (l *Lifecycle) OnPluginUninstalled(ctx context.Context, pluginID string) error {
	docs, err := l.devices.Find(ctx, collection.Selector{"plugin": pluginID}, collection.FindOptions{})
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if !doc.GetBool("configured") {
			continue
		}
		doc = doc.Clone()
		doc["configured"] = false
		if err := l.devices.Update(ctx, doc); err != nil {
			l.logger.Error("failed to mark device unconfigured after plugin uninstall", "device", doc.ID(), "error", err)
		}
	}
	return nil
}

func (l *Lifecycle) lookupPlugin(doc document.Document) (plugin.Plugin, bool) {
	id := doc.GetString("plugin")
	if id == "" || l.plugins == nil {
		return nil, false
	}
	return l.plugins.Get(id)
}

// tryConfigure resolves raw_config, validates it, and invokes the
// plugin's Configure. Any failure — missing plugin/config, resolution
// error, validation error, plugin panic or error — is swallowed and
// logged; it never propagates beyond the engine (spec §7). Returns
// whether configuration succeeded.
func (l *Lifecycle) tryConfigure(ctx context.Context, doc document.Document) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("plugin configure panicked", "device", doc.ID(), "panic", r)
			ok = false
		}
	}()

	p, found := l.lookupPlugin(doc)
	if !found {
		return false
	}
	configID := doc.GetString("config")
	if configID == "" {
		return false
	}
	raw, err := l.resolver.GetRawConfig(ctx, configID)
	if err != nil || raw == nil {
		l.logger.Warn("configure: raw config resolution failed", "device", doc.ID(), "config", configID, "error", err)
		return false
	}
	if err := rawconfig.Validate(raw); err != nil {
		l.logger.Warn("configure: raw config invalid", "device", doc.ID(), "config", configID, "error", err)
		return false
	}
	if err := p.Configure(ctx, toDeviceInfo(doc), raw); err != nil {
		l.logger.Error("configure: plugin failed", "device", doc.ID(), "plugin", doc.GetString("plugin"), "error", err)
		return false
	}
	return true
}

// tryDeconfigure runs the owning plugin's Deconfigure, swallowing any
// error (spec §7) — deconfigure is best-effort on the way out.
func (l *Lifecycle) tryDeconfigure(ctx context.Context, doc document.Document) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("plugin deconfigure panicked", "device", doc.ID(), "panic", r)
		}
	}()
	p, found := l.lookupPlugin(doc)
	if !found {
		return
	}
	if err := p.Deconfigure(ctx, toDeviceInfo(doc)); err != nil {
		l.logger.Error("deconfigure: plugin failed", "device", doc.ID(), "error", err)
	}
}

// gcTransientConfig deletes configID if it is transient and no device
// references it anymore (spec §4.5).
func (l *Lifecycle) gcTransientConfig(ctx context.Context, configID string) error {
	cfgDoc, err := l.configs.Retrieve(ctx, configID)
	if err != nil {
		return err
	}
	if cfgDoc == nil || !cfgDoc.GetBool("transient") {
		return nil
	}
	referencing, err := l.devices.Find(ctx, collection.Selector{"config": configID}, collection.FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(referencing) > 0 {
		return nil
	}
	if err := l.configs.Delete(ctx, configID); err != nil {
		return fmt.Errorf("gc transient config %q: %w", configID, err)
	}
	l.logger.Debug("garbage collected transient config", "config", configID)
	return nil
}

// RecordAutoCreate logs a security-audit record for an auto-created
// device (spec §4.7 step 2).
func (l *Lifecycle) RecordAutoCreate(doc document.Document) {
	l.audit.Info("device auto-created", "device", doc.ID(), "mac", doc.GetString("mac"), "ip", doc.GetString("ip"))
}

// RecordSensitiveFilename logs a security-audit record when a plugin's
// IsSensitiveFilename flags a served file (spec §4.4).
func (l *Lifecycle) RecordSensitiveFilename(deviceID, filename string) {
	l.audit.Warn("sensitive file served", "device", deviceID, "file", filename)
}
