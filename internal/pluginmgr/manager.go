// Package pluginmgr implements the plugin manager (spec §4.3):
// installable/installed catalogs, download/extract, load/unload
// lifecycle, per-operation progress handles, and the load/unload
// observer pattern. Grounded on the teacher's
// internal/infrastructure/publishing/discovery_manager.go for the
// remote-catalog-refresh shape, circuit_breaker.go for the busy/backoff
// guard, and internal/realtime for the subscriber pattern.
package pluginmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/oip"
	"github.com/proformatique/provd/internal/plugin"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

func toDocument(m map[string]any) document.Document {
	d := document.New()
	for k, v := range m {
		d[k] = v
	}
	return d
}

// Record is a catalog entry — metadata about a plugin, whether or not it
// is currently loaded (spec §3 "Plugin record").
type Record struct {
	ID           string              `yaml:"id" json:"id"`
	Version      string              `yaml:"version" json:"version"`
	Description  string              `yaml:"description" json:"description"`
	Capabilities []plugin.Capability `yaml:"capabilities" json:"capabilities"`
	MinVersion   string              `yaml:"min_version" json:"min_version,omitempty"`
	MaxVersion   string              `yaml:"max_version" json:"max_version,omitempty"`
}

// Manifest is the decoded plugin.info file read at load time (spec §4.3).
type Manifest struct {
	Version      string              `yaml:"version"`
	Capabilities []plugin.Capability `yaml:"capabilities"`
	Compatibility struct {
		Min string `yaml:"min"`
		Max string `yaml:"max"`
	} `yaml:"compatibility"`
}

// ParseManifest decodes a plugin.info document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("pluginmgr: parse plugin.info: %w", err)
	}
	return m, nil
}

// CatalogSource fetches the installable catalog from the remote plugin
// server. Left abstract since the transport (HTTP GET against
// plugin_server, spec §4.3) is an external collaborator.
type CatalogSource interface {
	Fetch(ctx context.Context) ([]Record, error)
}

// Installer performs the actual bytes-on-disk work of installing a
// package by id (download + extract under the plugin root) and of
// removing it again. It does not build a loadable plugin.Plugin:
// concrete plugin bodies are out of scope (spec §1), and callers
// register a Constructor per plugin id (see RegisterConstructor).
type Installer interface {
	Install(ctx context.Context, id string, progress func(current, end int)) error
	Uninstall(ctx context.Context, id string) error
}

// Constructor builds a loaded plugin.Plugin from its on-disk manifest,
// given the base raw-config to pass to ConfigureCommon (spec §4.3's load
// contract).
type Constructor func(ctx context.Context, manifest Manifest, baseRawConfig map[string]any) (plugin.Plugin, error)

// Observer is notified of load/unload events (spec §4.3). Subscribers
// are expected to unsubscribe themselves when they go away; the manager
// holds no strong assumption about their lifetime beyond the
// subscription list itself.
type Observer interface {
	OnLoad(id string)
	OnUnload(id string)
}

// RateLimiter throttles downloads against a shared key (typically the
// plugin-server host), so a fleet of provd instances doesn't hammer one
// plugin server during a synchronized upgrade. Satisfied by
// internal/pluginmgr/ratelimit.Limiter; nil by default (no throttling).
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}

// Manager is the plugin manager.
type Manager struct {
	mu           sync.RWMutex
	catalog      CatalogSource
	installer    Installer
	constructors map[string]Constructor
	installedDir string

	installable []Record
	installed   map[string]Record // id -> record, read from disk manifests
	loaded      map[string]plugin.Plugin

	oips       *oip.Registry
	observers  []Observer
	logger     *slog.Logger
	baseRawCfg map[string]any
	runningOps map[string]string // plugin id -> oip id, for the fail-fast duplicate-op check

	limiter        RateLimiter   // optional; see SetRateLimiter
	catalogLimiter *rate.Limiter // optional; see SetCatalogRateLimiter
}

// New builds a Manager. baseRawConfig is passed to every plugin's
// ConfigureCommon at load time.
func New(catalog CatalogSource, installer Installer, installedDir string, logger *slog.Logger, baseRawConfig map[string]any) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		catalog:      catalog,
		installer:    installer,
		installedDir: installedDir,
		constructors: make(map[string]Constructor),
		installed:    make(map[string]Record),
		loaded:       make(map[string]plugin.Plugin),
		oips:         oip.NewRegistry(),
		logger:       logger,
		baseRawCfg:   baseRawConfig,
	}
}

// SetRateLimiter installs a download rate limiter (see RateLimiter).
// Called once at startup when a Redis address is configured; left unset
// in tests and single-shot CLI use, where throttling a lone process
// against itself has no value.
func (m *Manager) SetRateLimiter(l RateLimiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiter = l
}

// SetCatalogRateLimiter bounds how often Update may hit the plugin
// server's catalog endpoint. Distinct from SetRateLimiter: this is a
// local, in-process limiter guarding one provd instance's own refresh
// polling, not a shared fleet-wide budget on package downloads.
func (m *Manager) SetCatalogRateLimiter(l *rate.Limiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogLimiter = l
}

// RegisterConstructor wires a plugin id to the code that can instantiate
// it once installed. Real deployments register one per shipped plugin
// body; tests register fakes.
func (m *Manager) RegisterConstructor(id string, ctor Constructor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constructors[id] = ctor
}

// Subscribe adds an observer notified on Load/Unload.
func (m *Manager) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Unsubscribe removes a previously-subscribed observer.
func (m *Manager) Unsubscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.observers {
		if existing == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

func (m *Manager) notifyLoad(id string) {
	m.mu.RLock()
	observers := append([]Observer{}, m.observers...)
	m.mu.RUnlock()
	for _, o := range observers {
		o.OnLoad(id)
	}
}

func (m *Manager) notifyUnload(id string) {
	m.mu.RLock()
	observers := append([]Observer{}, m.observers...)
	m.mu.RUnlock()
	for _, o := range observers {
		o.OnUnload(id)
	}
}

// ListInstallable returns the last-fetched installable catalog.
func (m *Manager) ListInstallable() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record{}, m.installable...)
}

// ListInstalled returns the installed catalog.
func (m *Manager) ListInstalled() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.installed))
	for _, r := range m.installed {
		out = append(out, r)
	}
	return out
}

// Get returns a loaded plugin by id (implements device.PluginLookup).
func (m *Manager) Get(id string) (plugin.Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.loaded[id]
	return p, ok
}

// Update refreshes the installable catalog from the plugin server. Long
// running; returns an OIP immediately.
func (m *Manager) Update(ctx context.Context) (*oip.OIP, error) {
	o := m.oips.New("update catalog")
	m.mu.RLock()
	catalogLimiter := m.catalogLimiter
	m.mu.RUnlock()
	go func() {
		if catalogLimiter != nil {
			if err := catalogLimiter.Wait(ctx); err != nil {
				o.Fail(apierr.IOError(err))
				return
			}
		}
		records, err := m.catalog.Fetch(ctx)
		if err != nil {
			o.Fail(apierr.IOError(err))
			return
		}
		m.mu.Lock()
		m.installable = records
		m.mu.Unlock()
		o.Succeed()
	}()
	return o, nil
}

// Install downloads and unpacks a package, long-running. Concurrent
// install/upgrade for the same id fails fast with PluginBusy (spec §4.3).
func (m *Manager) Install(ctx context.Context, id string) (*oip.OIP, error) {
	return m.startInstallOp(ctx, "install", id)
}

// Upgrade re-downloads a package already installed.
func (m *Manager) Upgrade(ctx context.Context, id string) (*oip.OIP, error) {
	return m.startInstallOp(ctx, "upgrade", id)
}

func (m *Manager) startInstallOp(ctx context.Context, verb, id string) (*oip.OIP, error) {
	key := id
	m.mu.Lock()
	if other, ok := m.runningOp(key); ok && m.oips.IsLive(other) {
		m.mu.Unlock()
		return nil, apierr.PluginBusy(id)
	}
	o := m.oips.New(fmt.Sprintf("%s %s", verb, id))
	m.registerOp(key, o.ID())
	limiter := m.limiter
	m.mu.Unlock()

	go func() {
		if limiter != nil {
			// One bucket for the whole plugin server (provd talks to a
			// single configured plugin_server_url), not one per plugin,
			// so concurrent installs across a fleet of provd instances
			// still share the same budget.
			if err := limiter.Wait(ctx, "plugin-server"); err != nil {
				o.Fail(apierr.IOError(err))
				return
			}
		}
		err := m.installer.Install(ctx, id, func(current, end int) {
			o.SetEnd(end)
			o.Advance(current)
		})
		if err != nil {
			o.Fail(apierr.IOError(err))
			return
		}
		m.mu.Lock()
		m.installed[id] = Record{ID: id}
		m.mu.Unlock()
		o.Succeed()
	}()
	return o, nil
}

func (m *Manager) runningOp(key string) (string, bool) {
	if m.runningOps == nil {
		return "", false
	}
	id, ok := m.runningOps[key]
	return id, ok
}

func (m *Manager) registerOp(key, oipID string) {
	if m.runningOps == nil {
		m.runningOps = make(map[string]string)
	}
	m.runningOps[key] = oipID
}

// Uninstall is synchronous and always unloads first (spec §4.3).
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	if m.isLoaded(id) {
		if err := m.Unload(id); err != nil {
			return err
		}
	}
	if err := m.installer.Uninstall(ctx, id); err != nil {
		return apierr.IOError(err)
	}
	m.mu.Lock()
	delete(m.installed, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) isLoaded(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.loaded[id]
	return ok
}

// Load takes the already-decoded plugin.info manifest (see
// ParseManifest), constructs the plugin through the Constructor
// registered for id, and calls ConfigureCommon(base_raw_config) (spec §4.3's load
// contract). On failure the plugin remains installed but not loaded.
func (m *Manager) Load(ctx context.Context, id string, manifest Manifest) error {
	m.mu.RLock()
	ctor, ok := m.constructors[id]
	base := m.baseRawCfg
	m.mu.RUnlock()
	if !ok {
		return apierr.New(apierr.CodeInvalidParameter, fmt.Sprintf("no constructor registered for plugin %q", id))
	}

	p, err := ctor(ctx, manifest, base)
	if err != nil {
		return apierr.IOError(fmt.Errorf("load plugin %q: %w", id, err))
	}
	if err := p.ConfigureCommon(ctx, toDocument(base)); err != nil {
		return apierr.IOError(fmt.Errorf("configure_common for plugin %q: %w", id, err))
	}

	m.mu.Lock()
	m.loaded[id] = p
	m.mu.Unlock()
	m.notifyLoad(id)
	return nil
}

// Unload removes a plugin from the loaded set.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	if _, ok := m.loaded[id]; !ok {
		m.mu.Unlock()
		return apierr.PluginNotLoaded(id)
	}
	delete(m.loaded, id)
	m.mu.Unlock()
	m.notifyUnload(id)
	return nil
}
