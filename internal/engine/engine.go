// Package engine is the facade wiring every subsystem together: the
// devices/configs collections, the raw-config resolver, the device and
// cfg lifecycles, the plugin manager, the identification pipeline, the
// OIP registry, the configure-service parameter registry and the
// reader/writer lock (spec §5). It is the single entry point the REST
// layer (internal/rest) calls into — grounded on the teacher's
// internal/core/services orchestration package, which plays the same
// "one facade, many collaborators" role for alert processing.
package engine

import (
	"context"
	"log/slog"

	"github.com/proformatique/provd/internal/cache"
	"github.com/proformatique/provd/internal/cfg"
	"github.com/proformatique/provd/internal/collection"
	"github.com/proformatique/provd/internal/configureservice"
	"github.com/proformatique/provd/internal/device"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/identify"
	"github.com/proformatique/provd/internal/metrics"
	"github.com/proformatique/provd/internal/oip"
	"github.com/proformatique/provd/internal/plugin"
	"github.com/proformatique/provd/internal/pluginmgr"
	"github.com/proformatique/provd/internal/rawconfig"
	"github.com/proformatique/provd/internal/rwlock"
)

// Engine is the provisioning engine (spec §1). All exported methods
// bracket their work in the reader/writer lock per spec §5's discipline;
// callers (REST handlers, the identification pipeline driver) never lock
// directly.
type Engine struct {
	lock *rwlock.RWLock

	Devices collection.Collection
	Configs collection.Collection

	Resolver   *rawconfig.Resolver
	DeviceLC   *device.Lifecycle
	ConfigLC   *cfg.Lifecycle
	Plugins    *pluginmgr.Manager
	OIPs       *oip.Registry
	ConfigureSvc *configureservice.Service
	ResolvedCache *cache.ResolvedConfigCache
	Metrics    *metrics.Engine

	logger *slog.Logger
}

// Deps bundles the already-constructed collaborators New assembles into
// an Engine. Each field is built by its own package's constructor; Engine
// itself does no collection/plugin/lock construction so tests can swap
// in fakes at any layer.
type Deps struct {
	Devices       collection.Collection
	Configs       collection.Collection
	Resolver      *rawconfig.Resolver
	DeviceLC      *device.Lifecycle
	ConfigLC      *cfg.Lifecycle
	Plugins       *pluginmgr.Manager
	OIPs          *oip.Registry
	ConfigureSvc  *configureservice.Service
	ResolvedCache *cache.ResolvedConfigCache
	Metrics       *metrics.Engine
	Logger        *slog.Logger
}

// New assembles an Engine from Deps.
func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.OIPs == nil {
		d.OIPs = oip.NewRegistry()
	}
	return &Engine{
		lock:          rwlock.New(d.Logger),
		Devices:       d.Devices,
		Configs:       d.Configs,
		Resolver:      d.Resolver,
		DeviceLC:      d.DeviceLC,
		ConfigLC:      d.ConfigLC,
		Plugins:       d.Plugins,
		OIPs:          d.OIPs,
		ConfigureSvc:  d.ConfigureSvc,
		ResolvedCache: d.ResolvedCache,
		Metrics:       d.Metrics,
		logger:        d.Logger,
	}
}

// --- Device operations (spec §4.5) ---

// InsertDevice acquires the write lock and inserts a device.
func (e *Engine) InsertDevice(ctx context.Context, doc document.Document, tenant string) (id string, err error) {
	err = e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		id, err = e.DeviceLC.Insert(ctx, doc, tenant)
		return err
	})
	return id, err
}

// UpdateDevice acquires the write lock and updates a device.
func (e *Engine) UpdateDevice(ctx context.Context, doc document.Document, tenant string) error {
	return e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		return e.DeviceLC.Update(ctx, doc, tenant)
	})
}

// DeleteDevice acquires the write lock and deletes a device.
func (e *Engine) DeleteDevice(ctx context.Context, id string) error {
	return e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		return e.DeviceLC.Delete(ctx, id)
	})
}

// ReconfigureDevice acquires the write lock and forces a reconfigure.
func (e *Engine) ReconfigureDevice(ctx context.Context, id string) error {
	return e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		return e.DeviceLC.Reconfigure(ctx, id)
	})
}

// SynchronizeDevice acquires the read lock (spec §5: synchronize is a
// read — it does not mutate device/config state itself) and starts a
// synchronize operation, tracked as an OIP.
func (e *Engine) SynchronizeDevice(ctx context.Context, id string) (o *oip.OIP, err error) {
	err = e.lock.WithRLockCtx(ctx, func(ctx context.Context) error {
		signal, syncErr := e.DeviceLC.Synchronize(ctx, id)
		if syncErr != nil {
			return syncErr
		}
		o = e.OIPs.New("synchronize " + id)
		go func() {
			if err := signal.Wait(context.Background()); err != nil {
				o.Fail(err)
				return
			}
			o.Succeed()
		}()
		return nil
	})
	return o, err
}

// GetDevice acquires the read lock and retrieves a device.
func (e *Engine) GetDevice(ctx context.Context, id string) (doc document.Document, err error) {
	err = e.lock.WithRLockCtx(ctx, func(ctx context.Context) error {
		doc, err = e.Devices.Retrieve(ctx, id)
		return err
	})
	return doc, err
}

// FindDevices acquires the read lock and runs a query.
func (e *Engine) FindDevices(ctx context.Context, sel collection.Selector, opts collection.FindOptions) (docs []document.Document, err error) {
	err = e.lock.WithRLockCtx(ctx, func(ctx context.Context) error {
		docs, err = e.Devices.Find(ctx, sel, opts)
		return err
	})
	return docs, err
}

// --- Config operations (spec §4.6) ---

// InsertConfig acquires the write lock and runs cfg_insert.
func (e *Engine) InsertConfig(ctx context.Context, doc document.Document) (id string, err error) {
	err = e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		id, err = e.ConfigLC.Insert(ctx, doc)
		if err == nil {
			e.invalidateCascade(id)
		}
		return err
	})
	return id, err
}

// UpdateConfig acquires the write lock and runs cfg_update.
func (e *Engine) UpdateConfig(ctx context.Context, doc document.Document) error {
	return e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		id := doc.ID()
		if err := e.ConfigLC.Update(ctx, doc); err != nil {
			return err
		}
		e.invalidateCascade(id)
		return nil
	})
}

// DeleteConfig acquires the write lock and runs cfg_delete.
func (e *Engine) DeleteConfig(ctx context.Context, id string) error {
	return e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		if err := e.ConfigLC.Delete(ctx, id); err != nil {
			return err
		}
		e.invalidateCascade(id)
		return nil
	})
}

// CreateConfigFromAutocreate acquires the write lock and runs
// cfg_create_new.
func (e *Engine) CreateConfigFromAutocreate(ctx context.Context, factory func(document.Document) document.Document) (id string, err error) {
	err = e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		id, err = e.ConfigLC.CreateFromAutocreate(ctx, factory)
		return err
	})
	return id, err
}

// GetConfig acquires the read lock and retrieves a config document.
func (e *Engine) GetConfig(ctx context.Context, id string) (doc document.Document, err error) {
	err = e.lock.WithRLockCtx(ctx, func(ctx context.Context) error {
		doc, err = e.Configs.Retrieve(ctx, id)
		return err
	})
	return doc, err
}

// FindConfigs acquires the read lock and runs a query over configs.
func (e *Engine) FindConfigs(ctx context.Context, sel collection.Selector, opts collection.FindOptions) (docs []document.Document, err error) {
	err = e.lock.WithRLockCtx(ctx, func(ctx context.Context) error {
		docs, err = e.Configs.Find(ctx, sel, opts)
		return err
	})
	return docs, err
}

// GetRawConfig acquires the read lock and returns the resolved
// raw_config for id, consulting the resolved-config cache first (spec
// §4.6/internal/cache).
func (e *Engine) GetRawConfig(ctx context.Context, id string) (raw document.Document, err error) {
	err = e.lock.WithRLockCtx(ctx, func(ctx context.Context) error {
		if e.ResolvedCache != nil {
			if cached, ok := e.ResolvedCache.Get(id); ok {
				raw = cached
				return nil
			}
		}
		raw, err = e.Resolver.GetRawConfig(ctx, id)
		if err == nil && raw != nil && e.ResolvedCache != nil {
			e.ResolvedCache.Put(id, raw)
		}
		return err
	})
	return raw, err
}

// invalidateCascade drops the resolved-config cache for id and every
// descendant after a config mutation. Called with the write lock already
// held by the caller.
func (e *Engine) invalidateCascade(id string) {
	if e.ResolvedCache == nil {
		return
	}
	descendants, err := e.Resolver.GetDescendants(context.Background(), id)
	if err != nil {
		e.logger.Warn("invalidate cascade: get_descendants failed", "config", id, "error", err)
		e.ResolvedCache.InvalidateAll()
		return
	}
	e.ResolvedCache.Invalidate(id)
	for d := range descendants {
		e.ResolvedCache.Invalidate(d)
	}
}

// --- Plugin manager operations (spec §4.3) ---

// InstallPlugin acquires the write lock and starts an install.
func (e *Engine) InstallPlugin(ctx context.Context, id string) (o *oip.OIP, err error) {
	err = e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		o, err = e.Plugins.Install(ctx, id)
		return err
	})
	return o, err
}

// UpgradePlugin acquires the write lock and starts an upgrade.
func (e *Engine) UpgradePlugin(ctx context.Context, id string) (o *oip.OIP, err error) {
	err = e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		o, err = e.Plugins.Upgrade(ctx, id)
		return err
	})
	return o, err
}

// UninstallPlugin acquires the write lock, uninstalls a plugin, and
// soft-deconfigures every device that referenced it (spec §4.5).
func (e *Engine) UninstallPlugin(ctx context.Context, id string) error {
	return e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		if err := e.Plugins.Uninstall(ctx, id); err != nil {
			return err
		}
		return e.DeviceLC.OnPluginUninstalled(ctx, id)
	})
}

// ReloadPlugins acquires the write lock and refreshes the installable
// catalog (spec §6 "/pg_mgr/reload").
func (e *Engine) ReloadPlugins(ctx context.Context) (o *oip.OIP, err error) {
	err = e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		o, err = e.Plugins.Update(ctx)
		return err
	})
	return o, err
}

// --- Identification pipeline driver (spec §4.7) ---

// Identify runs the identification pipeline under the write lock, since
// it may insert or update a device.
func (e *Engine) Identify(ctx context.Context, p *identify.Pipeline, req plugin.Request) (doc document.Document, err error) {
	err = e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		doc, err = p.Handle(ctx, req)
		return err
	})
	return doc, err
}

// --- Configure service (spec §4.9) ---

// GetParameter acquires the read lock and returns a configure-service
// parameter.
func (e *Engine) GetParameter(ctx context.Context, key string) (value string, err error) {
	err = e.lock.WithRLockCtx(ctx, func(ctx context.Context) error {
		value, err = e.ConfigureSvc.Get(key)
		return err
	})
	return value, err
}

// SetParameter acquires the write lock and sets a configure-service
// parameter.
func (e *Engine) SetParameter(ctx context.Context, key, value string) error {
	return e.lock.WithLockCtx(ctx, func(ctx context.Context) error {
		return e.ConfigureSvc.Set(key, value)
	})
}

// HandleDHCPInfo acquires the write lock since a DHCP commit can drive
// the identification pipeline (which may insert/update a device).
func (e *Engine) HandleDHCPInfo(ctx context.Context, p *identify.Pipeline, req plugin.Request) (document.Document, error) {
	return e.Identify(ctx, p, req)
}
