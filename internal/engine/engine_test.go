package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/proformatique/provd/internal/cache"
	"github.com/proformatique/provd/internal/cfg"
	"github.com/proformatique/provd/internal/collection/jsonfile"
	"github.com/proformatique/provd/internal/configureservice"
	"github.com/proformatique/provd/internal/device"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/oip"
	"github.com/proformatique/provd/internal/plugin"
	"github.com/proformatique/provd/internal/rawconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noLookup struct{}

func (noLookup) Get(id string) (plugin.Plugin, bool) { return nil, false }

type reconfigurer struct{ lc *device.Lifecycle }

func (r reconfigurer) Reconfigure(ctx context.Context, id string) error {
	return r.lc.Reconfigure(ctx, id)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	devices, err := jsonfile.Open(filepath.Join(t.TempDir(), "devices.json"), nil, nil)
	require.NoError(t, err)
	configs, err := jsonfile.Open(filepath.Join(t.TempDir(), "configs.json"), nil, nil)
	require.NoError(t, err)
	resolver := rawconfig.NewResolver(configs, document.New())
	devLC := device.New(devices, configs, resolver, noLookup{}, nil, nil)
	cfgLC := cfg.New(configs, devices, resolver, reconfigurer{devLC}, nil)

	persister, err := configureservice.NewPersister(filepath.Join(t.TempDir(), "configure.json"))
	require.NoError(t, err)

	resolvedCache, err := cache.New(64, nil)
	require.NoError(t, err)

	return New(Deps{
		Devices:       devices,
		Configs:       configs,
		Resolver:      resolver,
		DeviceLC:      devLC,
		ConfigLC:      cfgLC,
		OIPs:          oip.NewRegistry(),
		ConfigureSvc:  configureservice.New(persister),
		ResolvedCache: resolvedCache,
	})
}

func TestInsertAndGetDevice(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.InsertDevice(ctx, document.Document{"mac": "00:11:22:33:44:55"}, "tenant1")
	require.NoError(t, err)

	doc, err := e.GetDevice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tenant1", doc.GetString("tenant_uuid"))
}

func TestConfigureServiceRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.SetParameter(ctx, "NAT", "1"))
	v, err := e.GetParameter(ctx, "NAT")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestGetRawConfigCachesResolvedResult(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.InsertConfig(ctx, document.Document{
		"raw_config": document.Document{"ip": "1.2.3.4", "http_port": 80, "tftp_port": 69},
	})
	require.NoError(t, err)

	raw1, err := e.GetRawConfig(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", raw1.GetString("ip"))
	assert.Equal(t, int64(1), e.ResolvedCache.Stats().Misses)

	raw2, err := e.GetRawConfig(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, raw1, raw2)
	assert.Equal(t, int64(1), e.ResolvedCache.Stats().Hits)
}

func TestUpdateConfigInvalidatesCache(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.InsertConfig(ctx, document.Document{
		"raw_config": document.Document{"ip": "1.2.3.4", "http_port": 80, "tftp_port": 69},
	})
	require.NoError(t, err)
	_, err = e.GetRawConfig(ctx, id) // populate cache
	require.NoError(t, err)

	cfgDoc, err := e.Configs.Retrieve(ctx, id)
	require.NoError(t, err)
	cfgDoc["raw_config"] = document.Document{"ip": "9.9.9.9", "http_port": 80, "tftp_port": 69}
	require.NoError(t, e.UpdateConfig(ctx, cfgDoc))

	raw, err := e.GetRawConfig(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", raw.GetString("ip"), "cache must be invalidated on update")
}

func TestDeleteNonDeletableConfigRefused(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.InsertConfig(ctx, document.Document{"deletable": false})
	require.NoError(t, err)

	err = e.DeleteConfig(ctx, id)
	require.Error(t, err)
}

func TestCascadeReconfiguresDescendantDevices(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	baseID, err := e.InsertConfig(ctx, document.Document{
		"raw_config": document.Document{"ip": "1.1.1.1", "http_port": 80, "tftp_port": 69},
	})
	require.NoError(t, err)
	childID, err := e.InsertConfig(ctx, document.Document{"parent_ids": []any{baseID}})
	require.NoError(t, err)

	devID, err := e.InsertDevice(ctx, document.Document{"mac": "aa:bb:cc:dd:ee:ff", "config": childID}, "t1")
	require.NoError(t, err)

	base, err := e.Configs.Retrieve(ctx, baseID)
	require.NoError(t, err)
	base["raw_config"] = document.Document{"ip": "2.2.2.2", "http_port": 80, "tftp_port": 69}
	require.NoError(t, e.UpdateConfig(ctx, base))

	dev, err := e.GetDevice(ctx, devID)
	require.NoError(t, err)
	assert.NotNil(t, dev)
}
