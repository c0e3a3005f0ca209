package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/collection/jsonfile"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/plugin"
	"github.com/proformatique/provd/internal/rawconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	id              string
	configureErr    error
	configureCalls  int
	deconfigureCalls int
}

func (f *fakePlugin) Configure(ctx context.Context, dev plugin.DeviceInfo, raw document.Document) error {
	f.configureCalls++
	return f.configureErr
}
func (f *fakePlugin) Deconfigure(ctx context.Context, dev plugin.DeviceInfo) error {
	f.deconfigureCalls++
	return nil
}
func (f *fakePlugin) Synchronize(ctx context.Context, dev plugin.DeviceInfo, raw document.Document) (plugin.CompletionSignal, error) {
	return nil, nil
}
func (f *fakePlugin) ConfigureCommon(ctx context.Context, base document.Document) error { return nil }
func (f *fakePlugin) Info() plugin.Info                                                 { return plugin.Info{ID: f.id} }

type fakeLookup struct {
	plugins map[string]plugin.Plugin
}

func (f *fakeLookup) Get(id string) (plugin.Plugin, bool) {
	p, ok := f.plugins[id]
	return p, ok
}

func setup(t *testing.T) (*Lifecycle, *fakePlugin, string) {
	t.Helper()
	devices, err := jsonfile.Open(filepath.Join(t.TempDir(), "devices.json"), nil, nil)
	require.NoError(t, err)
	configs, err := jsonfile.Open(filepath.Join(t.TempDir(), "configs.json"), nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	configID, err := configs.Insert(ctx, document.Document{
		"raw_config": document.Document{"ip": "1.2.3.4", "http_port": 80, "tftp_port": 69},
	})
	require.NoError(t, err)

	resolver := rawconfig.NewResolver(configs, document.New())
	p := &fakePlugin{id: "xivo-aastra"}
	lookup := &fakeLookup{plugins: map[string]plugin.Plugin{"xivo-aastra": p}}
	lc := New(devices, configs, resolver, lookup, nil, nil)
	return lc, p, configID
}

func TestInsertConfiguresSuccessfully(t *testing.T) {
	ctx := context.Background()
	lc, p, configID := setup(t)

	id, err := lc.Insert(ctx, document.Document{
		"mac": "00:11:22:33:44:55", "plugin": "xivo-aastra", "config": configID,
	}, "tenant1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.configureCalls)

	doc, err := lc.devices.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.True(t, doc.GetBool("configured"))
	assert.Equal(t, "tenant1", doc.GetString("tenant_uuid"))
}

func TestInsertWithoutPluginStaysUnconfigured(t *testing.T) {
	ctx := context.Background()
	lc, _, configID := setup(t)

	id, err := lc.Insert(ctx, document.Document{"mac": "aa:bb:cc:dd:ee:ff", "config": configID}, "t1")
	require.NoError(t, err)
	doc, err := lc.devices.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.False(t, doc.GetBool("configured"))
}

func TestUpdateWithNoRelevantChangeIsNoOp(t *testing.T) {
	ctx := context.Background()
	lc, p, configID := setup(t)

	id, err := lc.Insert(ctx, document.Document{
		"mac": "00:11:22:33:44:55", "plugin": "xivo-aastra", "config": configID,
	}, "t1")
	require.NoError(t, err)
	p.configureCalls = 0
	p.deconfigureCalls = 0

	doc, err := lc.devices.Retrieve(ctx, id)
	require.NoError(t, err)

	require.NoError(t, lc.Update(ctx, doc, "t1"))
	assert.Equal(t, 0, p.configureCalls)
	assert.Equal(t, 0, p.deconfigureCalls)
}

func TestUpdateChangingMacDeconfiguresThenConfigures(t *testing.T) {
	ctx := context.Background()
	lc, p, configID := setup(t)

	id, err := lc.Insert(ctx, document.Document{
		"mac": "00:11:22:33:44:55", "plugin": "xivo-aastra", "config": configID,
	}, "t1")
	require.NoError(t, err)
	p.configureCalls = 0
	p.deconfigureCalls = 0

	doc, err := lc.devices.Retrieve(ctx, id)
	require.NoError(t, err)
	doc["mac"] = "ff:ff:ff:ff:ff:ff"
	require.NoError(t, lc.Update(ctx, doc, "t1"))

	assert.Equal(t, 1, p.deconfigureCalls)
	assert.Equal(t, 1, p.configureCalls)
}

func TestDeleteDeconfiguresConfiguredDevice(t *testing.T) {
	ctx := context.Background()
	lc, p, configID := setup(t)

	id, err := lc.Insert(ctx, document.Document{
		"mac": "00:11:22:33:44:55", "plugin": "xivo-aastra", "config": configID,
	}, "t1")
	require.NoError(t, err)

	require.NoError(t, lc.Delete(ctx, id))
	assert.Equal(t, 1, p.deconfigureCalls)

	doc, err := lc.devices.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestDeleteGarbageCollectsOrphanTransientConfig(t *testing.T) {
	ctx := context.Background()
	lc, _, _ := setup(t)

	transientID, err := lc.configs.Insert(ctx, document.Document{
		"transient":  true,
		"raw_config": document.Document{"ip": "1.2.3.4", "http_port": 80, "tftp_port": 69},
	})
	require.NoError(t, err)

	id, err := lc.Insert(ctx, document.Document{"mac": "00:11:22:33:44:55", "config": transientID}, "t1")
	require.NoError(t, err)

	require.NoError(t, lc.Delete(ctx, id))

	doc, err := lc.configs.Retrieve(ctx, transientID)
	require.NoError(t, err)
	assert.Nil(t, doc, "orphaned transient config should be garbage collected")
}

func TestSynchronizeFailsWhenNotConfigured(t *testing.T) {
	ctx := context.Background()
	lc, _, configID := setup(t)

	id, err := lc.Insert(ctx, document.Document{"mac": "00:11:22:33:44:55", "config": configID}, "t1")
	require.NoError(t, err)

	_, err = lc.Synchronize(ctx, id)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeSyncUnsupported, apiErr.Code)
}

func TestOnPluginUninstalledSoftDeconfigures(t *testing.T) {
	ctx := context.Background()
	lc, p, configID := setup(t)

	id, err := lc.Insert(ctx, document.Document{
		"mac": "00:11:22:33:44:55", "plugin": "xivo-aastra", "config": configID,
	}, "t1")
	require.NoError(t, err)
	p.deconfigureCalls = 0

	require.NoError(t, lc.OnPluginUninstalled(ctx, "xivo-aastra"))
	assert.Equal(t, 0, p.deconfigureCalls, "soft deconfigure must not call the plugin")

	doc, err := lc.devices.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.False(t, doc.GetBool("configured"))
}

func TestConfigureErrorLeavesUnconfigured(t *testing.T) {
	ctx := context.Background()
	lc, p, configID := setup(t)
	p.configureErr = errors.New("write failed")

	id, err := lc.Insert(ctx, document.Document{
		"mac": "00:11:22:33:44:55", "plugin": "xivo-aastra", "config": configID,
	}, "t1")
	require.NoError(t, err)

	doc, err := lc.devices.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.False(t, doc.GetBool("configured"))
}
