package identify

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/proformatique/provd/internal/collection/jsonfile"
	"github.com/proformatique/provd/internal/device"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/plugin"
	"github.com/proformatique/provd/internal/rawconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	result document.Document
}

func (f fakeExtractor) Extract(ctx context.Context, req plugin.Request) (document.Document, error) {
	return f.result, nil
}

func TestExtractLastSeenLaterWins(t *testing.T) {
	extractors := []plugin.InfoExtractor{
		fakeExtractor{result: document.Document{"vendor": "Cisco", "mac": "aa:bb"}},
		fakeExtractor{result: document.Document{"vendor": "Aastra"}},
	}
	info, err := Extract(context.Background(), extractors, plugin.Request{}, LastSeen)
	require.NoError(t, err)
	assert.Equal(t, "Aastra", info.GetString("vendor"))
	assert.Equal(t, "aa:bb", info.GetString("mac"))
}

func TestExtractVotingTiesLeaveKeyUnset(t *testing.T) {
	extractors := []plugin.InfoExtractor{
		fakeExtractor{result: document.Document{"vendor": "Cisco"}},
		fakeExtractor{result: document.Document{"vendor": "Aastra"}},
	}
	info, err := Extract(context.Background(), extractors, plugin.Request{}, Voting)
	require.NoError(t, err)
	_, present := info["vendor"]
	assert.False(t, present, "a 1-1 tie must leave the key unset")
}

func TestExtractVotingMajorityWins(t *testing.T) {
	extractors := []plugin.InfoExtractor{
		fakeExtractor{result: document.Document{"vendor": "Cisco"}},
		fakeExtractor{result: document.Document{"vendor": "Cisco"}},
		fakeExtractor{result: document.Document{"vendor": "Aastra"}},
	}
	info, err := Extract(context.Background(), extractors, plugin.Request{}, Voting)
	require.NoError(t, err)
	assert.Equal(t, "Cisco", info.GetString("vendor"))
}

func setupPipeline(t *testing.T) (*Pipeline, *device.Lifecycle, *jsonfile.Store, string) {
	t.Helper()
	devices, err := jsonfile.Open(filepath.Join(t.TempDir(), "devices.json"), nil, nil)
	require.NoError(t, err)
	configs, err := jsonfile.Open(filepath.Join(t.TempDir(), "configs.json"), nil, nil)
	require.NoError(t, err)
	resolver := rawconfig.NewResolver(configs, document.New())
	lc := device.New(devices, configs, resolver, noLookup{}, nil, nil)

	p := &Pipeline{
		Retrievers: []Retriever{
			FieldRetriever(devices, "mac"),
			AddNewRetriever(lc, "tenant1"),
		},
		Updaters:  []Updater{AddInfoUpdater()},
		Lifecycle: lc,
		Tenant:    "tenant1",
	}
	return p, lc, devices, "tenant1"
}

type noLookup struct{}

func (noLookup) Get(id string) (plugin.Plugin, bool) { return nil, false }

func TestPipelineAutoInsertsUnknownDevice(t *testing.T) {
	p, _, _, _ := setupPipeline(t)
	p.Extractors = []plugin.InfoExtractor{fakeExtractor{result: document.Document{"mac": "00:11:22:33:44:55"}}}

	doc, err := p.Handle(context.Background(), plugin.Request{Transport: "tftp"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "auto", doc.GetString("added"))
}

func TestPipelineRetrievesExistingDeviceByMAC(t *testing.T) {
	p, lc, _, tenant := setupPipeline(t)
	id, err := lc.Insert(context.Background(), document.Document{"mac": "00:11:22:33:44:55"}, tenant)
	require.NoError(t, err)

	p.Extractors = []plugin.InfoExtractor{fakeExtractor{result: document.Document{"mac": "00:11:22:33:44:55", "vendor": "Cisco"}}}
	doc, err := p.Handle(context.Background(), plugin.Request{})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, id, doc.ID())
	assert.Equal(t, "Cisco", doc.GetString("vendor"), "add-info updater should fill the missing vendor key")
}

func TestRemoveOutdatedIPClearsOtherDeviceWhenNATDisabled(t *testing.T) {
	_, lc, devices, tenant := setupPipeline(t)
	ctx := context.Background()
	otherID, err := lc.Insert(ctx, document.Document{"mac": "aa:aa:aa:aa:aa:aa", "ip": "1.2.3.4"}, tenant)
	require.NoError(t, err)
	thisID, err := lc.Insert(ctx, document.Document{"mac": "bb:bb:bb:bb:bb:bb"}, tenant)
	require.NoError(t, err)

	updater := RemoveOutdatedIPUpdater(devices, func() bool { return false })

	doc, err := devices.Retrieve(ctx, thisID)
	require.NoError(t, err)
	_, err = updater.Update(ctx, doc, document.Document{"ip": "1.2.3.4"})
	require.NoError(t, err)

	other, err := devices.Retrieve(ctx, otherID)
	require.NoError(t, err)
	assert.Empty(t, other.GetString("ip"), "the other device's stale ip must be cleared")
}
