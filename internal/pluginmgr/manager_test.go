package pluginmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/oip"
	"github.com/proformatique/provd/internal/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeCatalog struct {
	records []Record
	err     error
}

func (f *fakeCatalog) Fetch(ctx context.Context) ([]Record, error) {
	return f.records, f.err
}

type fakeInstaller struct {
	mu         sync.Mutex
	installErr error
	blocked    chan struct{} // if non-nil, Install blocks on it until closed
	uninstalls []string
}

func (f *fakeInstaller) Install(ctx context.Context, id string, progress func(current, end int)) error {
	if f.blocked != nil {
		<-f.blocked
	}
	progress(1, 1)
	return f.installErr
}

func (f *fakeInstaller) Uninstall(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalls = append(f.uninstalls, id)
	return nil
}

type fakePluginImpl struct {
	id              string
	configureCommon int
}

func (f *fakePluginImpl) Configure(ctx context.Context, dev plugin.DeviceInfo, raw document.Document) error {
	return nil
}
func (f *fakePluginImpl) Deconfigure(ctx context.Context, dev plugin.DeviceInfo) error { return nil }
func (f *fakePluginImpl) Synchronize(ctx context.Context, dev plugin.DeviceInfo, raw document.Document) (plugin.CompletionSignal, error) {
	return nil, nil
}
func (f *fakePluginImpl) ConfigureCommon(ctx context.Context, base document.Document) error {
	f.configureCommon++
	return nil
}
func (f *fakePluginImpl) Info() plugin.Info { return plugin.Info{ID: f.id} }

// waitSettled blocks until an OIP leaves the progress state. Install/Update
// run their work on a goroutine; tests poll rather than sleep a fixed
// duration.
func waitSettled(t *testing.T, o *oip.OIP) oip.Snapshot {
	t.Helper()
	var snap oip.Snapshot
	require.Eventually(t, func() bool {
		snap = o.Snapshot()
		return snap.State != oip.StateProgress
	}, time.Second, time.Millisecond)
	return snap
}

func TestUpdateRefreshesInstallableCatalog(t *testing.T) {
	catalog := &fakeCatalog{records: []Record{{ID: "xivo-aastra", Version: "1.0"}}}
	m := New(catalog, &fakeInstaller{}, t.TempDir(), nil, nil)

	o, err := m.Update(context.Background())
	require.NoError(t, err)
	snap := waitSettled(t, o)
	assert.Equal(t, oip.StateSuccess, snap.State)
	assert.Equal(t, []Record{{ID: "xivo-aastra", Version: "1.0"}}, m.ListInstallable())
}

func TestInstallThenLoadThenUnload(t *testing.T) {
	installer := &fakeInstaller{}
	m := New(&fakeCatalog{}, installer, t.TempDir(), nil, map[string]any{"ip": "1.2.3.4"})

	impl := &fakePluginImpl{id: "xivo-aastra"}
	m.RegisterConstructor("xivo-aastra", func(ctx context.Context, manifest Manifest, base map[string]any) (plugin.Plugin, error) {
		return impl, nil
	})

	o, err := m.Install(context.Background(), "xivo-aastra")
	require.NoError(t, err)
	require.NotNil(t, o)
	waitSettled(t, o)

	require.NoError(t, m.Load(context.Background(), "xivo-aastra", Manifest{}))
	assert.Equal(t, 1, impl.configureCommon)

	_, ok := m.Get("xivo-aastra")
	assert.True(t, ok)

	require.NoError(t, m.Unload("xivo-aastra"))
	_, ok = m.Get("xivo-aastra")
	assert.False(t, ok)
}

func TestConcurrentInstallOfSameIDFailsFast(t *testing.T) {
	installer := &fakeInstaller{blocked: make(chan struct{})}
	m := New(&fakeCatalog{}, installer, t.TempDir(), nil, nil)

	o1, err := m.Install(context.Background(), "xivo-aastra")
	require.NoError(t, err)
	require.NotNil(t, o1)

	_, err = m.Install(context.Background(), "xivo-aastra")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodePluginBusy, apiErr.Code)

	close(installer.blocked)
	waitSettled(t, o1)
}

func TestUnloadWhenNotLoadedFails(t *testing.T) {
	m := New(&fakeCatalog{}, &fakeInstaller{}, t.TempDir(), nil, nil)
	err := m.Unload("nope")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodePluginNotLoaded, apiErr.Code)
}

func TestUninstallUnloadsFirst(t *testing.T) {
	installer := &fakeInstaller{}
	m := New(&fakeCatalog{}, installer, t.TempDir(), nil, nil)
	impl := &fakePluginImpl{id: "xivo-aastra"}
	m.RegisterConstructor("xivo-aastra", func(ctx context.Context, manifest Manifest, base map[string]any) (plugin.Plugin, error) {
		return impl, nil
	})

	o, err := m.Install(context.Background(), "xivo-aastra")
	require.NoError(t, err)
	waitSettled(t, o)
	require.NoError(t, m.Load(context.Background(), "xivo-aastra", Manifest{}))

	require.NoError(t, m.Uninstall(context.Background(), "xivo-aastra"))
	_, ok := m.Get("xivo-aastra")
	assert.False(t, ok, "uninstall must unload first")
	assert.Contains(t, installer.uninstalls, "xivo-aastra")
}

func TestLoadFailsWithoutRegisteredConstructor(t *testing.T) {
	m := New(&fakeCatalog{}, &fakeInstaller{}, t.TempDir(), nil, nil)
	err := m.Load(context.Background(), "unknown-plugin", Manifest{})
	require.Error(t, err)
}

func TestObserverNotifiedOnLoadAndUnload(t *testing.T) {
	m := New(&fakeCatalog{}, &fakeInstaller{}, t.TempDir(), nil, nil)
	impl := &fakePluginImpl{id: "xivo-aastra"}
	m.RegisterConstructor("xivo-aastra", func(ctx context.Context, manifest Manifest, base map[string]any) (plugin.Plugin, error) {
		return impl, nil
	})

	var loaded, unloaded []string
	obs := recordingObserver{loaded: &loaded, unloaded: &unloaded}
	m.Subscribe(obs)

	require.NoError(t, m.Load(context.Background(), "xivo-aastra", Manifest{}))
	require.NoError(t, m.Unload("xivo-aastra"))

	assert.Equal(t, []string{"xivo-aastra"}, loaded)
	assert.Equal(t, []string{"xivo-aastra"}, unloaded)
}

type recordingObserver struct {
	loaded   *[]string
	unloaded *[]string
}

func (r recordingObserver) OnLoad(id string)   { *r.loaded = append(*r.loaded, id) }
func (r recordingObserver) OnUnload(id string) { *r.unloaded = append(*r.unloaded, id) }

func TestInstallPropagatesInstallerError(t *testing.T) {
	installer := &fakeInstaller{installErr: errors.New("disk full")}
	m := New(&fakeCatalog{}, installer, t.TempDir(), nil, nil)

	o, err := m.Install(context.Background(), "xivo-aastra")
	require.NoError(t, err)
	snap := waitSettled(t, o)
	assert.Equal(t, oip.StateFail, snap.State)
}

type fakeLimiter struct {
	mu      sync.Mutex
	waited  []string
	waitErr error
}

func (f *fakeLimiter) Wait(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, key)
	return f.waitErr
}

func TestInstallConsultsRateLimiterBeforeDownload(t *testing.T) {
	installer := &fakeInstaller{}
	m := New(&fakeCatalog{}, installer, t.TempDir(), nil, nil)
	limiter := &fakeLimiter{}
	m.SetRateLimiter(limiter)

	o, err := m.Install(context.Background(), "xivo-aastra")
	require.NoError(t, err)
	snap := waitSettled(t, o)
	assert.Equal(t, oip.StateSuccess, snap.State)
	assert.Equal(t, []string{"plugin-server"}, limiter.waited)
}

func TestInstallFailsFastWhenRateLimiterErrors(t *testing.T) {
	installer := &fakeInstaller{}
	m := New(&fakeCatalog{}, installer, t.TempDir(), nil, nil)
	m.SetRateLimiter(&fakeLimiter{waitErr: context.DeadlineExceeded})

	o, err := m.Install(context.Background(), "xivo-aastra")
	require.NoError(t, err)
	snap := waitSettled(t, o)
	assert.Equal(t, oip.StateFail, snap.State)
}

func TestUpdateBlocksOnExhaustedCatalogLimiter(t *testing.T) {
	catalog := &fakeCatalog{records: []Record{{ID: "xivo-aastra"}}}
	m := New(catalog, &fakeInstaller{}, t.TempDir(), nil, nil)
	m.SetCatalogRateLimiter(rate.NewLimiter(rate.Every(time.Hour), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// First refresh consumes the single burst token.
	o1, err := m.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, oip.StateSuccess, waitSettled(t, o1).State)

	// Second refresh has no token left and the limiter's next refill is an
	// hour away, so it fails once ctx expires rather than refreshing.
	o2, err := m.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, oip.StateFail, waitSettled(t, o2).State)
}
