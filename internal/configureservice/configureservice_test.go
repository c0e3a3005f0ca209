package configureservice

import (
	"path/filepath"
	"testing"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	p, err := NewPersister(filepath.Join(t.TempDir(), "configure.json"))
	require.NoError(t, err)
	return New(p)
}

func TestUnknownKeyRejected(t *testing.T) {
	s := newService(t)
	_, err := s.Get("bogus")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeInvalidParameter, apiErr.Code)

	err = s.Set("bogus", "x")
	require.Error(t, err)
}

func TestPluginServerRequiresSchemeAndHost(t *testing.T) {
	s := newService(t)
	require.Error(t, s.Set("plugin_server", "not-a-url"))
	require.NoError(t, s.Set("plugin_server", "https://provd.example.com/plugins"))
	v, err := s.Get("plugin_server")
	require.NoError(t, err)
	assert.Equal(t, "https://provd.example.com/plugins", v)
}

func TestHTTPSProxyRejectsFullURL(t *testing.T) {
	s := newService(t)
	require.Error(t, s.Set("https_proxy", "https://proxy.example.com:3128"))
	require.NoError(t, s.Set("https_proxy", "proxy.example.com:3128"))
}

func TestLocaleASCIIOnly(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.Set("locale", "fr_FR"))
	require.Error(t, s.Set("locale", "fr_FRé"))
}

func TestNATEnumerated(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.Set("NAT", "1"))
	require.Error(t, s.Set("NAT", "2"))
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configure.json")
	p1, err := NewPersister(path)
	require.NoError(t, err)
	require.NoError(t, New(p1).Set("locale", "en_US"))

	p2, err := NewPersister(path)
	require.NoError(t, err)
	v, err := New(p2).Get("locale")
	require.NoError(t, err)
	assert.Equal(t, "en_US", v)
}
