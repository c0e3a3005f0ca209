package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "provd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/provd/tftpboot", cfg.TFTPRoot)
	assert.Equal(t, "0.0.0.0:8667", cfg.HTTPBindAddr)
	assert.Equal(t, 256, cfg.ResolvedCacheSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "", cfg.RedisAddr)
	assert.Equal(t, 2.0, cfg.DownloadRateRPS)
	assert.Equal(t, 5.0, cfg.DownloadBurst)
}

func TestLoadFromFile(t *testing.T) {
	path := writeTempYAML(t, `
tftp_root: /tmp/tftpboot
http_bind_addr: "127.0.0.1:9000"
resolved_cache_size: 512
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/tftpboot", cfg.TFTPRoot)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPBindAddr)
	assert.Equal(t, 512, cfg.ResolvedCacheSize)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	require.NoError(t, os.Setenv("PROVD_HTTP_BIND_ADDR", "10.0.0.1:9999"))
	t.Cleanup(func() { os.Unsetenv("PROVD_HTTP_BIND_ADDR") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9999", cfg.HTTPBindAddr)
}

func TestValidateRejectsEmptyRoots(t *testing.T) {
	cfg := &Config{HTTPBindAddr: ":8667", ResolvedCacheSize: 1}
	err := cfg.Validate()
	assert.Error(t, err)
}
