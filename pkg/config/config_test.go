package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, home, cfg.Home)
	require.Equal(t, filepath.Join(home, "data"), cfg.Store.DataDir)
	require.Equal(t, 8192, cfg.Store.PageSize)

	mc := cfg.ManagerConfig()
	require.Equal(t, cfg.Store.CachePages, mc.PageCache.MaxPages)
	require.Equal(t, cfg.Store.DataDir, mc.DataDir)
}

func TestLoadFile(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  page_size: 4096
  cache_pages: 64
  pin_backoff: 250us
  background_flush:
    enabled: true
    interval: 2s
    max_iops: 100
logger:
  level: debug
telemetry:
  enabled: true
  metrics_addr: ":9464"
`), 0o644))

	cfg, err := Load(home, path)
	require.NoError(t, err)
	require.Equal(t, 4096, cfg.Store.PageSize)
	require.Equal(t, 64, cfg.Store.CachePages)
	require.Equal(t, 250*time.Microsecond, cfg.Store.PinBackoff)
	require.Equal(t, 2*time.Second, cfg.Store.BackgroundFlush.Interval)
	require.Equal(t, 64, cfg.Store.MaxPinAttempts, "unset fields keep defaults")
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, ":9464", cfg.Telemetry.MetricsAddr)
	require.True(t, cfg.ManagerConfig().PageCache.BackgroundFlush.Enabled)
}

func TestLoadErrors(t *testing.T) {
	home := t.TempDir()
	write := func(body string) string {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}
	cases := map[string]string{
		"unknown field":   "store:\n  page_sise: 4096\n",
		"page size":       "store:\n  page_size: 1000\n",
		"cache pages":     "store:\n  cache_pages: 0\n",
		"flush interval":  "store:\n  background_flush:\n    enabled: true\n    interval: 0s\n",
		"sample ratio":    "telemetry:\n  trace_sample_ratio: 2\n",
		"not yaml at all": "store: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(home, write(body))
			require.Error(t, err)
		})
	}

	_, err := Load(home, filepath.Join(home, "missing.yaml"))
	require.Error(t, err)
}

func TestHomeInFileMovesDataDir(t *testing.T) {
	home, other := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte("home: "+other+"\n"), 0o644))
	cfg, err := Load(home, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(other, "data"), cfg.Store.DataDir)
}
