package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvmodel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
backend: bolt
collections: [CacheItems, Sessions]
sweep_interval: 10s
`), 0o600))

	cfg, err := load(env(map[string]string{
		"KVMODEL_CONFIG":    path,
		"KVMODEL_HTTP_ADDR": ":7070",
		"UPSTREAM_URL":      "http://origin:8080",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, BackendBolt, cfg.Backend)
	assert.Equal(t, []string{"CacheItems", "Sessions"}, cfg.Collections)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, "http://origin:8080", cfg.UpstreamURL)
}

func TestLoadEnvLists(t *testing.T) {
	cfg, err := load(env(map[string]string{
		"KVMODEL_COLLECTIONS":    " A, B ,,C",
		"KVMODEL_SWEEP_INTERVAL": "0",
		"KVMODEL_SHARDS":         "4",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, cfg.Collections)
	assert.Zero(t, cfg.SweepInterval)
	assert.Equal(t, 4, cfg.Shards)

	_, err = load(env(map[string]string{"KVMODEL_SWEEP_INTERVAL": "often"}))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Backend = "redis"
	cfg.Collections = []string{"A", "A"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
	assert.Contains(t, err.Error(), "duplicate collection")

	cfg = Default()
	cfg.Collections = nil
	assert.Error(t, cfg.Validate())
}
