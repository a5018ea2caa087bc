package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, LockMemory, cfg.Lock.Backend)
	assert.Equal(t, 10000, cfg.Lock.TTLMS)
	assert.Empty(t, cfg.Webhooks)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
lock:
  backend: redis
redis:
  addr: localhost:6379
webhooks:
  - url: http://hooks.local/muster
    events: [assignment.decided]
`))
	require.NoError(t, err)
	assert.Equal(t, LockRedis, cfg.Lock.Backend)
	assert.Equal(t, 25, cfg.Lock.RetryMS)
	assert.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"assignment.decided"}, cfg.Webhooks[0].Events)
	assert.Nil(t, cfg.Webhooks[0].Enabled)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown backend":  "lock:\n  backend: etcd\n",
		"redis needs addr": "lock:\n  backend: redis\n",
		"bad level":        "log:\n  level: loud\n",
		"bad format":       "log:\n  format: xml\n",
		"bad base path":    "server:\n  base_path: v0\n",
		"empty hook url":   "webhooks:\n  - events: [request.created]\n",
		"broken yaml":      "lock: [",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, LockMemory, cfg.Lock.Backend)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "muster config init")

	require.NoError(t, os.WriteFile(Path(dir), []byte("log:\n  level: debug\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.NoError(t, os.WriteFile(Path(dir), []byte("log:\n  level: loud\n"), 0o644))
	_, err = LoadOptional(dir)
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "s3cret"
	data, err := cfg.Marshal()
	require.NoError(t, err)
	back, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
