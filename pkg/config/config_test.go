package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: memory\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.Pool.MaxThreads)
	assert.Equal(t, 180*time.Second, cfg.Pool.KillTime)
	assert.Equal(t, 1, cfg.Pool.MaxRetry)
	assert.Equal(t, 5*time.Second, cfg.Pool.PollInterval)
	assert.Equal(t, time.Hour, cfg.Prune.Interval)
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, "xtract-container-service", cfg.Queue.Name)
	assert.Equal(t, 30*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, "xtract-container-service", cfg.ObjectStore.Bucket)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
pool:
  max_threads: 2
  kill_time: 30s
queue:
  driver: memory
store:
  driver: memory
objectstore:
  driver: local
auth:
  tokens:
    tok-1: alice
`)
	t.Setenv("XCS_POOL_MAX_RETRY", "3")
	t.Setenv("XCS_LISTEN_ADDR", ":9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pool.MaxThreads)
	assert.Equal(t, 30*time.Second, cfg.Pool.KillTime)
	assert.Equal(t, 3, cfg.Pool.MaxRetry)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, "local", cfg.ObjectStore.Driver)
	assert.Equal(t, map[string]string{"tok-1": "alice"}, cfg.Auth.Tokens)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  driver: memory\nqueue:\n  driver: sqs\n"))
	assert.ErrorContains(t, err, "queue.driver")

	_, err = Load(writeConfig(t, "store:\n  driver: memory\npool:\n  max_threads: 0\n"))
	assert.ErrorContains(t, err, "max_threads")

	_, err = Load(writeConfig(t, "store:\n  driver: postgres\n"))
	assert.ErrorContains(t, err, "database_url")
}

func TestYAMLRedactsSecrets(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: memory
  database_url: postgres://user:pw@db/xcs
registry:
  driver: static
  password: hunter2
auth:
  tokens:
    tok-1: alice
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "pw@db")
	assert.NotContains(t, string(out), "tok-1")
	assert.Contains(t, string(out), "alice")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Pool, back.Pool)
	assert.Equal(t, "static", back.Registry.Driver)
}
