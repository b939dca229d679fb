package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/internal/runtime/idempotency"
)

func TestDeriveKeyCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"derive-key", "--operation", "send_email", "--user", "u1", "--params", `{"to":"a@b.c","cc":["x"]}`})
	require.NoError(t, cmd.Execute())

	want, err := idempotency.DeriveKey("", "u1", "send_email", map[string]any{"cc": []any{"x"}, "to": "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(out.String()))
}

func TestDeriveKeyCommandRejectsBadParams(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"derive-key", "--operation", "send_email", "--params", `{not json`})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "params")
}

func TestDeriveKeyCommandRequiresOperation(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"derive-key", "--user", "u1"})
	assert.Error(t, cmd.Execute())
}

func TestLoadConfigDefaults(t *testing.T) {
	v := newViper()
	newServeCommand(v)

	conf, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "channel", conf.PubSubSystem)
	assert.Equal(t, "memory", conf.StoreBackend)
	assert.True(t, conf.InspectEnabled)
	assert.Equal(t, 8081, conf.InspectPort)
	assert.Equal(t, 30*time.Second, conf.LockTTL)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("SAGAFLOW_STORE_BACKEND", "sqlite")
	t.Setenv("SAGAFLOW_SQLITE_FILE", ":memory:")
	t.Setenv("SAGAFLOW_LOCK_TIMEOUT", "2s")
	t.Setenv("SAGAFLOW_KAFKA_BROKERS", "b1,b2")

	v := newViper()
	newServeCommand(v)

	conf, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", conf.StoreBackend)
	assert.Equal(t, ":memory:", conf.SQLiteFile)
	assert.Equal(t, 2*time.Second, conf.LockTimeout)
	assert.Equal(t, []string{"b1", "b2"}, conf.KafkaBrokers)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sagaflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pubsub_system: channel
store_backend: memory
metrics_enabled: true
metrics_port: 9100
inspect_cors_allowed_origins:
  - https://ui.example
`), 0o600))

	v := newViper()
	newServeCommand(v)
	v.Set("config", path)
	require.NoError(t, loadConfigFile(v))

	conf, err := loadConfig(v)
	require.NoError(t, err)
	assert.True(t, conf.MetricsEnabled)
	assert.Equal(t, 9100, conf.MetricsPort)
	assert.Equal(t, []string{"https://ui.example"}, conf.InspectCORSAllowedOrigins)
}

func TestLoadConfigValidates(t *testing.T) {
	t.Setenv("SAGAFLOW_STORE_BACKEND", "postgres")

	v := newViper()
	newServeCommand(v)

	_, err := loadConfig(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres URL is required")
}

func TestNewLogger(t *testing.T) {
	v := newViper()
	v.Set("log_level", "debug")
	v.Set("log_format", "json")
	logger, err := newLogger(v)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	v.Set("log_format", "xml")
	_, err = newLogger(v)
	assert.Error(t, err)

	v.Set("log_format", "text")
	v.Set("log_level", "loud")
	_, err = newLogger(v)
	assert.Error(t, err)
}
