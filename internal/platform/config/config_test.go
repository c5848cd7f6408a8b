package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auditlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, KindConsole, cfg.AuditLog.Kind)
	assert.True(t, cfg.AuditLog.Outbox)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
audit_log:
  kind: library
  outbox: false
  credentials:
    url: https://audit.example
    client_id: from-file
    client_secret: s3cret
  retry:
    max_attempts: 3
    initial_interval: 50ms
  kafka:
    brokers: ["a:9092"]
server:
  addr: ":9000"
`)
	cfg, err := Load(path, env(map[string]string{
		"AUDIT_LOG_CLIENT_ID": "from-env",
		"KAFKA_BROKERS":       "b:9092, c:9092",
		"LOG_LEVEL":           "debug",
	}))
	require.NoError(t, err)

	a := cfg.AuditLog
	assert.Equal(t, KindLibrary, a.Kind)
	assert.False(t, a.Outbox)
	assert.Equal(t, "https://audit.example", a.Credentials.URL)
	assert.Equal(t, "from-env", a.Credentials.ClientID)
	assert.Equal(t, "s3cret", a.Credentials.ClientSecret.Value())
	assert.Equal(t, 3, a.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, a.Retry.InitialInterval)
	assert.Equal(t, []string{"b:9092", "c:9092"}, a.Kafka.Brokers)
	assert.Equal(t, "audit-log", a.Kafka.Topic, "unset keys keep their defaults")
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown kind":           {"AUDIT_LOG_KIND": "carrier-pigeon"},
		"library without creds":  {"AUDIT_LOG_KIND": "library"},
		"database without url":   {"AUDIT_LOG_KIND": "database"},
		"kafka without brokers":  {"AUDIT_LOG_KIND": "kafka"},
		"outbox flag not a bool": {"AUDIT_LOG_OUTBOX": "maybe"},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load("", env(values))
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "audit_log: [unclosed"), env(nil))
	assert.Error(t, err)
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", fmt.Sprint(s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))
	assert.Equal(t, "hunter2", s.Value())
}
