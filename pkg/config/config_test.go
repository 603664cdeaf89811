package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":3335", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Server.HandshakeTimeout)
	assert.Equal(t, "tlsctl", cfg.Telemetry.ServiceName)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "tlsctl.yaml", `
client:
  settings: client.yaml
  server_name: example.test
  max_retries: 50
server:
  listen: "127.0.0.1:4433"
  settings: server.toml
  watch: true
  metrics_address: ":9464"
  handshake_timeout: 5s
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
logging:
  level: DEBUG
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "client.yaml", cfg.Client.Settings)
	assert.Equal(t, "example.test", cfg.Client.ServerName)
	assert.Equal(t, 50, cfg.Client.MaxRetries)
	assert.Equal(t, "127.0.0.1:4433", cfg.Server.Listen)
	assert.True(t, cfg.Server.Watch)
	assert.Equal(t, 5*time.Second, cfg.Server.HandshakeTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.ReadPollInterval)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TLSCTL_LISTEN", ":9999")
	t.Setenv("TLSCTL_MAX_RETRIES", "7")
	t.Setenv("TLSCTL_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("TLSCTL_LOG_LEVEL", "warn")
	t.Setenv("TLSCTL_HANDSHAKE_RATE", "2.5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, 7, cfg.Client.MaxRetries)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 2.5, cfg.Server.HandshakeRate)

	t.Setenv("TLSCTL_MAX_RETRIES", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "TLSCTL_MAX_RETRIES")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad level", "logging:\n  level: chatty\n", "invalid log level"},
		{"negative retries", "client:\n  max_retries: -1\n", "max_retries"},
		{"watch without file", "server:\n  watch: true\n", "watch requires a settings file"},
		{"negative handshake rate", "server:\n  handshake_rate: -1\n", "handshake_rate"},
		{"metrics on listener", "server:\n  listen: \":80\"\n  metrics_address: \":80\"\n", "conflicts with listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "tlsctl.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
