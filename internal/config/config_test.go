package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unset clears name for the duration of the test.
func unset(t *testing.T, name string) {
	t.Helper()
	t.Setenv(name, "")
	require.NoError(t, os.Unsetenv(name))
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", "/home/ops")
	t.Chdir(t.TempDir())

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8443", cfg.APIURL)
	assert.Equal(t, "/home/ops/.brokerdesk", cfg.DataDir)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.GuardInterval)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "text", cfg.LogFormat)
	key, err := cfg.StoreKeyBytes()
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BROKERDESK_API_URL", "https://admin.broker.test")
	t.Setenv("BROKERDESK_IDLE_TIMEOUT", "90s")
	t.Setenv("BROKERDESK_STORE_KEY", strings.Repeat("ab", 32))

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "https://admin.broker.test", cfg.APIURL)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	key, err := cfg.StoreKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoad_EnvFile(t *testing.T) {
	unset(t, "BROKERDESK_API_URL")
	unset(t, "LOG_FORMAT")
	t.Setenv("BROKERDESK_GUARD_INTERVAL", "10s")
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"BROKERDESK_API_URL=http://sandbox:9000\nLOG_FORMAT=json\nBROKERDESK_GUARD_INTERVAL=1h\n"), 0o600))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "http://sandbox:9000", cfg.APIURL)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.GuardInterval, "environment wins over the file")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"api url scheme", "BROKERDESK_API_URL", "ftp://x", "invalid API URL"},
		{"api url host", "BROKERDESK_API_URL", "http://", "invalid API URL"},
		{"zero timeout", "BROKERDESK_HTTP_TIMEOUT", "0s", "BROKERDESK_HTTP_TIMEOUT must be positive"},
		{"bad duration", "BROKERDESK_IDLE_TIMEOUT", "soon", "parse config"},
		{"log format", "LOG_FORMAT", "xml", "LOG_FORMAT must be text or json"},
		{"store key", "BROKERDESK_STORE_KEY", "abcd", "BROKERDESK_STORE_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			cfg, err := Load()

			assert.Nil(t, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
