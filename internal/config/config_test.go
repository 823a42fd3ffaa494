package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.Equal(t, 2048, cfg.Port)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, "auth", cfg.AuthDir)
	require.Equal(t, "real", cfg.StreamingMode)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 2*time.Second, cfg.RetryDelay)
	require.Equal(t, 3, cfg.ResumeLimit)
	require.Equal(t, []string{DefaultAPIKey}, cfg.APIKeys)
	require.Equal(t, "0.0.0.0:2048", cfg.Addr())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
host: 127.0.0.1
streaming-mode: fake
switch-on-uses: 10
failure-threshold: 5
immediate-switch-status-codes: [429, 403]
api-keys:
  - alpha
  - beta
retry-delay: 500ms
operator-key: op
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, "fake", cfg.StreamingMode)
	require.Equal(t, 10, cfg.SwitchOnUses)
	require.Equal(t, 5, cfg.FailureThreshold)
	require.Equal(t, []int{429, 403}, cfg.ImmediateSwitchStatusCodes)
	require.Equal(t, []string{"alpha", "beta"}, cfg.APIKeys)
	require.Equal(t, 500*time.Millisecond, cfg.RetryDelay)
	require.Equal(t, "op", cfg.OperatorKey)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a port"), 0o600))
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nstreaming-mode: real\n"), 0o600))

	t.Setenv("PORT", "3000")
	t.Setenv("STREAMING_MODE", "fake")
	t.Setenv("SWITCH_ON_USES", "7")
	t.Setenv("API_KEYS", "k1, k2 ,")
	t.Setenv("IMMEDIATE_SWITCH_STATUS_CODES", "429, 999, nope, 403")
	t.Setenv("RETRY_DELAY", "250")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, "fake", cfg.StreamingMode)
	require.Equal(t, 7, cfg.SwitchOnUses)
	require.Equal(t, []string{"k1", "k2"}, cfg.APIKeys)
	require.Equal(t, []int{403, 429}, cfg.ImmediateSwitchStatusCodes)
	require.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
}

func TestRetryDelayDurationString(t *testing.T) {
	t.Setenv("RETRY_DELAY", "3s")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.RetryDelay)
}

func TestParseStatusCodeListFiltersRange(t *testing.T) {
	require.Equal(t, []int{403, 429, 503}, parseStatusCodeList("429,403,503"))
	require.Empty(t, parseStatusCodeList("200,302,600,abc"))
	require.Empty(t, parseStatusCodeList(""))
}
