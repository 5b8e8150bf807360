package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalYAML = `
trading:
  symbols: ["BTCUSDT"]
  min_liquidation_usd: 5000
  order_usd: 100
`

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://api.bybit.com", cfg.Bybit.RESTEndpoint)
	assert.Equal(t, 5, cfg.Trading.MaxPositions)
	assert.Equal(t, 10, cfg.Trading.Leverage)
	assert.Equal(t, []float64{0.1, 0.15, 0.25, 0.5}, cfg.Trading.Splits)
	assert.Equal(t, 15, cfg.Reconcile.GraceSec)
	assert.Equal(t, 10, cfg.Reconcile.DedupSec)
	assert.Equal(t, 5, cfg.Reconcile.MatchAttempts)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_EnvOverridesCredentials(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "env-key")
	t.Setenv("BYBIT_API_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, minimalYAML+`
bybit:
  api_key: file-key
  api_secret: file-secret
`))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Bybit.APIKey)
	assert.Equal(t, "env-secret", cfg.Bybit.APISecret)
}

func TestLoad_RejectsBadSplits(t *testing.T) {
	_, err := Load(writeConfig(t, `
trading:
  min_liquidation_usd: 5000
  order_usd: 100
  splits: [0.5, 0.25, 0.25]
`))
	assert.ErrorContains(t, err, "ascending")

	_, err = Load(writeConfig(t, `
trading:
  min_liquidation_usd: 5000
  order_usd: 100
  splits: [0.1, 0.2, 0.3]
`))
	assert.ErrorContains(t, err, "sum to 1.0")
}

func TestLoad_RejectsMissingThreshold(t *testing.T) {
	_, err := Load(writeConfig(t, `
trading:
  order_usd: 100
`))
	assert.ErrorContains(t, err, "min_liquidation_usd")
}
