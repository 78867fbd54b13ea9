package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  env: dev\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.KIS.Env)
	assert.Equal(t, "https://openapivts.koreainvestment.com:29443", cfg.KIS.BaseURL())
	assert.Equal(t, 8, cfg.KIS.MaxRetries)
	assert.Equal(t, 3, cfg.KIS.SessionResetEvery)
	assert.InDelta(t, 600.0, cfg.KIS.AuthForbiddenCooldownSec, 0.001)
	assert.Equal(t, ".cache/rate_limit.state", cfg.RateLimit.StateFile)
	assert.Equal(t, "data/market_data.db", cfg.Database.Path)
}

func TestLoadProdBaseURL(t *testing.T) {
	path := writeConfig(t, "kis:\n  env: prod\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://openapi.koreainvestment.com:9443", cfg.KIS.BaseURL())
}

func TestLoadRejectsBadEnv(t *testing.T) {
	path := writeConfig(t, "kis:\n  env: sandbox\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBackoffCapBelowBase(t *testing.T) {
	path := writeConfig(t, "kis:\n  backoff_base_sec: 10\n  backoff_cap_sec: 5\n")
	_, err := Load(path)
	assert.Error(t, err)
}
