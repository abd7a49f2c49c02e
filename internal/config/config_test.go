package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("FIT_TIMEOUT", "45s")
	t.Setenv("CONFIRMATIONS", "not-a-number")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.FitTimeout)
	assert.Equal(t, 1, cfg.Confirmations, "unparsable values fall back to the default")
	assert.Equal(t, "memory", cfg.LedgerMode)
	assert.Equal(t, 500000, cfg.GasLimit)
	assert.Equal(t, []string{"http://localhost:3000", "http://127.0.0.1:3000"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.WebhookURL)
	assert.Equal(t, 0.04, cfg.BreakerMaxVariance, "ceiling is a fractional daily variance")
}

func TestLoad_ListTrimsEntries(t *testing.T) {
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, Load().CORSOrigins)
}

func TestLoadFile_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"PORT": "7000",
		"BUSY_POLICY": "reject",
		"RATE_LIMIT_RPS": 2.5,
		"CONFIRMATIONS": 3
	}`), 0o600))
	t.Setenv("PORT", "7100")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "7100", cfg.Port)
	assert.Equal(t, "reject", cfg.BusyPolicy)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, 3, cfg.Confirmations)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"PORT": ["a"]}`), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestLoadGrants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
grants:
  - submitter: "0x00000000000000000000000000000000000000a1"
    tickers: [ABC, xyz]
  - submitter: "0x00000000000000000000000000000000000000b2"
    tickers: ["*"]
`), 0o600))

	g, err := LoadGrants(path)
	require.NoError(t, err)
	require.Len(t, g.Grants, 2)
	assert.Equal(t, []string{"ABC", "xyz"}, g.Grants[0].Tickers)
	assert.Equal(t, []string{"*"}, g.Grants[1].Tickers)

	byAddr := g.ByAddress()
	assert.Len(t, byAddr, 2)
	assert.Equal(t, []string{"ABC", "xyz"}, byAddr[common.HexToAddress("0x00000000000000000000000000000000000000a1")])

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("grants:\n  - submitter: nobody\n    tickers: [ABC]\n"), 0o600))
	_, err = LoadGrants(bad)
	assert.Error(t, err)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("VOL_TEST_INT", "12")
	t.Setenv("VOL_TEST_FLOAT", "0.25")
	t.Setenv("VOL_TEST_DURATION", "90s")
	t.Setenv("VOL_TEST_BAD", "x")

	assert.Equal(t, 12, GetEnvAsInt("VOL_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvAsInt("VOL_TEST_BAD", 1))
	assert.Equal(t, 0.25, GetEnvAsFloat("VOL_TEST_FLOAT", 1))
	assert.Equal(t, 90*time.Second, GetEnvAsDuration("VOL_TEST_DURATION", time.Second))
	assert.Equal(t, "fallback", GetEnvOrDefault("VOL_TEST_UNSET", "fallback"))
}
