package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("EXCHANGE_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.True(t, cfg.FeeRate.Equal(decimal.RequireFromString("0.015")))
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Symbols)
}

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("EXCHANGE_JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("EXCHANGE_JWT_SECRET", "secret")
	t.Setenv("EXCHANGE_LISTEN_ADDR", ":9999")
	t.Setenv("EXCHANGE_FEE_RATE", "0.002")
	t.Setenv("EXCHANGE_SYMBOLS", "BTC, SOL ,DOGE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.True(t, cfg.FeeRate.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, []string{"BTC", "SOL", "DOGE"}, cfg.Symbols)
}

func TestLoad_RejectsBadFeeRate(t *testing.T) {
	t.Setenv("EXCHANGE_JWT_SECRET", "secret")

	for _, rate := range []string{"abc", "-0.1", "1", "1.5"} {
		t.Setenv("EXCHANGE_FEE_RATE", rate)
		_, err := Load()
		assert.Error(t, err, "rate %q", rate)
	}
}
