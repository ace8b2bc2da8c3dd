package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 60*time.Second, cfg.PriceFreshness)
	assert.True(t, cfg.PriceBand.Equal(decimal.RequireFromString("0.10")))
	assert.False(t, cfg.MarketMaker)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{
		"PORT":            "9090",
		"DEBUG":           "true",
		"PRICE_BAND":      "0.05",
		"LOCK_TIMEOUT":    "250ms",
		"SYMBOLS":         "acme, , INIT ",
		"KAFKA_BROKERS":   "k1:9092,k2:9092",
		"SEED_SHARES":     "1000",
		"MARKET_MAKER":    "1",
		"DB_DRIVER":       "postgres",
		"PRICE_FEED":      "none",
		"STARTING_CASH":   "2500.50",
		"PRICE_CACHE_TTL": "5m",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.PriceBand.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, []string{"acme", "INIT"}, cfg.Symbols)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, int64(1000), cfg.SeedShares)
	assert.True(t, cfg.MarketMaker)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.True(t, cfg.StartingCash.Equal(decimal.RequireFromString("2500.5")))
	assert.Equal(t, 5*time.Minute, cfg.PriceCacheTTL)
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration": {"LOCK_TIMEOUT": "soon"},
		"bad bool":     {"DEBUG": "maybe"},
		"bad driver":   {"DB_DRIVER": "mysql"},
		"bad band":     {"PRICE_BAND": "1.5"},
		"bad decimal":  {"STARTING_CASH": "lots"},
		"bad feed":     {"PRICE_FEED": "bloomberg"},
		"zero lock":    {"LOCK_TIMEOUT": "0s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(lookupFrom(env))
			assert.Error(t, err)
		})
	}
}
