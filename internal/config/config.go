package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Config holds every runtime setting of the exchange
type Config struct {
	Env   string
	Debug bool
	Port  string

	DBDriver string // sqlite or postgres
	DBDSN    string

	JWTSecret      string
	InternalAPIKey string

	PriceBand         decimal.Decimal // allowed deviation from reference, 0.10 = ±10%
	PriceFreshness    time.Duration   // reference older than this is refreshed before admission
	PriceFetchTimeout time.Duration
	PriceFeed         string // simulated, yahoo or none
	PriceFeedURL      string
	PriceCacheTTL     time.Duration // delayed prices endpoint refresh window

	LockTimeout time.Duration

	StartingCash decimal.Decimal
	SeedShares   int64
	Symbols      []string

	SimulationInterval  time.Duration
	MarketMaker         bool
	MarketMakerInterval time.Duration

	KafkaBrokers []string
	KafkaTopic   string
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Env:                 "development",
		Port:                "8080",
		DBDriver:            "sqlite",
		DBDSN:               "exchange.db",
		JWTSecret:           "klear-secret-key",
		InternalAPIKey:      "klear-internal-key",
		PriceBand:           decimal.RequireFromString("0.10"),
		PriceFreshness:      60 * time.Second,
		PriceFetchTimeout:   3 * time.Second,
		PriceFeed:           "simulated",
		PriceFeedURL:        "https://query1.finance.yahoo.com/v8/finance/chart/",
		PriceCacheTTL:       60 * time.Minute,
		LockTimeout:         5 * time.Second,
		StartingCash:        decimal.RequireFromString("10000000"),
		Symbols:             []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"},
		SimulationInterval:  time.Second,
		MarketMakerInterval: 5 * time.Second,
		KafkaTopic:          "exchange-events",
	}
}

// Load reads an optional .env file and then the environment on top of the defaults
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("ENV", &cfg.Env)
	p.boolean("DEBUG", &cfg.Debug)
	p.str("PORT", &cfg.Port)
	p.str("DB_DRIVER", &cfg.DBDriver)
	p.str("DB_DSN", &cfg.DBDSN)
	p.str("JWT_SECRET", &cfg.JWTSecret)
	p.str("INTERNAL_API_KEY", &cfg.InternalAPIKey)
	p.dec("PRICE_BAND", &cfg.PriceBand)
	p.duration("PRICE_FRESHNESS", &cfg.PriceFreshness)
	p.duration("PRICE_FETCH_TIMEOUT", &cfg.PriceFetchTimeout)
	p.str("PRICE_FEED", &cfg.PriceFeed)
	p.str("PRICE_FEED_URL", &cfg.PriceFeedURL)
	p.duration("PRICE_CACHE_TTL", &cfg.PriceCacheTTL)
	p.duration("LOCK_TIMEOUT", &cfg.LockTimeout)
	p.dec("STARTING_CASH", &cfg.StartingCash)
	p.integer("SEED_SHARES", &cfg.SeedShares)
	p.list("SYMBOLS", &cfg.Symbols)
	p.duration("SIMULATION_INTERVAL", &cfg.SimulationInterval)
	p.boolean("MARKET_MAKER", &cfg.MarketMaker)
	p.duration("MARKET_MAKER_INTERVAL", &cfg.MarketMakerInterval)
	p.list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	p.str("KAFKA_TOPIC", &cfg.KafkaTopic)

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would make the exchange misbehave
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.PriceFeed {
	case "simulated", "yahoo", "none":
	default:
		return fmt.Errorf("unsupported PRICE_FEED %q", c.PriceFeed)
	}
	if c.PriceBand.IsNegative() || c.PriceBand.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PRICE_BAND must be in [0, 1), got %s", c.PriceBand)
	}
	if c.StartingCash.IsNegative() {
		return fmt.Errorf("STARTING_CASH must not be negative")
	}
	if c.SeedShares < 0 {
		return fmt.Errorf("SEED_SHARES must not be negative")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.MarketMaker && c.MarketMakerInterval <= 0 {
		return fmt.Errorf("MARKET_MAKER_INTERVAL must be positive when MARKET_MAKER is on")
	}
	return nil
}

// IsProduction reports whether pretty console logging should be disabled
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// parser keeps the first error so Load can read every key in a flat list
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (p *parser) fail(key, value string, err error) {
	p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) boolean(key string, dst *bool) {
	if v, ok := p.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (p *parser) integer(key string, dst *int64) {
	if v, ok := p.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	if v, ok := p.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (p *parser) dec(key string, dst *decimal.Decimal) {
	if v, ok := p.get(key); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (p *parser) list(key string, dst *[]string) {
	if v, ok := p.get(key); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}
