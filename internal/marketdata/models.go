package marketdata

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	maxSymbolResults  = 50
	defaultCandles    = 50
	maxCandles        = 500
	candleCacheTTL    = 60 * time.Second
	candleCacheSize   = 512
	maxSymbolNameSize = 100
)

var (
	ErrInvalidInterval = errors.New("unsupported candle interval")
	ErrInvalidSymbol   = errors.New("invalid symbol")
)

// intervals are the supported candle widths. The "min" spellings are accepted
// for compatibility with common market data APIs.
var intervals = map[string]time.Duration{
	"1m":    time.Minute,
	"1min":  time.Minute,
	"5m":    5 * time.Minute,
	"5min":  5 * time.Minute,
	"15m":   15 * time.Minute,
	"15min": 15 * time.Minute,
	"1h":    time.Hour,
}

// ParseInterval returns the candle width for name, defaulting to one minute
func ParseInterval(name string) (time.Duration, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return time.Minute, nil
	}
	width, ok := intervals[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, name)
	}
	return width, nil
}

// Candle is one OHLC bar built from the exchange's own trades
type Candle struct {
	Time   time.Time `json:"time"`
	Open   string    `json:"open"`
	High   string    `json:"high"`
	Low    string    `json:"low"`
	Close  string    `json:"close"`
	Volume int64     `json:"volume"`
}

// CreateSymbolRequest lists a new tradable symbol
type CreateSymbolRequest struct {
	Name  string           `json:"name" binding:"required"`
	Price *decimal.Decimal `json:"price"`
}
