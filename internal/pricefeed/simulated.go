package pricefeed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SimulatedFeed is a stand-in market data vendor with network latency, a
// failure rate and a random walk per symbol
type SimulatedFeed struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SuccessRate float64 // 0-1, probability a fetch succeeds
	Variance    float64 // maximum relative move per fetch, 0.02 = ±2%

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]decimal.Decimal
}

// NewSimulatedFeed returns a feed tuned like a regional data vendor
func NewSimulatedFeed(seed int64) *SimulatedFeed {
	return &SimulatedFeed{
		MinLatency:  5 * time.Millisecond,
		MaxLatency:  30 * time.Millisecond,
		SuccessRate: 0.95,
		Variance:    0.02,
		rng:         rand.New(rand.NewSource(seed)),
		prices:      make(map[string]decimal.Decimal),
	}
}

// Seed sets the price the walk of symbol continues from
func (f *SimulatedFeed) Seed(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[strings.ToUpper(symbol)] = price
}

func (f *SimulatedFeed) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	logger := log.With().Str("component", "simulated_feed").Str("symbol", symbol).Logger()

	f.mu.Lock()
	latency := f.MinLatency
	if f.MaxLatency > f.MinLatency {
		latency += time.Duration(f.rng.Int63n(int64(f.MaxLatency - f.MinLatency + 1)))
	}
	fail := f.rng.Float64() > f.SuccessRate
	move := f.rng.Float64()*2*f.Variance - f.Variance
	f.mu.Unlock()

	logger.Debug().Dur("latency", latency).Msg("simulated network latency")
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case <-timer.C:
	}

	if fail {
		logger.Debug().Float64("success_rate", f.SuccessRate).Msg("simulated fetch failed")
		return decimal.Zero, fmt.Errorf("%w: simulated outage for %s", ErrUnavailable, symbol)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current, ok := f.prices[symbol]
	if !ok {
		current = basePrice(symbol)
	}
	next := current.Mul(decimal.NewFromFloat(1 + move)).Round(types.PriceDecimals)
	if next.LessThan(minPrice) {
		next = minPrice
	}
	f.prices[symbol] = next
	return next, nil
}

var minPrice = decimal.NewFromInt(1)

// basePrice derives a stable starting price between 20.00 and 500.00
func basePrice(symbol string) decimal.Decimal {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	cents := 2000 + int64(h.Sum32()%48000)
	return decimal.New(cents, -2)
}
