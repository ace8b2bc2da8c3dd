// Package simulation runs the background loops that keep a demo market alive:
// a random walk on reference prices and an optional market maker quoting
// around them.
package simulation

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-exchange/internal/broadcast"
	"github.com/ksred/klear-exchange/internal/database"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	defaultStartPrice = decimal.RequireFromString("100.00")
	minSimulatedPrice = decimal.RequireFromString("1.00")
)

// maxStep is the largest relative move per tick (±0.3%)
const maxStep = 0.003

// PriceSimulator moves every symbol's reference price by a small random step
// on each tick and broadcasts the new prices
type PriceSimulator struct {
	db       *gorm.DB
	notifier broadcast.Notifier
	interval time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPriceSimulator(db *gorm.DB, notifier broadcast.Notifier, interval time.Duration, seed int64) *PriceSimulator {
	if notifier == nil {
		notifier = broadcast.Nop{}
	}
	return &PriceSimulator{
		db:       db,
		notifier: notifier,
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Start runs the simulation until ctx is done. A non-positive interval
// disables it.
func (p *PriceSimulator) Start(ctx context.Context) {
	logger := log.With().Str("component", "price_simulator").Logger()
	if p.interval <= 0 {
		logger.Info().Msg("price simulation disabled")
		return
	}
	logger.Info().Dur("interval", p.interval).Msg("starting price simulator")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down price simulator")
			return
		case <-ticker.C:
			if err := p.Step(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("price simulation step failed")
			}
		}
	}
}

// Step applies one random move to every symbol and broadcasts the result.
// Only the price changes; the refresh timestamp is left to the price feed.
func (p *PriceSimulator) Step(ctx context.Context) error {
	var symbols []types.Symbol
	if err := p.db.WithContext(ctx).Order("name").Find(&symbols).Error; err != nil {
		return err
	}

	for i := range symbols {
		symbol := &symbols[i]
		last, ok := symbol.ReferencePrice()
		if !ok || !last.IsPositive() {
			last = defaultStartPrice
		}
		next := p.walk(last)

		err := p.db.WithContext(ctx).
			Model(&types.Symbol{}).
			Where("id = ?", symbol.ID).
			Update("last_price", next).Error
		if err != nil {
			return err
		}
	}

	quotes, err := database.Quotes(ctx, p.db)
	if err != nil {
		return err
	}
	if err := p.notifier.PricesChanged(ctx, quotes); err != nil {
		log.Warn().Err(err).Str("component", "price_simulator").Msg("price broadcast failed")
	}
	return nil
}

// walk moves price by a uniform step in [-0.3%, +0.3%], never below 1.00
func (p *PriceSimulator) walk(price decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	step := (p.rng.Float64()*2 - 1) * maxStep
	p.mu.Unlock()

	next := price.Mul(decimal.NewFromFloat(1 + step)).Round(types.PriceDecimals)
	if next.LessThanOrEqual(minSimulatedPrice) {
		return minSimulatedPrice
	}
	return next
}
