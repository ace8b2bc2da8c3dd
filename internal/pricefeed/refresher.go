package pricefeed

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ksred/klear-exchange/internal/metrics"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const refreshConcurrency = 4

// Refresher writes feed prices into symbol reference prices
type Refresher struct {
	db      *gorm.DB
	feed    Feed
	timeout time.Duration
	now     func() time.Time
}

func NewRefresher(db *gorm.DB, feed Feed, timeout time.Duration) *Refresher {
	return &Refresher{
		db:      db,
		feed:    feed,
		timeout: timeout,
		now:     time.Now,
	}
}

// RefreshIfStale fetches a new reference price when the symbol's price is
// missing or older than maxAge. On success symbol is updated in place. Callers
// must not hold any exchange lock: the fetch may take up to the timeout.
func (r *Refresher) RefreshIfStale(ctx context.Context, symbol *types.Symbol, maxAge time.Duration) error {
	if !symbol.PriceStale(r.now(), maxAge) {
		return nil
	}
	return r.refresh(ctx, symbol)
}

func (r *Refresher) refresh(ctx context.Context, symbol *types.Symbol) error {
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	price, err := r.feed.FetchPrice(fetchCtx, symbol.Name)
	if err != nil {
		metrics.PriceRefresh("failed")
		return fmt.Errorf("refresh %s: %w", symbol.Name, err)
	}
	price = price.Round(types.PriceDecimals)
	if !price.IsPositive() {
		metrics.PriceRefresh("failed")
		return fmt.Errorf("refresh %s: %w: non-positive price %s", symbol.Name, ErrUnavailable, price)
	}

	now := r.now()
	err = r.db.WithContext(ctx).
		Model(&types.Symbol{}).
		Where("id = ?", symbol.ID).
		Updates(map[string]interface{}{
			"last_price":            price,
			"last_price_updated_at": now,
		}).Error
	if err != nil {
		metrics.PriceRefresh("failed")
		return fmt.Errorf("failed to store price for %s: %w", symbol.Name, err)
	}

	symbol.LastPrice = decimal.NewNullDecimal(price)
	symbol.LastPriceUpdatedAt = &now
	metrics.PriceRefresh("ok")

	log.Debug().
		Str("component", "price_refresher").
		Str("symbol", symbol.Name).
		Str("price", price.StringFixed(types.PriceDecimals)).
		Msg("reference price refreshed")
	return nil
}

// RefreshAll refreshes every symbol whose price is older than maxAge and
// returns how many were updated. Individual failures are logged and skipped.
func (r *Refresher) RefreshAll(ctx context.Context, maxAge time.Duration) (int, error) {
	var symbols []types.Symbol
	if err := r.db.WithContext(ctx).Order("name").Find(&symbols).Error; err != nil {
		return 0, err
	}

	var updated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	now := r.now()
	for i := range symbols {
		symbol := &symbols[i]
		if !symbol.PriceStale(now, maxAge) {
			continue
		}
		g.Go(func() error {
			if err := r.refresh(gctx, symbol); err != nil {
				log.Warn().Err(err).Str("component", "price_refresher").Str("symbol", symbol.Name).Msg("price refresh failed")
				return nil
			}
			updated.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(updated.Load()), err
	}
	return int(updated.Load()), nil
}
