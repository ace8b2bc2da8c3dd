// Package marketdata serves the public market views: the symbol list,
// delayed reference prices and OHLC candles built from executed trades.
package marketdata

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ksred/klear-exchange/internal/database"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var symbolNamePattern = regexp.MustCompile(`^[A-Z0-9.\-]+$`)

// PriceRefresher brings every stale reference price up to date
type PriceRefresher interface {
	RefreshAll(ctx context.Context, maxAge time.Duration) (int, error)
}

type Service struct {
	db        *gorm.DB
	refresher PriceRefresher
	cacheTTL  time.Duration
	candles   *expirable.LRU[string, []Candle]
	now       func() time.Time
}

// NewService creates the market data service. Prices older than cacheTTL are
// refreshed when the price list is requested; refresher may be nil.
func NewService(db *gorm.DB, refresher PriceRefresher, cacheTTL time.Duration) *Service {
	return &Service{
		db:        db,
		refresher: refresher,
		cacheTTL:  cacheTTL,
		candles:   expirable.NewLRU[string, []Candle](candleCacheSize, nil, candleCacheTTL),
		now:       time.Now,
	}
}

// ListSymbols returns up to 50 symbol names containing q, sorted by name
func (s *Service) ListSymbols(ctx context.Context, q string) ([]string, error) {
	query := s.db.WithContext(ctx).Model(&types.Symbol{})
	if q = strings.ToUpper(strings.TrimSpace(q)); q != "" {
		query = query.Where("UPPER(name) LIKE ?", "%"+q+"%")
	}

	names := []string{}
	if err := query.Order("name").Limit(maxSymbolResults).Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	return names, nil
}

// Prices returns the delayed reference price of every symbol. Stale prices
// are refreshed first on a best effort basis.
func (s *Service) Prices(ctx context.Context) ([]types.PriceQuote, error) {
	if s.refresher != nil {
		n, err := s.refresher.RefreshAll(ctx, s.cacheTTL)
		if err != nil {
			log.Warn().Err(err).Str("service", "marketdata").Msg("price refresh failed, serving stored prices")
		} else if n > 0 {
			log.Debug().Str("service", "marketdata").Int("refreshed", n).Msg("refreshed delayed prices")
		}
	}
	return database.Quotes(ctx, s.db)
}

// Candles aggregates the symbol's trades into the last limit bars of the given
// interval, oldest first. Bars without trades are omitted.
func (s *Service) Candles(ctx context.Context, symbolName, interval string, limit int) ([]Candle, error) {
	width, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultCandles
	}
	limit = min(limit, maxCandles)

	symbol, err := database.FindSymbol(ctx, s.db, symbolName)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%d|%s|%d", symbol.ID, width, limit)
	if cached, ok := s.candles.Get(key); ok {
		return cached, nil
	}

	since := s.now().Truncate(width).Add(-time.Duration(limit-1) * width)
	var trades []types.Trade
	err = s.db.WithContext(ctx).
		Where("symbol_id = ? AND created_at >= ?", symbol.ID, since).
		Order("created_at ASC").
		Order("id ASC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}

	candles := aggregate(trades, width)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	s.candles.Add(key, candles)
	return candles, nil
}

// aggregate folds time ordered trades into OHLC bars
func aggregate(trades []types.Trade, width time.Duration) []Candle {
	candles := []Candle{}

	var open, high, low, last decimal.Decimal
	var bucket time.Time
	var volume int64
	flush := func() {
		candles = append(candles, Candle{
			Time:   bucket,
			Open:   open.StringFixed(types.PriceDecimals),
			High:   high.StringFixed(types.PriceDecimals),
			Low:    low.StringFixed(types.PriceDecimals),
			Close:  last.StringFixed(types.PriceDecimals),
			Volume: volume,
		})
	}

	for i, t := range trades {
		start := t.CreatedAt.UTC().Truncate(width)
		if i == 0 || !start.Equal(bucket) {
			if i > 0 {
				flush()
			}
			bucket = start
			open, high, low, volume = t.Price, t.Price, t.Price, 0
		}
		if t.Price.GreaterThan(high) {
			high = t.Price
		}
		if t.Price.LessThan(low) {
			low = t.Price
		}
		last = t.Price
		volume += t.Quantity
	}
	if len(trades) > 0 {
		flush()
	}
	return candles
}

// CreateSymbol lists a new symbol, optionally with an initial reference price
func (s *Service) CreateSymbol(ctx context.Context, req CreateSymbolRequest) (*types.PriceQuote, error) {
	name := strings.ToUpper(strings.TrimSpace(req.Name))
	if name == "" || len(name) > maxSymbolNameSize || !symbolNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, req.Name)
	}

	symbol := types.Symbol{Name: name}
	if req.Price != nil {
		if !req.Price.IsPositive() {
			return nil, fmt.Errorf("%w: price must be positive", ErrInvalidSymbol)
		}
		now := s.now()
		symbol.LastPrice = decimal.NewNullDecimal(req.Price.Round(types.PriceDecimals))
		symbol.LastPriceUpdatedAt = &now
	}

	if _, err := database.FindSymbol(ctx, s.db, name); err == nil {
		return nil, fmt.Errorf("symbol %s: %w", name, gorm.ErrDuplicatedKey)
	}
	if err := s.db.WithContext(ctx).Create(&symbol).Error; err != nil {
		return nil, err
	}

	log.Info().Str("service", "marketdata").Str("symbol", name).Msg("symbol listed")
	quote := types.NewPriceQuote(&symbol)
	return &quote, nil
}
