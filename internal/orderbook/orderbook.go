// Package orderbook aggregates resting orders into price levels
package orderbook

import (
	"context"
	"fmt"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/database"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

type levelRow struct {
	Side           types.Side
	Price          decimal.Decimal
	Quantity       int64
	FilledQuantity int64
}

// GetOrderBook groups the resting orders of a symbol by price. Bids are best
// (highest) first and asks best (lowest) first.
func (s *Service) GetOrderBook(ctx context.Context, name string) (*types.OrderBook, error) {
	symbol, err := database.FindSymbol(ctx, s.db, name)
	if err != nil {
		return nil, err
	}

	var rows []levelRow
	err = s.db.WithContext(ctx).
		Model(&types.Order{}).
		Select("side, price, quantity, filled_quantity").
		Where("symbol_id = ? AND status IN ?", symbol.ID, types.RestingStatuses).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load resting orders: %w", err)
	}

	return &types.OrderBook{
		Symbol: symbol.Name,
		Bids:   aggregate(rows, types.SideBuy),
		Asks:   aggregate(rows, types.SideSell),
	}, nil
}

// aggregate sums remaining quantity per price level of one side. Prices are
// keyed by their 2dp form so 100 and 100.00 share a level.
func aggregate(rows []levelRow, side types.Side) []types.PriceLevel {
	totals := make(map[string]int64)
	prices := make(map[string]decimal.Decimal)
	for _, r := range rows {
		if r.Side != side {
			continue
		}
		remaining := r.Quantity - r.FilledQuantity
		if remaining <= 0 {
			continue
		}
		key := r.Price.StringFixed(types.PriceDecimals)
		totals[key] += remaining
		prices[key] = r.Price
	}

	levels := make([]types.PriceLevel, 0, len(totals))
	for key, qty := range totals {
		levels = append(levels, types.PriceLevel{Price: key, TotalQuantity: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		a, b := prices[levels[i].Price], prices[levels[j].Price]
		if side == types.SideBuy {
			return a.GreaterThan(b)
		}
		return a.LessThan(b)
	})
	return levels
}

// GinHandlers contains HTTP handlers for the order book endpoint
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetOrderBookHandler handles GET /orderbook?symbol=
func (h *GinHandlers) GetOrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Query("symbol")
		if symbol == "" {
			response.BadRequest(c, "symbol is required")
			return
		}

		book, err := h.service.GetOrderBook(c.Request.Context(), symbol)
		response.Handle(c, book, err)
	}
}
