package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/ksred/klear-exchange/internal/types"
	"gorm.io/gorm"
)

const defaultTradeLimit = 100

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// TradeRecord is a trade joined with its symbol name
type TradeRecord struct {
	types.Trade
	SymbolName string
}

// ListUserTrades returns trades the user took part in, newest first
func (d *Database) ListUserTrades(ctx context.Context, filter TradeFilter) ([]TradeRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultTradeLimit
	}

	q := d.db.WithContext(ctx).
		Table("trades").
		Select("trades.*, symbols.name AS symbol_name").
		Joins("JOIN symbols ON symbols.id = trades.symbol_id").
		Where("trades.buyer_id = ? OR trades.seller_id = ?", filter.UserID, filter.UserID)

	if name := strings.TrimSpace(filter.Symbol); name != "" {
		q = q.Where("UPPER(symbols.name) = ?", strings.ToUpper(name))
	}

	var rows []TradeRecord
	if err := q.Order("trades.created_at DESC, trades.id DESC").Limit(limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return rows, nil
}

// Portfolios returns every cash account
func (d *Database) Portfolios(ctx context.Context) ([]types.Portfolio, error) {
	var portfolios []types.Portfolio
	if err := d.db.WithContext(ctx).Order("user_id").Find(&portfolios).Error; err != nil {
		return nil, fmt.Errorf("failed to load portfolios: %w", err)
	}
	return portfolios, nil
}

// Holdings returns every share position
func (d *Database) Holdings(ctx context.Context) ([]types.Holding, error) {
	var holdings []types.Holding
	if err := d.db.WithContext(ctx).Order("user_id, symbol_id").Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("failed to load holdings: %w", err)
	}
	return holdings, nil
}

// RestingOrders returns every OPEN or PARTIAL order
func (d *Database) RestingOrders(ctx context.Context) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("status IN ?", types.RestingStatuses).
		Order("id").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load resting orders: %w", err)
	}
	return orders, nil
}

// InconsistentOrders returns orders whose fill counter contradicts their status
func (d *Database) InconsistentOrders(ctx context.Context) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("filled_quantity > quantity OR filled_quantity < 0").
		Or("status = ? AND filled_quantity <> quantity", types.StatusFilled).
		Or("status IN ? AND filled_quantity >= quantity", types.RestingStatuses).
		Order("id").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load inconsistent orders: %w", err)
	}
	return orders, nil
}
