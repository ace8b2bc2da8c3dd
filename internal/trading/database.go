package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ksred/klear-exchange/internal/matching"
	"github.com/ksred/klear-exchange/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// InTx runs fn in a transaction that is committed only if fn returns nil.
// A panic inside fn rolls back and is re-raised.
func (d *Database) InTx(ctx context.Context, fn func(tx *Database) error) (err error) {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(NewDatabase(tx)); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// Gorm exposes the underlying handle so collaborators can join the transaction
func (d *Database) Gorm() *gorm.DB {
	return d.db
}

func (d *Database) CreateOrder(ctx context.Context, order *types.Order) error {
	if err := d.db.WithContext(ctx).Omit(clause.Associations).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrder loads an order with its symbol
func (d *Database) GetOrder(ctx context.Context, orderID uint) (*types.Order, error) {
	var order types.Order
	err := d.db.WithContext(ctx).Preload("Symbol").First(&order, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", types.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// LockOrder re-reads an order with a row lock
func (d *Database) LockOrder(ctx context.Context, orderID uint) (*types.Order, error) {
	var order types.Order
	err := d.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&order, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", types.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// SaveFill persists the fill counter and status of an order
func (d *Database) SaveFill(ctx context.Context, order *types.Order, now time.Time) error {
	err := d.db.WithContext(ctx).
		Model(&types.Order{}).
		Where("id = ?", order.ID).
		Updates(map[string]interface{}{
			"filled_quantity": order.FilledQuantity,
			"status":          order.Status,
			"updated_at":      now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}
	order.UpdatedAt = now
	return nil
}

// RestingOrders returns the OPEN and PARTIAL orders on one side of a symbol's
// book in price-time priority. No locks are taken.
func (d *Database) RestingOrders(ctx context.Context, symbolID uint, side types.Side) ([]types.Order, error) {
	direction := "ASC"
	if side == types.SideBuy {
		direction = "DESC"
	}

	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("symbol_id = ? AND side = ? AND status IN ?", symbolID, side, types.RestingStatuses).
		Order("price " + direction).
		Order("created_at ASC").
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load resting orders: %w", err)
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return matching.Less(&orders[i], &orders[j])
	})
	return orders, nil
}

// ListOrders returns a user's orders newest first
func (d *Database) ListOrders(ctx context.Context, filter OrderFilter) ([]types.Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultOrderLimit
	}

	q := d.db.WithContext(ctx).
		Preload("Symbol").
		Where("orders.user_id = ?", filter.UserID)
	if len(filter.Statuses) > 0 {
		q = q.Where("orders.status IN ?", filter.Statuses)
	}
	if name := strings.TrimSpace(filter.Symbol); name != "" {
		q = q.Where("orders.symbol_id IN (?)",
			d.db.Model(&types.Symbol{}).Select("id").Where("UPPER(name) = ?", strings.ToUpper(name)))
	}

	var orders []types.Order
	if err := q.Order("orders.created_at DESC").Order("orders.id DESC").Limit(limit).Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// GetIdempotencyRecord returns the live record for a user's key, or nil
func (d *Database) GetIdempotencyRecord(ctx context.Context, userID uint, key string, now time.Time) (*types.IdempotencyRecord, error) {
	var records []types.IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ? AND expires_at > ?", userID, key, now).
		Limit(1).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// CreateIdempotencyRecord stores key → order, replacing an expired record
func (d *Database) CreateIdempotencyRecord(ctx context.Context, userID uint, key string, orderID uint, now time.Time) error {
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ? AND expires_at <= ?", userID, key, now).
		Delete(&types.IdempotencyRecord{}).Error
	if err != nil {
		return err
	}

	record := types.IdempotencyRecord{
		UserID:         userID,
		IdempotencyKey: key,
		ResourceID:     orderID,
		ResourceType:   resourceTypeOrder,
		ExpiresAt:      now.Add(idempotencyTTL),
	}
	return d.db.WithContext(ctx).Create(&record).Error
}
