// Package ledger moves cash and shares between available and reserved
// balances. Every row is locked before it is read, and rows are cached for
// the duration of one call so a user on both sides of a trade is only
// loaded once.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-exchange/internal/locks"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type holdingKey struct {
	userID   uint
	symbolID uint
}

// Tx is the ledger view of one database transaction
type Tx struct {
	db       *gorm.DB
	locks    *locks.Set
	accounts map[uint]*types.Portfolio
	holdings map[holdingKey]*types.Holding
}

// NewTx binds the ledger to an open gorm transaction and the caller's lock set
func NewTx(tx *gorm.DB, set *locks.Set) *Tx {
	return &Tx{
		db:       tx,
		locks:    set,
		accounts: make(map[uint]*types.Portfolio),
		holdings: make(map[holdingKey]*types.Holding),
	}
}

// Account locks and loads a user's portfolio
func (t *Tx) Account(ctx context.Context, userID uint) (*types.Portfolio, error) {
	if p, ok := t.accounts[userID]; ok {
		return p, nil
	}
	if err := t.locks.Lock(ctx, locks.AccountKey(userID)); err != nil {
		return nil, err
	}

	var p types.Portfolio
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Accounts are provisioned when the user is created
		return nil, fmt.Errorf("%w: no portfolio for user %d", types.ErrInvariantViolation, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}

	t.accounts[userID] = &p
	return &p, nil
}

// Holding locks and loads a holding, creating an empty one on first touch
func (t *Tx) Holding(ctx context.Context, userID, symbolID uint) (*types.Holding, error) {
	key := holdingKey{userID: userID, symbolID: symbolID}
	if h, ok := t.holdings[key]; ok {
		return h, nil
	}
	if err := t.locks.Lock(ctx, locks.HoldingKey(userID, symbolID)); err != nil {
		return nil, err
	}

	var found []types.Holding
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND symbol_id = ?", userID, symbolID).
		Limit(1).
		Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load holding: %w", err)
	}

	var h types.Holding
	if len(found) == 1 {
		h = found[0]
	} else {
		h = types.Holding{UserID: userID, SymbolID: symbolID}
		if err := t.db.WithContext(ctx).Omit(clause.Associations).Create(&h).Error; err != nil {
			return nil, fmt.Errorf("failed to create holding: %w", err)
		}
	}

	t.holdings[key] = &h
	return &h, nil
}

// ReserveCash earmarks amount of the user's available cash
func (t *Tx) ReserveCash(ctx context.Context, userID uint, amount decimal.Decimal) error {
	p, err := t.Account(ctx, userID)
	if err != nil {
		return err
	}
	if err := p.ReserveCash(amount); err != nil {
		return err
	}
	return t.saveAccount(ctx, p)
}

// ReleaseCash returns reserved cash to available
func (t *Tx) ReleaseCash(ctx context.Context, userID uint, amount decimal.Decimal) error {
	p, err := t.Account(ctx, userID)
	if err != nil {
		return err
	}
	if err := p.ReleaseCash(amount); err != nil {
		return err
	}
	return t.saveAccount(ctx, p)
}

// ReserveShares earmarks qty of the user's available shares
func (t *Tx) ReserveShares(ctx context.Context, userID, symbolID uint, qty int64) error {
	h, err := t.Holding(ctx, userID, symbolID)
	if err != nil {
		return err
	}
	if err := h.ReserveShares(qty); err != nil {
		return err
	}
	return t.saveHolding(ctx, h)
}

// ReleaseShares returns reserved shares to available
func (t *Tx) ReleaseShares(ctx context.Context, userID, symbolID uint, qty int64) error {
	h, err := t.Holding(ctx, userID, symbolID)
	if err != nil {
		return err
	}
	if err := h.ReleaseShares(qty); err != nil {
		return err
	}
	return t.saveHolding(ctx, h)
}

// Transfer describes the ledger movements of one trade
type Transfer struct {
	BuyerID        uint
	SellerID       uint
	SymbolID       uint
	ReservedAmount decimal.Decimal // buy limit × quantity, held since admission
	ActualAmount   decimal.Decimal // trade price × quantity
	Quantity       int64
}

// TransferOnTrade settles a trade. Every precondition is checked before any
// row changes, so a failure leaves the cached rows untouched.
func (t *Tx) TransferOnTrade(ctx context.Context, tr Transfer) error {
	if tr.Quantity <= 0 || tr.ActualAmount.IsNegative() || tr.ActualAmount.GreaterThan(tr.ReservedAmount) {
		return fmt.Errorf("%w: bad transfer reserved=%s actual=%s qty=%d",
			types.ErrInvariantViolation, tr.ReservedAmount, tr.ActualAmount, tr.Quantity)
	}

	buyer, err := t.Account(ctx, tr.BuyerID)
	if err != nil {
		return err
	}
	seller, err := t.Account(ctx, tr.SellerID)
	if err != nil {
		return err
	}
	buyerHolding, err := t.Holding(ctx, tr.BuyerID, tr.SymbolID)
	if err != nil {
		return err
	}
	sellerHolding, err := t.Holding(ctx, tr.SellerID, tr.SymbolID)
	if err != nil {
		return err
	}

	if buyer.ReservedBalance.LessThan(tr.ReservedAmount) {
		return fmt.Errorf("%w: buyer %d reserved %s below %s",
			types.ErrInvariantViolation, tr.BuyerID, buyer.ReservedBalance, tr.ReservedAmount)
	}
	if sellerHolding.ReservedQuantity < tr.Quantity {
		return fmt.Errorf("%w: seller %d reserved %d shares below %d",
			types.ErrInvariantViolation, tr.SellerID, sellerHolding.ReservedQuantity, tr.Quantity)
	}

	refund := tr.ReservedAmount.Sub(tr.ActualAmount)
	buyer.ReservedBalance = buyer.ReservedBalance.Sub(tr.ReservedAmount)
	buyer.AvailableBalance = buyer.AvailableBalance.Add(refund)
	buyerHolding.AvailableQuantity += tr.Quantity
	sellerHolding.ReservedQuantity -= tr.Quantity
	seller.AvailableBalance = seller.AvailableBalance.Add(tr.ActualAmount)

	if err := t.saveAccount(ctx, buyer); err != nil {
		return err
	}
	if seller != buyer {
		if err := t.saveAccount(ctx, seller); err != nil {
			return err
		}
	}
	if err := t.saveHolding(ctx, buyerHolding); err != nil {
		return err
	}
	if sellerHolding != buyerHolding {
		return t.saveHolding(ctx, sellerHolding)
	}
	return nil
}

func (t *Tx) saveAccount(ctx context.Context, p *types.Portfolio) error {
	err := t.db.WithContext(ctx).Model(p).Updates(map[string]interface{}{
		"available_balance": p.AvailableBalance,
		"reserved_balance":  p.ReservedBalance,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to save portfolio: %w", err)
	}
	return nil
}

func (t *Tx) saveHolding(ctx context.Context, h *types.Holding) error {
	err := t.db.WithContext(ctx).Model(h).Omit(clause.Associations).Updates(map[string]interface{}{
		"available_quantity": h.AvailableQuantity,
		"reserved_quantity":  h.ReservedQuantity,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to save holding: %w", err)
	}
	return nil
}
