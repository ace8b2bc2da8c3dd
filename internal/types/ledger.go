package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ReserveCash moves amount from available to reserved
func (p *Portfolio) ReserveCash(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative cash reservation %s", ErrInvariantViolation, amount)
	}
	if p.AvailableBalance.LessThan(amount) {
		return fmt.Errorf("%w: need %s, available %s",
			ErrInsufficientFunds, amount.StringFixed(PriceDecimals), p.AvailableBalance.StringFixed(PriceDecimals))
	}
	p.AvailableBalance = p.AvailableBalance.Sub(amount)
	p.ReservedBalance = p.ReservedBalance.Add(amount)
	return nil
}

// ReleaseCash moves amount from reserved back to available
func (p *Portfolio) ReleaseCash(amount decimal.Decimal) error {
	if amount.IsNegative() || p.ReservedBalance.LessThan(amount) {
		return fmt.Errorf("%w: release %s from reserved %s for user %d",
			ErrInvariantViolation, amount, p.ReservedBalance, p.UserID)
	}
	p.ReservedBalance = p.ReservedBalance.Sub(amount)
	p.AvailableBalance = p.AvailableBalance.Add(amount)
	return nil
}

// Total is available plus reserved cash
func (p *Portfolio) Total() decimal.Decimal {
	return p.AvailableBalance.Add(p.ReservedBalance)
}

// ReserveShares moves qty from available to reserved
func (h *Holding) ReserveShares(qty int64) error {
	if qty < 0 {
		return fmt.Errorf("%w: negative share reservation %d", ErrInvariantViolation, qty)
	}
	if h.AvailableQuantity < qty {
		return fmt.Errorf("%w: need %d, available %d", ErrInsufficientShares, qty, h.AvailableQuantity)
	}
	h.AvailableQuantity -= qty
	h.ReservedQuantity += qty
	return nil
}

// ReleaseShares moves qty from reserved back to available
func (h *Holding) ReleaseShares(qty int64) error {
	if qty < 0 || h.ReservedQuantity < qty {
		return fmt.Errorf("%w: release %d shares from reserved %d for user %d symbol %d",
			ErrInvariantViolation, qty, h.ReservedQuantity, h.UserID, h.SymbolID)
	}
	h.ReservedQuantity -= qty
	h.AvailableQuantity += qty
	return nil
}

// Total is available plus reserved shares
func (h *Holding) Total() int64 {
	return h.AvailableQuantity + h.ReservedQuantity
}
