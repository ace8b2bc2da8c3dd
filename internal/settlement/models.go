package settlement

import "time"

// Discrepancy kinds found by reconciliation
const (
	KindNegativeCash     = "NEGATIVE_CASH"
	KindNegativeShares   = "NEGATIVE_SHARES"
	KindReservedCash     = "RESERVED_CASH_MISMATCH"
	KindReservedShares   = "RESERVED_SHARES_MISMATCH"
	KindOrderOverfilled  = "ORDER_OVERFILLED"
	KindOrderStatusDrift = "ORDER_STATUS_DRIFT"
)

// Discrepancy is one broken ledger invariant
type Discrepancy struct {
	Kind     string `json:"kind"`
	UserID   uint   `json:"user_id,omitempty"`
	SymbolID uint   `json:"symbol_id,omitempty"`
	OrderID  uint   `json:"order_id,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ReconcileReport summarises one reconciliation run
type ReconcileReport struct {
	CheckedAccounts int           `json:"checked_accounts"`
	CheckedHoldings int           `json:"checked_holdings"`
	CheckedOrders   int           `json:"checked_orders"`
	Discrepancies   []Discrepancy `json:"discrepancies"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        string        `json:"duration"`
}

// Healthy reports whether no discrepancy was found
func (r *ReconcileReport) Healthy() bool {
	return len(r.Discrepancies) == 0
}

// TradeFilter narrows a user's trade history
type TradeFilter struct {
	UserID uint
	Symbol string // optional, case-insensitive
	Limit  int
}
