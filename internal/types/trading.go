package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalises user input into a Side
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: invalid order side %q", ErrInvalidOrder, s)
}

// Opposite returns the side an order of this side trades against
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
)

// RestingStatuses are the statuses still eligible to match
var RestingStatuses = []OrderStatus{StatusOpen, StatusPartial}

// PriceDecimals is the number of decimal places carried by prices and cash
const PriceDecimals = 2

type Symbol struct {
	ID                 uint                `gorm:"primaryKey" json:"id"`
	Name               string              `gorm:"uniqueIndex;size:100;not null" json:"name"`
	LastPrice          decimal.NullDecimal `gorm:"type:decimal(14,2)" json:"last_price"`
	LastPriceUpdatedAt *time.Time          `json:"last_price_updated_at"`
	CreatedAt          time.Time           `json:"created_at"`
}

// ReferencePrice returns the last known price and whether one exists
func (s *Symbol) ReferencePrice() (decimal.Decimal, bool) {
	if !s.LastPrice.Valid {
		return decimal.Zero, false
	}
	return s.LastPrice.Decimal, true
}

// PriceStale reports whether the reference price is missing or older than maxAge
func (s *Symbol) PriceStale(now time.Time, maxAge time.Duration) bool {
	if !s.LastPrice.Valid || s.LastPrice.Decimal.IsZero() || s.LastPriceUpdatedAt == nil {
		return true
	}
	return now.Sub(*s.LastPriceUpdatedAt) > maxAge
}

// Portfolio is a user's cash account
type Portfolio struct {
	ID               uint            `gorm:"primaryKey" json:"-"`
	UserID           uint            `gorm:"uniqueIndex;not null" json:"user_id"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"available_balance"`
	ReservedBalance  decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"reserved_balance"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Holding is a user's position in one symbol
type Holding struct {
	ID                uint      `gorm:"primaryKey" json:"-"`
	UserID            uint      `gorm:"uniqueIndex:idx_holding_user_symbol;not null" json:"user_id"`
	SymbolID          uint      `gorm:"uniqueIndex:idx_holding_user_symbol;not null" json:"symbol_id"`
	Symbol            Symbol    `gorm:"foreignKey:SymbolID" json:"-"`
	AvailableQuantity int64     `gorm:"not null;default:0" json:"available_quantity"`
	ReservedQuantity  int64     `gorm:"not null;default:0" json:"reserved_quantity"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Order struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UserID         uint            `gorm:"index;not null" json:"user_id"`
	SymbolID       uint            `gorm:"not null" json:"symbol_id"`
	Symbol         Symbol          `gorm:"foreignKey:SymbolID" json:"-"`
	Side           Side            `gorm:"size:4;not null" json:"side"`
	Price          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Quantity       int64           `gorm:"not null" json:"quantity"`
	FilledQuantity int64           `gorm:"not null;default:0" json:"filled_quantity"`
	Status         OrderStatus     `gorm:"size:10;not null" json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining is the quantity still open for matching
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// Resting reports whether the order can still trade
func (o *Order) Resting() bool {
	return o.Status == StatusOpen || o.Status == StatusPartial
}

// RecomputeStatus derives the status from the fill counter. Canceled is terminal.
func (o *Order) RecomputeStatus() {
	if o.Status == StatusCanceled {
		return
	}
	switch {
	case o.FilledQuantity >= o.Quantity:
		o.Status = StatusFilled
	case o.FilledQuantity > 0:
		o.Status = StatusPartial
	default:
		o.Status = StatusOpen
	}
}

// Notional is price × quantity
func Notional(price decimal.Decimal, quantity int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity))
}

type Trade struct {
	ID          uint            `gorm:"primaryKey" json:"-"`
	TradeID     string          `gorm:"uniqueIndex;size:36" json:"trade_id"`
	SymbolID    uint            `gorm:"index;not null" json:"symbol_id"`
	BuyOrderID  uint            `gorm:"index;not null" json:"buy_order_id"`
	SellOrderID uint            `gorm:"index;not null" json:"sell_order_id"`
	BuyerID     uint            `gorm:"index;not null" json:"buyer_id"`
	SellerID    uint            `gorm:"index;not null" json:"seller_id"`
	Price       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Quantity    int64           `gorm:"not null" json:"quantity"`
	CreatedAt   time.Time       `gorm:"index" json:"created_at"`
}

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:150;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// IdempotencyRecord remembers which order a client request key produced
type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	UserID         uint      `gorm:"uniqueIndex:idx_idempotency_user_key;not null" json:"user_id"`
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idempotency_user_key;size:128;not null" json:"idempotency_key"`
	ResourceID     uint      `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}
