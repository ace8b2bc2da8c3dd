package trading

import (
	"fmt"
	"strings"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"github.com/shopspring/decimal"
)

const (
	idempotencyTTL          = 24 * time.Hour
	resourceTypeOrder       = "order"
	defaultOrderLimit       = 100
	maxIdempotencyKeyLength = 128
)

// maxPrice keeps prices inside the decimal(12,2) column
var maxPrice = decimal.New(1, 10)

// PlaceOrderRequest is a new limit order as submitted by a user
type PlaceOrderRequest struct {
	Symbol   string          `json:"symbol" binding:"required"`
	Side     string          `json:"side" binding:"required"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`

	// IdempotencyKey makes retries of the same request return the first order
	IdempotencyKey string `json:"-"`
}

// OrderFilter narrows a user's order list
type OrderFilter struct {
	UserID   uint
	Statuses []types.OrderStatus
	Symbol   string
	Limit    int
}

// ParseStatuses reads a comma separated status list such as "OPEN,PARTIAL"
func ParseStatuses(raw string) ([]types.OrderStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var statuses []types.OrderStatus
	for _, part := range strings.Split(raw, ",") {
		status := types.OrderStatus(strings.ToUpper(strings.TrimSpace(part)))
		switch status {
		case types.StatusOpen, types.StatusPartial, types.StatusFilled, types.StatusCanceled:
			statuses = append(statuses, status)
		case "":
		default:
			return nil, fmt.Errorf("unknown order status %q", part)
		}
	}
	return statuses, nil
}
