// Package pricefeed fetches reference prices from outside the exchange. Every
// fetch is best effort and bounded in time.
package pricefeed

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnavailable means the feed has no price for the symbol right now
var ErrUnavailable = errors.New("price unavailable")

// Feed returns the current market price of a symbol
type Feed interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// NopFeed never has a price
type NopFeed struct{}

func (NopFeed) FetchPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, ErrUnavailable
}
