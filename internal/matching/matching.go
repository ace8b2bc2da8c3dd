// Package matching computes trades for an incoming limit order against the
// resting opposite side of the book. It does no persistence and knows nothing
// about accounts.
package matching

import (
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/shopspring/decimal"
)

// Intent is a trade the engine wants to happen
type Intent struct {
	Buy      *types.Order
	Sell     *types.Order
	Price    decimal.Decimal
	Quantity int64
}

// Crosses reports whether incoming can trade against resting at resting's price
func Crosses(incoming, resting *types.Order) bool {
	if incoming.Side == types.SideBuy {
		return incoming.Price.GreaterThanOrEqual(resting.Price)
	}
	return incoming.Price.LessThanOrEqual(resting.Price)
}

// Match walks resting, which must be in price-time priority, and fills
// incoming against it. Fill counters of incoming and the matched resting
// orders are updated in place. Execution always happens at the resting
// order's price.
func Match(incoming *types.Order, resting []*types.Order) []Intent {
	var intents []Intent

	for _, opposite := range resting {
		if incoming.Remaining() <= 0 {
			break
		}
		if opposite.Remaining() <= 0 {
			continue
		}
		// The book is price ordered: once one order fails to cross, none after it can.
		if !Crosses(incoming, opposite) {
			break
		}

		qty := min(incoming.Remaining(), opposite.Remaining())
		incoming.FilledQuantity += qty
		opposite.FilledQuantity += qty

		intent := Intent{Price: opposite.Price, Quantity: qty}
		if incoming.Side == types.SideBuy {
			intent.Buy, intent.Sell = incoming, opposite
		} else {
			intent.Buy, intent.Sell = opposite, incoming
		}
		intents = append(intents, intent)
	}

	return intents
}

// Less orders two resting orders of the same side by price-time priority
func Less(a, b *types.Order) bool {
	if !a.Price.Equal(b.Price) {
		if a.Side == types.SideBuy {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
