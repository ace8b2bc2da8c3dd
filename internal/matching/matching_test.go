package matching

import (
	"sort"
	"testing"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func order(id uint, side types.Side, price string, qty int64, offset int) *types.Order {
	return &types.Order{
		ID:        id,
		Side:      side,
		Price:     decimal.RequireFromString(price),
		Quantity:  qty,
		Status:    types.StatusOpen,
		CreatedAt: epoch.Add(time.Duration(offset) * time.Second),
	}
}

func TestMatch_PriceTimePriority(t *testing.T) {
	resting := []*types.Order{
		order(1, types.SideSell, "101", 5, 0),
		order(2, types.SideSell, "101", 5, 1),
		order(3, types.SideSell, "102", 5, 2),
	}
	incoming := order(4, types.SideBuy, "102", 15, 3)

	intents := Match(incoming, resting)

	require.Len(t, intents, 3)
	assert.Equal(t, uint(1), intents[0].Sell.ID)
	assert.Equal(t, uint(2), intents[1].Sell.ID)
	assert.Equal(t, uint(3), intents[2].Sell.ID)
	assert.True(t, intents[0].Price.Equal(decimal.RequireFromString("101")))
	assert.True(t, intents[1].Price.Equal(decimal.RequireFromString("101")))
	assert.True(t, intents[2].Price.Equal(decimal.RequireFromString("102")))
	for _, in := range intents {
		assert.Same(t, incoming, in.Buy)
		assert.Equal(t, int64(5), in.Quantity)
	}
	assert.Equal(t, int64(15), incoming.FilledQuantity)
}

func TestMatch_StopsAtFirstNonCrossingOrder(t *testing.T) {
	resting := []*types.Order{
		order(1, types.SideBuy, "100", 5, 0),
		order(2, types.SideBuy, "98", 5, 1),
		// Out of order on purpose: the engine must not look past order 2.
		order(3, types.SideBuy, "100", 5, 2),
	}
	incoming := order(4, types.SideSell, "99", 15, 3)

	intents := Match(incoming, resting)

	require.Len(t, intents, 1)
	assert.Equal(t, uint(1), intents[0].Buy.ID)
	assert.Equal(t, int64(5), incoming.FilledQuantity)
	assert.Zero(t, resting[2].FilledQuantity)
}

func TestMatch_SkipsExhaustedRestingOrders(t *testing.T) {
	exhausted := order(1, types.SideSell, "50", 10, 0)
	exhausted.FilledQuantity = 10
	resting := []*types.Order{exhausted, order(2, types.SideSell, "50", 10, 1)}
	incoming := order(3, types.SideBuy, "50", 4, 2)

	intents := Match(incoming, resting)

	require.Len(t, intents, 1)
	assert.Equal(t, uint(2), intents[0].Sell.ID)
	assert.Equal(t, int64(4), resting[1].FilledQuantity)
}

func TestMatch_PartialFill(t *testing.T) {
	resting := []*types.Order{order(1, types.SideSell, "50", 40, 0)}
	incoming := order(2, types.SideBuy, "50", 100, 1)

	intents := Match(incoming, resting)

	require.Len(t, intents, 1)
	assert.Equal(t, int64(40), intents[0].Quantity)
	assert.Equal(t, int64(40), incoming.FilledQuantity)
	assert.Equal(t, int64(60), incoming.Remaining())
	assert.Zero(t, resting[0].Remaining())
}

func TestMatch_PriceImprovementGoesToAggressor(t *testing.T) {
	resting := []*types.Order{order(1, types.SideBuy, "101", 10, 0)}
	incoming := order(2, types.SideSell, "99", 10, 1)

	intents := Match(incoming, resting)

	require.Len(t, intents, 1)
	assert.True(t, intents[0].Price.Equal(decimal.RequireFromString("101")))
	assert.Same(t, resting[0], intents[0].Buy)
	assert.Same(t, incoming, intents[0].Sell)
}

func TestMatch_EmptyBook(t *testing.T) {
	incoming := order(1, types.SideBuy, "10", 1, 0)
	assert.Empty(t, Match(incoming, nil))
	assert.Zero(t, incoming.FilledQuantity)
}

func TestLess(t *testing.T) {
	a := order(1, types.SideSell, "10", 1, 1)
	b := order(2, types.SideSell, "10", 1, 0)
	c := order(3, types.SideSell, "9", 1, 5)
	sells := []*types.Order{a, b, c}
	sort.Slice(sells, func(i, j int) bool { return Less(sells[i], sells[j]) })
	assert.Equal(t, []uint{3, 2, 1}, []uint{sells[0].ID, sells[1].ID, sells[2].ID})

	x := order(4, types.SideBuy, "10", 1, 1)
	y := order(5, types.SideBuy, "11", 1, 2)
	assert.True(t, Less(y, x))
}

func TestMatch_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		incomingSide := rapid.SampledFrom([]types.Side{types.SideBuy, types.SideSell}).Draw(t, "side")
		restingSide := incomingSide.Opposite()

		n := rapid.IntRange(0, 12).Draw(t, "resting")
		resting := make([]*types.Order, 0, n)
		for i := 0; i < n; i++ {
			cents := rapid.Int64Range(9000, 11000).Draw(t, "price")
			qty := rapid.Int64Range(1, 50).Draw(t, "qty")
			o := &types.Order{
				ID:        uint(i + 1),
				Side:      restingSide,
				Price:     decimal.New(cents, -2),
				Quantity:  qty,
				Status:    types.StatusOpen,
				CreatedAt: epoch.Add(time.Duration(i) * time.Second),
			}
			o.FilledQuantity = rapid.Int64Range(0, qty).Draw(t, "filled")
			resting = append(resting, o)
		}
		sort.SliceStable(resting, func(i, j int) bool { return Less(resting[i], resting[j]) })

		before := make(map[uint]int64, n)
		for _, o := range resting {
			before[o.ID] = o.FilledQuantity
		}

		incoming := &types.Order{
			ID:       1000,
			Side:     incomingSide,
			Price:    decimal.New(rapid.Int64Range(9000, 11000).Draw(t, "limit"), -2),
			Quantity: rapid.Int64Range(1, 200).Draw(t, "incoming_qty"),
			Status:   types.StatusOpen,
		}

		intents := Match(incoming, resting)

		var traded int64
		for _, in := range intents {
			if in.Quantity <= 0 {
				t.Fatalf("non-positive trade quantity %d", in.Quantity)
			}
			if in.Price.GreaterThan(in.Buy.Price) {
				t.Fatalf("buy limit %s exceeded by trade price %s", in.Buy.Price, in.Price)
			}
			if in.Price.LessThan(in.Sell.Price) {
				t.Fatalf("sell limit %s undercut by trade price %s", in.Sell.Price, in.Price)
			}
			traded += in.Quantity
		}
		if traded != incoming.FilledQuantity {
			t.Fatalf("incoming filled %d, trades sum %d", incoming.FilledQuantity, traded)
		}
		if incoming.FilledQuantity > incoming.Quantity {
			t.Fatalf("incoming overfilled: %d > %d", incoming.FilledQuantity, incoming.Quantity)
		}

		var restingDelta int64
		for _, o := range resting {
			if o.FilledQuantity < before[o.ID] || o.FilledQuantity > o.Quantity {
				t.Fatalf("order %d fill moved from %d to %d (qty %d)", o.ID, before[o.ID], o.FilledQuantity, o.Quantity)
			}
			restingDelta += o.FilledQuantity - before[o.ID]
		}
		if restingDelta != traded {
			t.Fatalf("resting fills %d do not match traded %d", restingDelta, traded)
		}

		// Anything left resting that still crosses means the engine stopped too early.
		if incoming.Remaining() > 0 {
			for _, o := range resting {
				if o.Remaining() > 0 && Crosses(incoming, o) {
					t.Fatalf("order %d still crosses with %d remaining", o.ID, o.Remaining())
				}
			}
		}
	})
}
