package simulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exchange/internal/trading"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MarketMakerUsername is the account the market maker trades from
const MarketMakerUsername = "market_maker"

var defaultSpread = decimal.RequireFromString("0.005")

// OrderPlacer is the order entry the market maker goes through, the same one
// API clients use
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, userID uint, req trading.PlaceOrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, userID, orderID uint) (*types.Order, error)
}

// UserProvisioner funds a newly created user
type UserProvisioner interface {
	OnUserCreated(ctx context.Context, user *types.User) error
}

// EnsureMarketMakerUser returns the market maker's user id, creating and
// funding the account on first use. The account has no usable password.
func EnsureMarketMakerUser(ctx context.Context, db *gorm.DB, provisioner UserProvisioner) (uint, error) {
	user := types.User{Username: MarketMakerUsername, PasswordHash: "!"}
	if err := db.WithContext(ctx).Where("username = ?", MarketMakerUsername).FirstOrCreate(&user).Error; err != nil {
		return 0, fmt.Errorf("failed to load market maker user: %w", err)
	}
	if err := provisioner.OnUserCreated(ctx, &user); err != nil {
		return 0, fmt.Errorf("failed to provision market maker: %w", err)
	}
	return user.ID, nil
}

// MarketMaker quotes a bid just under and an ask just over the reference
// price of every symbol on each tick. The previous quotes are canceled first
// so reservations do not pile up. Failures are logged and ignored.
type MarketMaker struct {
	db       *gorm.DB
	orders   OrderPlacer
	userID   uint
	interval time.Duration
	spread   decimal.Decimal
	quantity int64

	quotes map[uint][]uint // symbol id -> resting quote order ids
}

func NewMarketMaker(db *gorm.DB, orders OrderPlacer, userID uint, interval time.Duration) *MarketMaker {
	return &MarketMaker{
		db:       db,
		orders:   orders,
		userID:   userID,
		interval: interval,
		spread:   defaultSpread,
		quantity: 10,
		quotes:   make(map[uint][]uint),
	}
}

// Start quotes until ctx is done
func (m *MarketMaker) Start(ctx context.Context) {
	logger := log.With().Str("component", "market_maker").Uint("user_id", m.userID).Logger()
	if m.interval <= 0 {
		logger.Info().Msg("market maker disabled")
		return
	}
	logger.Info().Dur("interval", m.interval).Msg("starting market maker")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down market maker")
			return
		case <-ticker.C:
			m.Quote(ctx)
		}
	}
}

// Quote replaces the market maker's quotes on every symbol with a reference price
func (m *MarketMaker) Quote(ctx context.Context) {
	logger := log.With().Str("component", "market_maker").Logger()

	var symbols []types.Symbol
	if err := m.db.WithContext(ctx).Order("name").Find(&symbols).Error; err != nil {
		logger.Warn().Err(err).Msg("failed to load symbols")
		return
	}

	one := decimal.NewFromInt(1)
	for _, symbol := range symbols {
		ref, ok := symbol.ReferencePrice()
		if !ok || !ref.IsPositive() {
			continue
		}

		m.cancelQuotes(ctx, symbol.ID)

		bid := ref.Mul(one.Sub(m.spread)).Round(types.PriceDecimals)
		ask := ref.Mul(one.Add(m.spread)).Round(types.PriceDecimals)
		for _, q := range []struct {
			side  types.Side
			price decimal.Decimal
		}{
			{types.SideBuy, bid},
			{types.SideSell, ask},
		} {
			order, err := m.orders.PlaceOrder(ctx, m.userID, trading.PlaceOrderRequest{
				Symbol:         symbol.Name,
				Side:           string(q.side),
				Price:          q.price,
				Quantity:       m.quantity,
				IdempotencyKey: "mm-" + uuid.NewString(),
			})
			if err != nil {
				logger.Warn().Err(err).
					Str("symbol", symbol.Name).
					Str("side", string(q.side)).
					Str("price", q.price.StringFixed(types.PriceDecimals)).
					Msg("market maker quote rejected")
				continue
			}
			if order.Resting() {
				m.quotes[symbol.ID] = append(m.quotes[symbol.ID], order.ID)
			}
		}
	}
}

func (m *MarketMaker) cancelQuotes(ctx context.Context, symbolID uint) {
	for _, id := range m.quotes[symbolID] {
		_, err := m.orders.CancelOrder(ctx, m.userID, id)
		if err != nil && !errors.Is(err, types.ErrNotCancelable) {
			log.Warn().Err(err).Str("component", "market_maker").Uint("order_id", id).Msg("failed to cancel quote")
		}
	}
	delete(m.quotes, symbolID)
}
