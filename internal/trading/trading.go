// Package trading admits, matches, settles and cancels limit orders.
//
// Every PlaceOrder and CancelOrder call runs in one database transaction with
// one lock set. Locks are taken in a fixed order: the acting user's account,
// the acting user's holding, the target order, then counterparty orders as the
// matcher visits them and finally counterparty accounts and holdings during
// settlement. Locks are released only after the transaction has finished.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-exchange/internal/broadcast"
	"github.com/ksred/klear-exchange/internal/database"
	"github.com/ksred/klear-exchange/internal/ledger"
	"github.com/ksred/klear-exchange/internal/locks"
	"github.com/ksred/klear-exchange/internal/matching"
	"github.com/ksred/klear-exchange/internal/metrics"
	"github.com/ksred/klear-exchange/internal/settlement"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PriceRefresher brings a stale reference price up to date
type PriceRefresher interface {
	RefreshIfStale(ctx context.Context, symbol *types.Symbol, maxAge time.Duration) error
}

// Options configures the trading service. Zero values take the defaults.
type Options struct {
	PriceBand      decimal.Decimal // 0.10 allows ±10% around the reference price
	PriceFreshness time.Duration
	Refresher      PriceRefresher
	Notifier       broadcast.Notifier
}

// Service handles order admission, matching and cancellation
type Service struct {
	db        *Database
	locks     *locks.Manager
	settler   *settlement.Settler
	refresher PriceRefresher
	notifier  broadcast.Notifier
	band      decimal.Decimal
	freshness time.Duration
	now       func() time.Time
}

// NewService creates a new trading service
func NewService(gormDB *gorm.DB, lockManager *locks.Manager, opts Options) *Service {
	s := &Service{
		db:        NewDatabase(gormDB),
		locks:     lockManager,
		settler:   settlement.NewSettler(),
		refresher: opts.Refresher,
		notifier:  opts.Notifier,
		band:      opts.PriceBand,
		freshness: opts.PriceFreshness,
		now:       time.Now,
	}
	if s.band.IsZero() {
		s.band = decimal.RequireFromString("0.10")
	}
	if s.freshness <= 0 {
		s.freshness = 60 * time.Second
	}
	if s.notifier == nil {
		s.notifier = broadcast.Nop{}
	}
	return s
}

// PlaceOrder admits a limit order, matches it against the opposite side of
// the book and settles every resulting trade. The returned order carries its
// final fill state.
func (s *Service) PlaceOrder(ctx context.Context, userID uint, req PlaceOrderRequest) (*types.Order, error) {
	defer metrics.PlaceOrderTimer()()

	logger := log.With().
		Str("service", "trading").
		Uint("user_id", userID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Logger()

	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		return nil, s.reject(logger, fmt.Errorf("%w: idempotency key longer than %d", types.ErrInvalidOrder, maxIdempotencyKeyLength))
	}
	if req.IdempotencyKey != "" {
		if existing, err := s.replay(ctx, userID, req.IdempotencyKey); err != nil || existing != nil {
			return existing, err
		}
	}

	symbol, err := database.FindSymbol(ctx, s.db.Gorm(), req.Symbol)
	if err != nil {
		return nil, s.reject(logger, err)
	}

	// Best effort and outside every lock
	if s.refresher != nil {
		if err := s.refresher.RefreshIfStale(ctx, symbol, s.freshness); err != nil {
			logger.Warn().Err(err).Msg("reference price refresh failed, continuing")
		}
	}

	side, err := types.ParseSide(req.Side)
	if err != nil {
		return nil, s.reject(logger, err)
	}
	if err := validateOrder(req.Price, req.Quantity); err != nil {
		return nil, s.reject(logger, err)
	}
	if err := s.checkPriceBand(symbol, req.Price); err != nil {
		return nil, s.reject(logger, err)
	}

	order := &types.Order{
		UserID:   userID,
		SymbolID: symbol.ID,
		Side:     side,
		Price:    req.Price,
		Quantity: req.Quantity,
		Status:   types.StatusOpen,
	}

	// The caller going away must not split admission from settlement
	trades, err := s.admitAndMatch(context.WithoutCancel(ctx), symbol, order, req.IdempotencyKey)
	if err != nil {
		if req.IdempotencyKey != "" {
			// A concurrent retry with the same key may have won the race
			if existing, lookupErr := s.replay(ctx, userID, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		if errors.Is(err, types.ErrInvariantViolation) {
			metrics.InvariantViolation("place_order")
			logger.Error().Err(err).Msg("ledger invariant violated, order rolled back")
		}
		return nil, s.reject(logger, err)
	}

	order.Symbol = *symbol
	metrics.OrderPlaced(symbol.Name, string(side))
	for _, t := range trades {
		metrics.TradeExecuted(symbol.Name, t.Quantity)
	}

	logger.Info().
		Uint("order_id", order.ID).
		Str("price", order.Price.StringFixed(types.PriceDecimals)).
		Int64("quantity", order.Quantity).
		Int64("filled", order.FilledQuantity).
		Str("status", string(order.Status)).
		Int("trades", len(trades)).
		Msg("order placed")

	s.notifyBook(ctx, symbol.Name)
	if len(trades) > 0 {
		s.notifyPrices(ctx)
	}
	return order, nil
}

// admitAndMatch is steps 5 to 9 of admission: reserve, persist, match, settle
// and update statuses, all in one transaction under one lock set
func (s *Service) admitAndMatch(ctx context.Context, symbol *types.Symbol, order *types.Order, idempotencyKey string) ([]*types.Trade, error) {
	set := s.locks.NewSet()
	defer set.Release()

	var trades []*types.Trade
	err := s.db.InTx(ctx, func(tx *Database) error {
		trades = nil
		lx := ledger.NewTx(tx.Gorm(), set)

		if _, err := lx.Account(ctx, order.UserID); err != nil {
			return err
		}
		// Buyers receive shares on settlement, so their holding is locked
		// here, ahead of every order lock
		if _, err := lx.Holding(ctx, order.UserID, order.SymbolID); err != nil {
			return err
		}
		if order.Side == types.SideBuy {
			if err := lx.ReserveCash(ctx, order.UserID, types.Notional(order.Price, order.Quantity)); err != nil {
				return err
			}
		} else {
			if err := lx.ReserveShares(ctx, order.UserID, order.SymbolID, order.Quantity); err != nil {
				return err
			}
		}

		now := s.now()
		order.CreatedAt = now
		order.UpdatedAt = now
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		if err := set.Lock(ctx, locks.OrderKey(order.ID)); err != nil {
			return err
		}
		if idempotencyKey != "" {
			if err := tx.CreateIdempotencyRecord(ctx, order.UserID, idempotencyKey, order.ID, now); err != nil {
				return err
			}
		}

		book, err := s.lockCrossingOrders(ctx, tx, set, order)
		if err != nil {
			return err
		}

		intents := matching.Match(order, book)
		touched := make(map[uint]*types.Order, len(intents)+1)
		for _, intent := range intents {
			trade, err := s.settler.Settle(ctx, tx.Gorm(), lx, symbol, intent)
			if err != nil {
				return err
			}
			trades = append(trades, trade)
			touched[intent.Buy.ID] = intent.Buy
			touched[intent.Sell.ID] = intent.Sell
		}
		touched[order.ID] = order

		for _, o := range touched {
			if o.FilledQuantity > o.Quantity {
				return fmt.Errorf("%w: order %d overfilled", types.ErrInvariantViolation, o.ID)
			}
			o.RecomputeStatus()
			if err := tx.SaveFill(ctx, o, s.now()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// lockCrossingOrders walks the opposite side of the book in priority order and
// locks each order the incoming one could trade with. Candidates are re-read
// under lock; any that stopped resting meanwhile are skipped.
func (s *Service) lockCrossingOrders(ctx context.Context, tx *Database, set *locks.Set, order *types.Order) ([]*types.Order, error) {
	candidates, err := tx.RestingOrders(ctx, order.SymbolID, order.Side.Opposite())
	if err != nil {
		return nil, err
	}

	var book []*types.Order
	remaining := order.Remaining()
	for i := range candidates {
		candidate := &candidates[i]
		if remaining <= 0 || !matching.Crosses(order, candidate) {
			break
		}
		if err := set.Lock(ctx, locks.OrderKey(candidate.ID)); err != nil {
			return nil, err
		}
		fresh, err := tx.LockOrder(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		if !fresh.Resting() || fresh.Remaining() <= 0 {
			continue
		}
		book = append(book, fresh)
		remaining -= min(remaining, fresh.Remaining())
	}
	return book, nil
}

// CancelOrder cancels a resting order of the user and releases what is still
// reserved for it
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uint) (*types.Order, error) {
	logger := log.With().
		Str("service", "trading").
		Uint("user_id", userID).
		Uint("order_id", orderID).
		Logger()

	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, types.ErrNotOwner
	}
	if !order.Resting() {
		return nil, fmt.Errorf("%w: order is %s", types.ErrNotCancelable, order.Status)
	}

	var canceled *types.Order
	err = func() error {
		set := s.locks.NewSet()
		defer set.Release()

		ctx := context.WithoutCancel(ctx)
		return s.db.InTx(ctx, func(tx *Database) error {
			lx := ledger.NewTx(tx.Gorm(), set)

			if _, err := lx.Account(ctx, userID); err != nil {
				return err
			}
			if order.Side == types.SideSell {
				if _, err := lx.Holding(ctx, userID, order.SymbolID); err != nil {
					return err
				}
			}
			if err := set.Lock(ctx, locks.OrderKey(order.ID)); err != nil {
				return err
			}

			fresh, err := tx.LockOrder(ctx, order.ID)
			if err != nil {
				return err
			}
			if !fresh.Resting() {
				return fmt.Errorf("%w: order is %s", types.ErrNotCancelable, fresh.Status)
			}

			remaining := fresh.Remaining()
			if fresh.Side == types.SideBuy {
				err = lx.ReleaseCash(ctx, userID, types.Notional(fresh.Price, remaining))
			} else {
				err = lx.ReleaseShares(ctx, userID, fresh.SymbolID, remaining)
			}
			if err != nil {
				return err
			}

			fresh.Status = types.StatusCanceled
			if err := tx.SaveFill(ctx, fresh, s.now()); err != nil {
				return err
			}
			canceled = fresh
			return nil
		})
	}()
	if err != nil {
		if errors.Is(err, types.ErrInvariantViolation) {
			metrics.InvariantViolation("cancel_order")
			logger.Error().Err(err).Msg("ledger invariant violated, cancel rolled back")
		}
		return nil, err
	}

	canceled.Symbol = order.Symbol
	metrics.OrderCanceled(order.Symbol.Name)
	logger.Info().
		Str("symbol", order.Symbol.Name).
		Int64("released_quantity", canceled.Remaining()).
		Msg("order canceled")

	s.notifyBook(ctx, order.Symbol.Name)
	return canceled, nil
}

// GetOrder returns one of the user's orders
func (s *Service) GetOrder(ctx context.Context, userID, orderID uint) (*types.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		// Other users' orders are indistinguishable from missing ones
		return nil, fmt.Errorf("%w: %d", types.ErrOrderNotFound, orderID)
	}
	return order, nil
}

// ListOrders returns the user's orders, newest first
func (s *Service) ListOrders(ctx context.Context, filter OrderFilter) ([]types.Order, error) {
	return s.db.ListOrders(ctx, filter)
}

func (s *Service) replay(ctx context.Context, userID uint, key string) (*types.Order, error) {
	record, err := s.db.GetIdempotencyRecord(ctx, userID, key, s.now())
	if err != nil || record == nil {
		return nil, err
	}
	return s.db.GetOrder(ctx, record.ResourceID)
}

func validateOrder(price decimal.Decimal, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", types.ErrInvalidOrder)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", types.ErrInvalidOrder)
	}
	if !price.Equal(price.Round(types.PriceDecimals)) {
		return fmt.Errorf("%w: price has more than %d decimal places", types.ErrInvalidOrder, types.PriceDecimals)
	}
	if price.GreaterThanOrEqual(maxPrice) {
		return fmt.Errorf("%w: price too large", types.ErrInvalidOrder)
	}
	return nil
}

// checkPriceBand rejects prices outside [ref × (1 - band), ref × (1 + band)].
// Without a reference price every positive price is accepted.
func (s *Service) checkPriceBand(symbol *types.Symbol, price decimal.Decimal) error {
	ref, ok := symbol.ReferencePrice()
	if !ok || !ref.IsPositive() {
		return nil
	}
	low := ref.Mul(decimal.NewFromInt(1).Sub(s.band))
	high := ref.Mul(decimal.NewFromInt(1).Add(s.band))
	if price.LessThan(low) || price.GreaterThan(high) {
		return fmt.Errorf("%w: price %s outside [%s, %s]", types.ErrPriceOutOfBand,
			price.StringFixed(types.PriceDecimals), low.StringFixed(types.PriceDecimals), high.StringFixed(types.PriceDecimals))
	}
	return nil
}

func (s *Service) reject(logger zerolog.Logger, err error) error {
	metrics.OrderRejected(rejectReason(err))
	if types.IsBusinessError(err) {
		logger.Info().Err(err).Msg("order rejected")
	} else {
		logger.Warn().Err(err).Msg("order failed")
	}
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, types.ErrSymbolNotFound):
		return "symbol_not_found"
	case errors.Is(err, types.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, types.ErrPriceOutOfBand):
		return "price_out_of_band"
	case errors.Is(err, types.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, types.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, types.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, types.ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "internal"
	}
}

// notifyBook and notifyPrices run after commit; failures are only logged
func (s *Service) notifyBook(ctx context.Context, symbol string) {
	if err := s.notifier.OrderBookChanged(ctx, symbol); err != nil {
		log.Warn().Err(err).Str("service", "trading").Str("symbol", symbol).Msg("order book broadcast failed")
	}
}

func (s *Service) notifyPrices(ctx context.Context) {
	quotes, err := database.Quotes(ctx, s.db.Gorm())
	if err != nil {
		log.Warn().Err(err).Str("service", "trading").Msg("failed to load prices for broadcast")
		return
	}
	if err := s.notifier.PricesChanged(ctx, quotes); err != nil {
		log.Warn().Err(err).Str("service", "trading").Msg("price broadcast failed")
	}
}
