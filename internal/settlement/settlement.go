package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/ledger"
	"github.com/ksred/klear-exchange/internal/matching"
	"github.com/ksred/klear-exchange/internal/metrics"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Settler turns trade intents into persisted trades and ledger movements
type Settler struct {
	now func() time.Time
}

func NewSettler() *Settler {
	return &Settler{now: time.Now}
}

// Settle records one trade inside tx, moves cash and shares through lx, and
// moves the symbol's reference price to the trade price. The buyer's
// reservation is released at the buy order's own limit, so any price
// improvement is refunded to the buyer.
func (s *Settler) Settle(ctx context.Context, tx *gorm.DB, lx *ledger.Tx, symbol *types.Symbol, intent matching.Intent) (*types.Trade, error) {
	trade := &types.Trade{
		TradeID:     uuid.New().String(),
		SymbolID:    symbol.ID,
		BuyOrderID:  intent.Buy.ID,
		SellOrderID: intent.Sell.ID,
		BuyerID:     intent.Buy.UserID,
		SellerID:    intent.Sell.UserID,
		Price:       intent.Price,
		Quantity:    intent.Quantity,
		CreatedAt:   s.now(),
	}

	logger := log.With().
		Str("service", "settlement").
		Str("trade_id", trade.TradeID).
		Str("symbol", symbol.Name).
		Logger()

	if intent.Buy.Price.LessThan(intent.Price) || intent.Sell.Price.GreaterThan(intent.Price) {
		return nil, fmt.Errorf("%w: trade price %s outside limits buy=%s sell=%s",
			types.ErrInvariantViolation, intent.Price, intent.Buy.Price, intent.Sell.Price)
	}

	if err := tx.WithContext(ctx).Omit(clause.Associations).Create(trade).Error; err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	err := lx.TransferOnTrade(ctx, ledger.Transfer{
		BuyerID:        trade.BuyerID,
		SellerID:       trade.SellerID,
		SymbolID:       symbol.ID,
		ReservedAmount: types.Notional(intent.Buy.Price, intent.Quantity),
		ActualAmount:   types.Notional(intent.Price, intent.Quantity),
		Quantity:       intent.Quantity,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to settle trade")
		return nil, err
	}

	now := s.now()
	err = tx.WithContext(ctx).
		Model(&types.Symbol{}).
		Where("id = ?", symbol.ID).
		Updates(map[string]interface{}{
			"last_price":            intent.Price,
			"last_price_updated_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update reference price: %w", err)
	}
	symbol.LastPrice = decimal.NewNullDecimal(intent.Price)
	symbol.LastPriceUpdatedAt = &now

	logger.Debug().
		Uint("buy_order_id", trade.BuyOrderID).
		Uint("sell_order_id", trade.SellOrderID).
		Str("price", trade.Price.StringFixed(types.PriceDecimals)).
		Int64("quantity", trade.Quantity).
		Msg("trade settled")

	return trade, nil
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// ListTrades returns a user's trades with the side seen from that user
func (s *Service) ListTrades(ctx context.Context, filter TradeFilter) ([]types.TradeResponse, error) {
	rows, err := NewDatabase(s.db).ListUserTrades(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]types.TradeResponse, 0, len(rows))
	for _, r := range rows {
		side := types.SideSell
		if r.BuyerID == filter.UserID {
			side = types.SideBuy
		}
		out = append(out, types.TradeResponse{
			TradeID:   r.TradeID,
			Symbol:    r.SymbolName,
			Side:      side,
			Price:     r.Price.StringFixed(types.PriceDecimals),
			Quantity:  r.Quantity,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

type holdingKey struct {
	userID   uint
	symbolID uint
}

// Reconcile checks the ledger against the resting orders in one read
// transaction. Reserved cash must equal the open BUY notional of a user and
// reserved shares the open SELL quantity; nothing may be negative.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{StartedAt: time.Now(), Discrepancies: []Discrepancy{}}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d := NewDatabase(tx)

		orders, err := d.RestingOrders(ctx)
		if err != nil {
			return err
		}
		portfolios, err := d.Portfolios(ctx)
		if err != nil {
			return err
		}
		holdings, err := d.Holdings(ctx)
		if err != nil {
			return err
		}
		inconsistent, err := d.InconsistentOrders(ctx)
		if err != nil {
			return err
		}

		expectedCash := make(map[uint]decimal.Decimal)
		expectedShares := make(map[holdingKey]int64)
		for i := range orders {
			o := &orders[i]
			if o.Side == types.SideBuy {
				expectedCash[o.UserID] = expectedCash[o.UserID].Add(types.Notional(o.Price, o.Remaining()))
			} else {
				expectedShares[holdingKey{o.UserID, o.SymbolID}] += o.Remaining()
			}
		}

		for _, p := range portfolios {
			if p.AvailableBalance.IsNegative() || p.ReservedBalance.IsNegative() {
				report.add(Discrepancy{
					Kind:     KindNegativeCash,
					UserID:   p.UserID,
					Expected: ">= 0",
					Actual:   fmt.Sprintf("available=%s reserved=%s", p.AvailableBalance, p.ReservedBalance),
				})
			}
			want := expectedCash[p.UserID]
			delete(expectedCash, p.UserID)
			if !want.Equal(p.ReservedBalance) {
				report.add(Discrepancy{
					Kind:     KindReservedCash,
					UserID:   p.UserID,
					Expected: want.StringFixed(types.PriceDecimals),
					Actual:   p.ReservedBalance.StringFixed(types.PriceDecimals),
				})
			}
		}
		for userID, want := range expectedCash {
			report.add(Discrepancy{Kind: KindReservedCash, UserID: userID, Expected: want.StringFixed(types.PriceDecimals), Actual: "no portfolio"})
		}

		for _, h := range holdings {
			if h.AvailableQuantity < 0 || h.ReservedQuantity < 0 {
				report.add(Discrepancy{
					Kind:     KindNegativeShares,
					UserID:   h.UserID,
					SymbolID: h.SymbolID,
					Expected: ">= 0",
					Actual:   fmt.Sprintf("available=%d reserved=%d", h.AvailableQuantity, h.ReservedQuantity),
				})
			}
			key := holdingKey{h.UserID, h.SymbolID}
			want := expectedShares[key]
			delete(expectedShares, key)
			if want != h.ReservedQuantity {
				report.add(Discrepancy{
					Kind:     KindReservedShares,
					UserID:   h.UserID,
					SymbolID: h.SymbolID,
					Expected: fmt.Sprint(want),
					Actual:   fmt.Sprint(h.ReservedQuantity),
				})
			}
		}
		for key, want := range expectedShares {
			report.add(Discrepancy{Kind: KindReservedShares, UserID: key.userID, SymbolID: key.symbolID, Expected: fmt.Sprint(want), Actual: "no holding"})
		}

		for _, o := range inconsistent {
			kind := KindOrderStatusDrift
			if o.FilledQuantity > o.Quantity || o.FilledQuantity < 0 {
				kind = KindOrderOverfilled
			}
			report.add(Discrepancy{
				Kind:     kind,
				UserID:   o.UserID,
				OrderID:  o.ID,
				Expected: fmt.Sprintf("filled<=%d", o.Quantity),
				Actual:   fmt.Sprintf("filled=%d status=%s", o.FilledQuantity, o.Status),
			})
		}

		report.CheckedAccounts = len(portfolios)
		report.CheckedHoldings = len(holdings)
		report.CheckedOrders = len(orders)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(report.Discrepancies, func(i, j int) bool {
		a, b := report.Discrepancies[i], report.Discrepancies[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.Kind < b.Kind
	})
	report.Duration = time.Since(report.StartedAt).String()

	for _, d := range report.Discrepancies {
		metrics.InvariantViolation("reconcile")
		log.Error().
			Err(types.ErrInvariantViolation).
			Str("service", "settlement").
			Str("kind", d.Kind).
			Uint("user_id", d.UserID).
			Uint("symbol_id", d.SymbolID).
			Uint("order_id", d.OrderID).
			Str("expected", d.Expected).
			Str("actual", d.Actual).
			Msg("ledger discrepancy")
	}
	return report, nil
}

func (r *ReconcileReport) add(d Discrepancy) {
	r.Discrepancies = append(r.Discrepancies, d)
}

// GinHandlers contains HTTP handlers for trade history and reconciliation
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListTradesHandler handles GET /trades with an optional symbol filter
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		trades, err := h.service.ListTrades(c.Request.Context(), TradeFilter{
			UserID: userID,
			Symbol: c.Query("symbol"),
		})
		response.Handle(c, trades, err)
	}
}

// ReconcileHandler handles POST /internal/reconcile
func (h *GinHandlers) ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.Reconcile(c.Request.Context())
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, report)
	}
}
