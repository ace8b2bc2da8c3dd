package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Provisioner creates the cash account and seed holdings of a new user
type Provisioner struct {
	db           *gorm.DB
	startingCash decimal.Decimal
	seedShares   int64
}

// NewProvisioner creates a provisioner granting startingCash and seedShares of every symbol
func NewProvisioner(db *gorm.DB, startingCash decimal.Decimal, seedShares int64) *Provisioner {
	return &Provisioner{db: db, startingCash: startingCash, seedShares: seedShares}
}

// OnUserCreated is called synchronously by user management after a user row
// is inserted. Running it twice for the same user is a no-op.
func (p *Provisioner) OnUserCreated(ctx context.Context, user *types.User) error {
	logger := log.With().
		Uint("user_id", user.ID).
		Str("service", "ledger").
		Logger()

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		portfolio := types.Portfolio{
			UserID:           user.ID,
			AvailableBalance: p.startingCash,
			ReservedBalance:  decimal.Zero,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&portfolio)
		if res.Error != nil {
			return fmt.Errorf("failed to create portfolio: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if p.seedShares > 0 {
			var symbols []types.Symbol
			if err := tx.Find(&symbols).Error; err != nil {
				return err
			}
			for _, s := range symbols {
				h := types.Holding{UserID: user.ID, SymbolID: s.ID, AvailableQuantity: p.seedShares}
				if err := tx.Omit(clause.Associations).Create(&h).Error; err != nil {
					return fmt.Errorf("failed to seed holding: %w", err)
				}
			}
		}

		logger.Info().
			Str("starting_cash", p.startingCash.StringFixed(types.PriceDecimals)).
			Int64("seed_shares", p.seedShares).
			Msg("provisioned portfolio")
		return nil
	})
}

// Service exposes read access to balances and holdings
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// GetPortfolio returns a user's cash balances
func (s *Service) GetPortfolio(ctx context.Context, userID uint) (*types.PortfolioResponse, error) {
	var p types.Portfolio
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error; err != nil {
		return nil, err
	}
	return &types.PortfolioResponse{
		AvailableBalance: p.AvailableBalance.StringFixed(types.PriceDecimals),
		ReservedBalance:  p.ReservedBalance.StringFixed(types.PriceDecimals),
	}, nil
}

// ListHoldings returns every holding of a user with its symbol name
func (s *Service) ListHoldings(ctx context.Context, userID uint) ([]types.HoldingResponse, error) {
	var holdings []types.Holding
	err := s.db.WithContext(ctx).
		Preload("Symbol").
		Where("user_id = ?", userID).
		Order("id").
		Find(&holdings).Error
	if err != nil {
		return nil, err
	}

	out := make([]types.HoldingResponse, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, types.HoldingResponse{
			Symbol:            h.Symbol.Name,
			AvailableQuantity: h.AvailableQuantity,
			ReservedQuantity:  h.ReservedQuantity,
		})
	}
	return out, nil
}

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetPortfolioHandler handles GET /portfolio for the authenticated user
func (h *GinHandlers) GetPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		portfolio, err := h.service.GetPortfolio(c.Request.Context(), userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c, "Portfolio not found")
			return
		}
		response.Handle(c, portfolio, err)
	}
}

// ListHoldingsHandler handles GET /holdings for the authenticated user
func (h *GinHandlers) ListHoldingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		holdings, err := h.service.ListHoldings(c.Request.Context(), userID)
		response.Handle(c, holdings, err)
	}
}
