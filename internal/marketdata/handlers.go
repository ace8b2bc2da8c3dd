package marketdata

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/pkg/response"
)

// GinHandlers contains HTTP handlers for market data endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListSymbolsHandler handles GET /symbols?q=AC
func (h *GinHandlers) ListSymbolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		names, err := h.service.ListSymbols(c.Request.Context(), c.Query("q"))
		response.Handle(c, names, err)
	}
}

// PricesHandler handles GET /prices
func (h *GinHandlers) PricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		quotes, err := h.service.Prices(c.Request.Context())
		response.Handle(c, quotes, err)
	}
}

// CandlesHandler handles GET /candles?symbol=ACME&interval=5m&limit=50
func (h *GinHandlers) CandlesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Query("symbol")
		if symbol == "" {
			response.BadRequest(c, "Symbol required")
			return
		}

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "Invalid limit")
				return
			}
			limit = n
		}

		candles, err := h.service.Candles(c.Request.Context(), symbol, c.Query("interval"), limit)
		if errors.Is(err, ErrInvalidInterval) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, candles, err)
	}
}

// CreateSymbolHandler handles POST /internal/symbols
func (h *GinHandlers) CreateSymbolHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSymbolRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		quote, err := h.service.CreateSymbol(c.Request.Context(), req)
		if errors.Is(err, ErrInvalidSymbol) {
			response.ValidationFailed(c, err.Error())
			return
		}
		response.Handle(c, quote, err)
	}
}
