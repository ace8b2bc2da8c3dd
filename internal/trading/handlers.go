package trading

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
)

// IdempotencyKeyHeader lets clients retry order placement safely
const IdempotencyKeyHeader = "Idempotency-Key"

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST /orders
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, "Invalid order request: "+err.Error())
			return
		}
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))

		order, err := h.service.PlaceOrder(c.Request.Context(), userID, req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, types.NewOrderResponse(order, order.Symbol.Name))
	}
}

// ListOrdersHandler handles GET /orders?status=OPEN,PARTIAL&symbol=ACME
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		statuses, err := ParseStatuses(c.Query("status"))
		if err != nil {
			response.ValidationFailed(c, err.Error())
			return
		}

		orders, err := h.service.ListOrders(c.Request.Context(), OrderFilter{
			UserID:   userID,
			Statuses: statuses,
			Symbol:   c.Query("symbol"),
		})
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		out := make([]types.OrderResponse, 0, len(orders))
		for i := range orders {
			out = append(out, types.NewOrderResponse(&orders[i], orders[i].Symbol.Name))
		}
		response.OK(c, out)
	}
}

// GetOrderHandler handles GET /orders/:order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID, ok := orderIDParam(c)
		if !ok {
			return
		}

		order, err := h.service.GetOrder(c.Request.Context(), userID, orderID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, types.NewOrderResponse(order, order.Symbol.Name))
	}
}

// CancelOrderHandler handles POST /orders/:order_id/cancel
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID, ok := orderIDParam(c)
		if !ok {
			return
		}

		order, err := h.service.CancelOrder(c.Request.Context(), userID, orderID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, types.NewOrderResponse(order, order.Symbol.Name))
	}
}

func orderIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "Invalid order ID")
		return 0, false
	}
	return uint(id), true
}
