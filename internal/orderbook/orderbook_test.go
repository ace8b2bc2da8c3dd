package orderbook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/database/dbtest"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func rest(t *testing.T, db *gorm.DB, userID, symbolID uint, side types.Side, price string, qty, filled int64, status types.OrderStatus) {
	t.Helper()
	o := &types.Order{
		UserID:         userID,
		SymbolID:       symbolID,
		Side:           side,
		Price:          decimal.RequireFromString(price),
		Quantity:       qty,
		FilledQuantity: filled,
		Status:         status,
	}
	require.NoError(t, db.Omit(clause.Associations).Create(o).Error)
}

func TestService_GetOrderBook(t *testing.T) {
	db := dbtest.New(t)
	u := dbtest.User(t, db, "alice", "0")
	acme := dbtest.Symbol(t, db, "ACME", "100")
	other := dbtest.Symbol(t, db, "OTHER", "10")

	rest(t, db, u.ID, acme.ID, types.SideBuy, "99", 10, 0, types.StatusOpen)
	rest(t, db, u.ID, acme.ID, types.SideBuy, "99.00", 5, 2, types.StatusPartial)
	rest(t, db, u.ID, acme.ID, types.SideBuy, "100.5", 1, 0, types.StatusOpen)
	rest(t, db, u.ID, acme.ID, types.SideBuy, "98", 4, 4, types.StatusFilled)
	rest(t, db, u.ID, acme.ID, types.SideSell, "102", 7, 0, types.StatusOpen)
	rest(t, db, u.ID, acme.ID, types.SideSell, "101", 3, 0, types.StatusOpen)
	rest(t, db, u.ID, acme.ID, types.SideSell, "101.5", 9, 0, types.StatusCanceled)
	rest(t, db, u.ID, other.ID, types.SideSell, "10", 1, 0, types.StatusOpen)

	book, err := NewService(db).GetOrderBook(context.Background(), "acme")
	require.NoError(t, err)

	assert.Equal(t, "ACME", book.Symbol)
	assert.Equal(t, []types.PriceLevel{
		{Price: "100.50", TotalQuantity: 1},
		{Price: "99.00", TotalQuantity: 13},
	}, book.Bids)
	assert.Equal(t, []types.PriceLevel{
		{Price: "101.00", TotalQuantity: 3},
		{Price: "102.00", TotalQuantity: 7},
	}, book.Asks)
}

func TestService_GetOrderBookEmptyAndUnknown(t *testing.T) {
	db := dbtest.New(t)
	dbtest.Symbol(t, db, "ACME", "")
	svc := NewService(db)

	book, err := svc.GetOrderBook(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
	assert.Empty(t, book.Asks)

	_, err = svc.GetOrderBook(context.Background(), "NOPE")
	assert.ErrorIs(t, err, types.ErrSymbolNotFound)
}

func TestGetOrderBookHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := dbtest.New(t)
	dbtest.Symbol(t, db, "ACME", "100")

	r := gin.New()
	r.GET("/orderbook", NewGinHandlers(NewService(db)).GetOrderBookHandler())

	for path, status := range map[string]int{
		"/orderbook?symbol=acme": http.StatusOK,
		"/orderbook":             http.StatusBadRequest,
		"/orderbook?symbol=XYZ":  http.StatusNotFound,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, status, w.Code, path)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orderbook?symbol=acme", nil))
	var body struct {
		response.Response
		Data types.OrderBook `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ACME", body.Data.Symbol)
	assert.NotNil(t, body.Data.Bids)
}
