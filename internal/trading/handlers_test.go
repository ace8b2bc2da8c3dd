package trading

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/database/dbtest"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderBody struct {
	response.Response
	Data types.OrderResponse `json:"data"`
}

func setupRouter(t *testing.T) (*gin.Engine, uint, uint) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.New(t)
	dbtest.Symbol(t, db, "ACME", "100")
	alice := dbtest.User(t, db, "alice", "10000")
	bob := dbtest.User(t, db, "bob", "10000")
	h := NewGinHandlers(newService(db, Options{}))

	r := gin.New()
	orders := r.Group("/orders", func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(auth.ContextUserID, id)
		}
	})
	orders.POST("", h.CreateOrderHandler())
	orders.GET("", h.ListOrdersHandler())
	orders.GET("/:order_id", h.GetOrderHandler())
	orders.POST("/:order_id/cancel", h.CancelOrderHandler())
	return r, alice.ID, bob.ID
}

func do(r *gin.Engine, method, path string, userID uint, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set("X-Test-User", fmt.Sprint(userID))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOrderHandlers(t *testing.T) {
	r, alice, bob := setupRouter(t)

	w := do(r, http.MethodPost, "/orders", alice, `{"symbol":"acme","side":"buy","price":"99.50","quantity":10}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created orderBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "ACME", created.Data.SymbolName)
	assert.Equal(t, "99.50", created.Data.Price)
	assert.Equal(t, types.StatusOpen, created.Data.Status)
	assert.Equal(t, int64(10), created.Data.RemainingQuantity)

	path := fmt.Sprintf("/orders/%d", created.Data.ID)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, path, alice, "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, path, bob, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/orders/abc", alice, "").Code)

	w = do(r, http.MethodGet, "/orders?status=OPEN&symbol=ACME", alice, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		response.Response
		Data []types.OrderResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/orders?status=DONE", alice, "").Code)

	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, path+"/cancel", bob, "").Code)
	w = do(r, http.MethodPost, path+"/cancel", alice, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var canceled orderBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &canceled))
	assert.Equal(t, types.StatusCanceled, canceled.Data.Status)
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, path+"/cancel", alice, "").Code)
}

func TestCreateOrderHandler_Rejections(t *testing.T) {
	r, alice, _ := setupRouter(t)

	tests := []struct {
		name   string
		user   uint
		body   string
		status int
	}{
		{"no user", 0, `{"symbol":"ACME","side":"BUY","price":"100","quantity":1}`, http.StatusUnauthorized},
		{"malformed", alice, `{"symbol":`, http.StatusBadRequest},
		{"missing side", alice, `{"symbol":"ACME","price":"100","quantity":1}`, http.StatusBadRequest},
		{"unknown symbol", alice, `{"symbol":"NOPE","side":"BUY","price":"100","quantity":1}`, http.StatusNotFound},
		{"out of band", alice, `{"symbol":"ACME","side":"BUY","price":"200","quantity":1}`, http.StatusBadRequest},
		{"too expensive", alice, `{"symbol":"ACME","side":"BUY","price":"100","quantity":1000}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/orders", tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestCreateOrderHandler_IdempotencyHeader(t *testing.T) {
	r, alice, _ := setupRouter(t)
	body := `{"symbol":"ACME","side":"BUY","price":"100","quantity":1}`

	var ids []uint
	for i := 0; i < 2; i++ {
		w := do(r, http.MethodPost, "/orders", alice, body, IdempotencyKeyHeader, "abc")
		require.Equal(t, http.StatusCreated, w.Code)
		var created orderBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		ids = append(ids, created.Data.ID)
	}
	assert.Equal(t, ids[0], ids[1])
}
