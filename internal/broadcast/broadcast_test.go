package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticBooks struct {
	mu   sync.Mutex
	book types.OrderBook
}

func (s *staticBooks) set(book types.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.book = book
}

func (s *staticBooks) GetOrderBook(_ context.Context, symbol string) (*types.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !strings.EqualFold(symbol, s.book.Symbol) {
		return nil, types.ErrSymbolNotFound
	}
	b := s.book
	return &b, nil
}

type recorder struct {
	mu     sync.Mutex
	books  []string
	prices [][]types.PriceQuote
	err    error
}

func (r *recorder) OrderBookChanged(_ context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books = append(r.books, symbol)
	return r.err
}

func (r *recorder) PricesChanged(_ context.Context, quotes []types.PriceQuote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = append(r.prices, quotes)
	return r.err
}

type panicky struct{}

func (panicky) OrderBookChanged(context.Context, string) error { panic("boom") }
func (panicky) PricesChanged(context.Context, []types.PriceQuote) error { panic("boom") }

func price(s string) *string { return &s }

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	a := &recorder{}
	b := &recorder{err: errors.New("down")}
	m := Multi{a, b}

	err := m.OrderBookChanged(context.Background(), "ACME")
	assert.Error(t, err)
	assert.Equal(t, []string{"ACME"}, a.books)
	assert.Equal(t, []string{"ACME"}, b.books)
}

func TestAsync_DeliversOffCallerAndSurvivesPanics(t *testing.T) {
	rec := &recorder{}
	async := NewAsync(Multi{panicky{}, rec})
	async2 := NewAsync(rec)

	require.NoError(t, async.OrderBookChanged(context.Background(), "ACME"))
	require.NoError(t, async2.OrderBookChanged(context.Background(), "ACME"))
	quotes := []types.PriceQuote{{Symbol: "ACME", Price: price("100.00")}}
	require.NoError(t, async2.PricesChanged(context.Background(), quotes))
	quotes[0].Symbol = "MUTATED"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, async.Close(ctx))
	require.NoError(t, async2.Close(ctx))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"ACME"}, rec.books)
	require.Len(t, rec.prices, 1)
	assert.Equal(t, "ACME", rec.prices[0][0].Symbol)

	assert.Error(t, async.OrderBookChanged(context.Background(), "ACME"))
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, v))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestHub_OrderBookSubscription(t *testing.T) {
	books := &staticBooks{book: types.OrderBook{
		Symbol: "ACME",
		Bids:   []types.PriceLevel{{Price: "99.00", TotalQuantity: 5}},
		Asks:   []types.PriceLevel{},
	}}
	hub := NewHub(books)

	r := gin.New()
	r.GET("/ws/orderbook", hub.OrderBookHandler())
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dial(t, srv, "/ws/orderbook?symbol=acme")

	var initial types.OrderBook
	readJSON(t, conn, &initial)
	assert.Equal(t, "ACME", initial.Symbol)
	require.Len(t, initial.Bids, 1)

	waitFor(t, func() bool { return hub.Subscribers(OrderBookGroup("ACME")) == 1 })

	books.set(types.OrderBook{Symbol: "ACME", Bids: []types.PriceLevel{}, Asks: []types.PriceLevel{{Price: "101.00", TotalQuantity: 3}}})
	require.NoError(t, hub.OrderBookChanged(context.Background(), "ACME"))

	var update types.OrderBook
	readJSON(t, conn, &update)
	require.Len(t, update.Asks, 1)
	assert.Equal(t, "101.00", update.Asks[0].Price)

	conn.Close()
	waitFor(t, func() bool { return hub.Subscribers(OrderBookGroup("ACME")) == 0 })
}

func TestHub_OrderBookRequiresKnownSymbol(t *testing.T) {
	hub := NewHub(&staticBooks{book: types.OrderBook{Symbol: "ACME"}})
	r := gin.New()
	r.GET("/ws/orderbook", hub.OrderBookHandler())
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/orderbook", nil)
	require.Error(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"/ws/orderbook?symbol=NOPE", nil)
	require.Error(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestHub_Prices(t *testing.T) {
	hub := NewHub(&staticBooks{})
	r := gin.New()
	r.GET("/ws/prices", hub.PricesHandler())
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dial(t, srv, "/ws/prices")
	waitFor(t, func() bool { return hub.Subscribers(PricesGroup) == 1 })

	require.NoError(t, hub.PricesChanged(context.Background(), []types.PriceQuote{{Symbol: "ACME", Price: price("100.50")}}))

	var quotes []types.PriceQuote
	readJSON(t, conn, &quotes)
	require.Len(t, quotes, 1)
	assert.Equal(t, "100.50", *quotes[0].Price)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifier(t *testing.T) {
	w := &fakeWriter{}
	books := &staticBooks{book: types.OrderBook{Symbol: "ACME", Bids: []types.PriceLevel{}, Asks: []types.PriceLevel{}}}
	k := NewKafkaNotifier(w, books)

	require.NoError(t, k.OrderBookChanged(context.Background(), "acme"))
	require.NoError(t, k.PricesChanged(context.Background(), []types.PriceQuote{{Symbol: "ACME"}}))
	require.Len(t, w.msgs, 2)

	assert.Equal(t, "ACME", string(w.msgs[0].Key))
	var ev Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, EventOrderBookChanged, ev.Type)
	assert.NotEmpty(t, ev.ID)
	require.NotNil(t, ev.OrderBook)

	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &ev))
	assert.Equal(t, EventPricesChanged, ev.Type)
	assert.Len(t, ev.Prices, 1)

	w.err = errors.New("broker down")
	assert.ErrorContains(t, k.PricesChanged(context.Background(), nil), "broker down")
}
