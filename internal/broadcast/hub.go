package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksred/klear-exchange/internal/metrics"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
	"github.com/rs/zerolog/log"
)

const (
	// PricesGroup receives every price snapshot
	PricesGroup = "prices"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 16
)

// OrderBookGroup names the group of a symbol's book subscribers
func OrderBookGroup(symbol string) string {
	return "orderbook_" + strings.ToUpper(strings.TrimSpace(symbol))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all connections
	},
}

type client struct {
	conn  *websocket.Conn
	group string
	send  chan []byte
}

// Hub keeps websocket subscribers grouped by channel
type Hub struct {
	books BookSource

	mu     sync.RWMutex
	groups map[string]map[*client]struct{}
}

func NewHub(books BookSource) *Hub {
	return &Hub{
		books:  books,
		groups: make(map[string]map[*client]struct{}),
	}
}

// Subscribers returns the number of clients in group
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[c.group]
	if !ok {
		members = make(map[*client]struct{})
		h.groups[c.group] = members
	}
	members[c] = struct{}{}
	metrics.WebsocketClientsAdd(groupKind(c.group), 1)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[c.group]
	if !ok {
		return
	}
	if _, ok := members[c]; !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.groups, c.group)
	}
	close(c.send)
	metrics.WebsocketClientsAdd(groupKind(c.group), -1)
}

func groupKind(group string) string {
	if group == PricesGroup {
		return PricesGroup
	}
	return "orderbook"
}

// publish queues payload for every client of group. Slow clients that have
// filled their buffer are dropped.
func (h *Hub) publish(group string, payload []byte) int {
	h.mu.RLock()
	var slow []*client
	sent := 0
	for c := range h.groups[group] {
		select {
		case c.send <- payload:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warn().Str("component", "hub").Str("group", group).Msg("dropping slow websocket client")
		h.unregister(c)
	}
	return sent
}

// OrderBookChanged pushes the current book of symbol to its subscribers
func (h *Hub) OrderBookChanged(ctx context.Context, symbol string) error {
	group := OrderBookGroup(symbol)
	if h.Subscribers(group) == 0 {
		return nil
	}
	book, err := h.books.GetOrderBook(ctx, symbol)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(book)
	if err != nil {
		return err
	}
	h.publish(group, payload)
	return nil
}

// PricesChanged pushes a price snapshot to the prices group
func (h *Hub) PricesChanged(_ context.Context, quotes []types.PriceQuote) error {
	if h.Subscribers(PricesGroup) == 0 {
		return nil
	}
	payload, err := json.Marshal(quotes)
	if err != nil {
		return err
	}
	h.publish(PricesGroup, payload)
	return nil
}

// OrderBookHandler upgrades GET /ws/orderbook?symbol= and sends the current
// book before any update
func (h *Hub) OrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := strings.TrimSpace(c.Query("symbol"))
		if symbol == "" {
			response.BadRequest(c, "symbol is required")
			return
		}

		book, err := h.books.GetOrderBook(c.Request.Context(), symbol)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		initial, err := json.Marshal(book)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		h.serve(c, OrderBookGroup(book.Symbol), initial)
	}
}

// PricesHandler upgrades GET /ws/prices
func (h *Hub) PricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.serve(c, PricesGroup, nil)
	}
}

func (h *Hub) serve(c *gin.Context, group string, initial []byte) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "hub").Msg("websocket upgrade failed")
		return
	}

	cl := &client{conn: conn, group: group, send: make(chan []byte, clientSendSize)}
	if initial != nil {
		cl.send <- initial
	}
	h.register(cl)

	go cl.writePump()
	cl.readPump(h)
}

// readPump discards client messages and unregisters on disconnect
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
