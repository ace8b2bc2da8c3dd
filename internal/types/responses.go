package types

import "time"

// OrderResponse is the API representation of an order
type OrderResponse struct {
	ID                uint        `json:"id"`
	UserID            uint        `json:"user"`
	Side              Side        `json:"side"`
	Price             string      `json:"price"`
	Quantity          int64       `json:"quantity"`
	FilledQuantity    int64       `json:"filled_quantity"`
	RemainingQuantity int64       `json:"remaining_quantity"`
	Status            OrderStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	SymbolName        string      `json:"symbol_name"`
}

// NewOrderResponse builds the API view of an order
func NewOrderResponse(o *Order, symbolName string) OrderResponse {
	return OrderResponse{
		ID:                o.ID,
		UserID:            o.UserID,
		Side:              o.Side,
		Price:             o.Price.StringFixed(PriceDecimals),
		Quantity:          o.Quantity,
		FilledQuantity:    o.FilledQuantity,
		RemainingQuantity: o.Remaining(),
		Status:            o.Status,
		CreatedAt:         o.CreatedAt,
		SymbolName:        symbolName,
	}
}

// PriceLevel is one aggregated row of the order book
type PriceLevel struct {
	Price         string `json:"price"`
	TotalQuantity int64  `json:"total_quantity"`
}

type OrderBook struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// PriceQuote is the reference price of one symbol
type PriceQuote struct {
	Symbol    string     `json:"symbol"`
	Price     *string    `json:"price"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// NewPriceQuote builds a quote from a symbol row
func NewPriceQuote(s *Symbol) PriceQuote {
	q := PriceQuote{Symbol: s.Name, UpdatedAt: s.LastPriceUpdatedAt}
	if s.LastPrice.Valid {
		p := s.LastPrice.Decimal.StringFixed(PriceDecimals)
		q.Price = &p
	}
	return q
}

// TradeResponse is a trade seen from one participant's side
type TradeResponse struct {
	TradeID   string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     string    `json:"price"`
	Quantity  int64     `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

type PortfolioResponse struct {
	AvailableBalance string `json:"available_balance"`
	ReservedBalance  string `json:"reserved_balance"`
}

type HoldingResponse struct {
	Symbol            string `json:"symbol"`
	AvailableQuantity int64  `json:"available_quantity"`
	ReservedQuantity  int64  `json:"reserved_quantity"`
}
