package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/segmentio/kafka-go"
)

// Event types published to the event stream
const (
	EventOrderBookChanged = "orderbook_update"
	EventPricesChanged    = "prices_update"
)

// Event is the message body written to Kafka
type Event struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	Symbol    string             `json:"symbol,omitempty"`
	OrderBook *types.OrderBook   `json:"order_book,omitempty"`
	Prices    []types.PriceQuote `json:"prices,omitempty"`
	EmittedAt time.Time          `json:"emitted_at"`
}

// MessageWriter is the part of *kafka.Writer the notifier uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes change events to a topic
type KafkaNotifier struct {
	writer MessageWriter
	books  BookSource
}

// NewKafkaWriter creates a synchronous writer requiring every replica's ack
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewKafkaNotifier(writer MessageWriter, books BookSource) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, books: books}
}

func (k *KafkaNotifier) OrderBookChanged(ctx context.Context, symbol string) error {
	book, err := k.books.GetOrderBook(ctx, symbol)
	if err != nil {
		return err
	}
	return k.send(ctx, book.Symbol, Event{
		Type:      EventOrderBookChanged,
		Symbol:    book.Symbol,
		OrderBook: book,
	})
}

func (k *KafkaNotifier) PricesChanged(ctx context.Context, quotes []types.PriceQuote) error {
	return k.send(ctx, PricesGroup, Event{
		Type:   EventPricesChanged,
		Prices: quotes,
	})
}

func (k *KafkaNotifier) send(ctx context.Context, key string, event Event) error {
	event.ID = uuid.New().String()
	event.EmittedAt = time.Now().UTC()

	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
