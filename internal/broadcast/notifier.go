// Package broadcast pushes order book and price changes to subscribers after
// a write has committed. Delivery is best effort: a failed push never reaches
// the caller that triggered it.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
)

// Notifier receives change notifications
type Notifier interface {
	OrderBookChanged(ctx context.Context, symbol string) error
	PricesChanged(ctx context.Context, quotes []types.PriceQuote) error
}

// BookSource loads the current aggregated book of a symbol
type BookSource interface {
	GetOrderBook(ctx context.Context, symbol string) (*types.OrderBook, error)
}

// Nop discards every notification
type Nop struct{}

func (Nop) OrderBookChanged(context.Context, string) error { return nil }
func (Nop) PricesChanged(context.Context, []types.PriceQuote) error { return nil }

// Multi fans a notification out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) OrderBookChanged(ctx context.Context, symbol string) error {
	var errs []error
	for _, n := range m {
		if err := n.OrderBookChanged(ctx, symbol); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PricesChanged(ctx context.Context, quotes []types.PriceQuote) error {
	var errs []error
	for _, n := range m {
		if err := n.PricesChanged(ctx, quotes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	defaultQueueSize       = 256
	defaultDeliveryTimeout = 5 * time.Second
)

// ErrQueueFull is returned when the async queue cannot take another event
var ErrQueueFull = errors.New("broadcast queue full")

// Async delivers notifications from a single background goroutine so the
// request that triggered them never waits on subscribers
type Async struct {
	next    Notifier
	timeout time.Duration
	queue   chan func(ctx context.Context) error

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsync starts the delivery goroutine. Close stops it after draining.
func NewAsync(next Notifier) *Async {
	a := &Async{
		next:    next,
		timeout: defaultDeliveryTimeout,
		queue:   make(chan func(ctx context.Context) error, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for deliver := range a.queue {
		a.deliver(deliver)
	}
}

func (a *Async) deliver(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "broadcast").Interface("panic", r).Msg("broadcast delivery panicked")
		}
	}()

	if err := fn(ctx); err != nil {
		log.Warn().Str("component", "broadcast").Err(err).Msg("broadcast delivery failed")
	}
}

func (a *Async) enqueue(fn func(ctx context.Context) error) (err error) {
	defer func() {
		// Sending on a closed queue after shutdown
		if recover() != nil {
			err = errors.New("broadcast closed")
		}
	}()

	select {
	case a.queue <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) OrderBookChanged(_ context.Context, symbol string) error {
	return a.enqueue(func(ctx context.Context) error {
		return a.next.OrderBookChanged(ctx, symbol)
	})
}

func (a *Async) PricesChanged(_ context.Context, quotes []types.PriceQuote) error {
	snapshot := append([]types.PriceQuote(nil), quotes...)
	return a.enqueue(func(ctx context.Context) error {
		return a.next.PricesChanged(ctx, snapshot)
	})
}

// Close stops accepting events and waits until queued ones are delivered
func (a *Async) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.queue) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broadcast drain: %w", ctx.Err())
	}
}
