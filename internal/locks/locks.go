// Package locks provides exclusive locks keyed by entity identity.
//
// Each place/cancel call takes a Set and acquires keys in the order
// account, holdings, target orders, then counterparty orders as matching
// visits them. Waiting is bounded by the manager timeout so a lock cycle
// between two calls turns into ErrLockTimeout for one of them instead of
// hanging forever.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"golang.org/x/sync/semaphore"
)

// AccountKey identifies a user's portfolio row
func AccountKey(userID uint) string {
	return fmt.Sprintf("account:%d", userID)
}

// HoldingKey identifies a (user, symbol) holding row
func HoldingKey(userID, symbolID uint) string {
	return fmt.Sprintf("holding:%d:%d", userID, symbolID)
}

// OrderKey identifies an order row
func OrderKey(orderID uint) string {
	return fmt.Sprintf("order:%d", orderID)
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Manager owns the lock table
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

// NewManager creates a lock manager. timeout bounds how long a single
// acquisition waits before giving up.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		timeout: timeout,
	}
}

func (m *Manager) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Len returns the number of keys currently held or waited on
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// NewSet starts an empty set of locks for one unit of work
func (m *Manager) NewSet() *Set {
	return &Set{manager: m, held: make(map[string]*entry)}
}

// Set is the group of locks held by one call. It is not safe for concurrent use.
type Set struct {
	manager *Manager
	held    map[string]*entry
	order   []string
}

// Lock acquires key unless the set already holds it
func (s *Set) Lock(ctx context.Context, key string) error {
	if _, ok := s.held[key]; ok {
		return nil
	}

	e := s.manager.ref(key)
	waitCtx := ctx
	if s.manager.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.manager.timeout)
		defer cancel()
	}

	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		s.manager.unref(key, e)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s", types.ErrLockTimeout, key)
		}
		return err
	}

	s.held[key] = e
	s.order = append(s.order, key)
	return nil
}

// Holds reports whether key is held by this set
func (s *Set) Holds(key string) bool {
	_, ok := s.held[key]
	return ok
}

// Release gives back every lock in reverse acquisition order
func (s *Set) Release() {
	for i := len(s.order) - 1; i >= 0; i-- {
		key := s.order[i]
		e := s.held[key]
		e.sem.Release(1)
		s.manager.unref(key, e)
	}
	s.held = make(map[string]*entry)
	s.order = nil
}
