package messaging

import (
	"fmt"
	"sort"
	"sync"
)

// ExchangeTracker indexes live exchanges by ID.
// Complete succeeds once per exchange, which guards terminal delivery.
type ExchangeTracker struct {
	exchanges map[string]*Exchange
	completed uint64
	mu        sync.RWMutex
}

// NewExchangeTracker creates an empty tracker
func NewExchangeTracker() *ExchangeTracker {
	return &ExchangeTracker{
		exchanges: make(map[string]*Exchange),
	}
}

// Track adds an exchange
func (t *ExchangeTracker) Track(ex *Exchange) error {
	if ex == nil {
		return fmt.Errorf("exchange cannot be nil")
	}
	if ex.ID() == "" {
		return fmt.Errorf("exchange ID is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.exchanges[ex.ID()]; exists {
		return fmt.Errorf("exchange already tracked: %s", ex.ID())
	}
	t.exchanges[ex.ID()] = ex
	return nil
}

// Get retrieves a live exchange
func (t *ExchangeTracker) Get(id string) (*Exchange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ex, exists := t.exchanges[id]
	return ex, exists
}

// Active returns all live exchanges ordered by creation time
func (t *ExchangeTracker) Active() []*Exchange {
	t.mu.RLock()
	active := make([]*Exchange, 0, len(t.exchanges))
	for _, ex := range t.exchanges {
		active = append(active, ex)
	}
	t.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt().Before(active[j].CreatedAt())
	})
	return active
}

// Complete removes an exchange, reporting whether this call removed it
func (t *ExchangeTracker) Complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.exchanges[id]; !exists {
		return false
	}
	delete(t.exchanges, id)
	t.completed++
	return true
}

// Len returns the number of live exchanges
func (t *ExchangeTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.exchanges)
}

// Completed returns how many exchanges have been completed
func (t *ExchangeTracker) Completed() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.completed
}
