package interceptors

import (
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/messaging"
)

// ErrDuplicateMessage faults a request whose message ID was already processed
var ErrDuplicateMessage = errors.New("interceptors: duplicate message")

// ShortCircuitError reports a handler that answered a request itself
type ShortCircuitError struct {
	Handler string
	Reason  string
	Err     error
}

// Error implements the error interface
func (e *ShortCircuitError) Error() string {
	return fmt.Sprintf("%s short-circuited the chain: %s", e.Handler, e.Reason)
}

// Unwrap returns the underlying cause
func (e *ShortCircuitError) Unwrap() error {
	return e.Err
}

// IsShortCircuit checks if an error is a short-circuit error
func IsShortCircuit(err error) bool {
	var sc *ShortCircuitError
	return errors.As(err, &sc)
}

// ReplyCache stores reply content by key
type ReplyCache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{})
}

// CacheKeyFunc derives a cache key from a request; an empty key bypasses the cache
type CacheKeyFunc func(ex *messaging.Exchange) string

// ContentKey keys the cache on service, operation and request content text
func ContentKey(ex *messaging.Exchange) string {
	text, err := contracts.ContentAs[string](ex.Message())
	if err != nil {
		return ""
	}
	return ex.Service().String() + "#" + ex.Operation().Name + "#" + text
}

// MemoryCache is an unbounded in-memory ReplyCache
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]interface{}
}

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]interface{})}
}

// Get implements ReplyCache
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Set implements ReplyCache
func (c *MemoryCache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

// Len returns the number of cached replies
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

const cacheKeyProperty = "interceptors.cacheKey"

// CachingHandler replies to IN_OUT requests from a cache. On a miss it lets
// the request through and stores the reply content on the way back.
type CachingHandler struct {
	passive
	cache ReplyCache
	key   CacheKeyFunc
}

// NewCachingHandler creates a new caching handler; a nil key uses ContentKey
func NewCachingHandler(cache ReplyCache, key CacheKeyFunc) *CachingHandler {
	if key == nil {
		key = ContentKey
	}
	return &CachingHandler{cache: cache, key: key}
}

// HandleMessage implements messaging.ExchangeHandler
func (h *CachingHandler) HandleMessage(ex *messaging.Exchange) error {
	if ex.Pattern() != messaging.InOut {
		return nil
	}

	switch ex.Phase() {
	case messaging.PhaseIn:
		key := h.key(ex)
		if key == "" {
			return nil
		}
		if cached, hit := h.cache.Get(key); hit {
			reply := ex.CreateMessage()
			if err := reply.SetContent(cached); err != nil {
				return err
			}
			return ex.Send(reply)
		}
		_, err := ex.Context().SetPropertyWith(cacheKeyProperty, key, contracts.WithPrivate(true))
		return err
	case messaging.PhaseOut:
		if key, ok := ex.Context().PropertyValue(cacheKeyProperty).(string); ok {
			h.cache.Set(key, ex.Message().Content())
		}
	}
	return nil
}

// Name implements Handler
func (h *CachingHandler) Name() string {
	return "CachingHandler"
}

// DuplicateDetector remembers processed message IDs
type DuplicateDetector interface {
	// Seen records id and reports whether it had been recorded before
	Seen(id string) bool
}

// MemoryDuplicateDetector is an unbounded in-memory DuplicateDetector
type MemoryDuplicateDetector struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDuplicateDetector creates an empty detector
func NewMemoryDuplicateDetector() *MemoryDuplicateDetector {
	return &MemoryDuplicateDetector{seen: make(map[string]struct{})}
}

// Seen implements DuplicateDetector
func (d *MemoryDuplicateDetector) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	return false
}

// DuplicateDetectionHandler faults requests whose message ID was already processed
type DuplicateDetectionHandler struct {
	passive
	detector DuplicateDetector
}

// NewDuplicateDetectionHandler creates a new duplicate detection handler
func NewDuplicateDetectionHandler(detector DuplicateDetector) *DuplicateDetectionHandler {
	return &DuplicateDetectionHandler{detector: detector}
}

// HandleMessage implements messaging.ExchangeHandler
func (h *DuplicateDetectionHandler) HandleMessage(ex *messaging.Exchange) error {
	if ex.Phase() != messaging.PhaseIn {
		return nil
	}
	id := ex.Message().ID()
	if h.detector.Seen(id) {
		return &ShortCircuitError{
			Handler: h.Name(),
			Reason:  "message " + id + " already processed",
			Err:     ErrDuplicateMessage,
		}
	}
	return nil
}

// Name implements Handler
func (h *DuplicateDetectionHandler) Name() string {
	return "DuplicateDetectionHandler"
}
