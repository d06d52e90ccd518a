package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool keeps idle AMQP channels for reuse. Channels are opened on
// demand, so a pool can be created before the connection is up.
type ChannelPool struct {
	manager  *ConnectionManager
	channels chan *amqp.Channel
	maxIdle  int
	mu       sync.Mutex
	closed   bool
	opened   int
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxIdle sets how many idle channels are kept
func WithMaxIdle(n int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxIdle = n
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager: manager,
		maxIdle: 10,
	}
	for _, opt := range options {
		opt(pool)
	}
	if pool.maxIdle < 1 {
		return nil, fmt.Errorf("%w: max idle must be at least 1", ErrInvalidConfiguration)
	}
	pool.channels = make(chan *amqp.Channel, pool.maxIdle)
	return pool, nil
}

// Get returns an open channel, reusing an idle one when possible
func (cp *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()
	if closed {
		return nil, ErrChannelPoolClosed
	}

	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, &ChannelError{Op: "get", Err: ctx.Err()}
		default:
			ch, err := cp.manager.Channel()
			if err != nil {
				return nil, err
			}
			cp.mu.Lock()
			cp.opened++
			cp.mu.Unlock()
			return ch, nil
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if ch.IsClosed() {
		cp.release()
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		_ = ch.Close()
		cp.opened--
		return
	}
	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.opened--
	}
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.opened--
	cp.mu.Unlock()
}

// Execute runs fn with a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch)
}

// Size returns the number of open channels handed out or idle
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.opened
}

// Close closes all idle channels; channels handed out are closed on Put
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if !ch.IsClosed() {
				_ = ch.Close()
			}
			cp.release()
		default:
			return nil
		}
	}
}
