package messaging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DeliveryPool runs asynchronous reply and fault callbacks.
// Callbacks never run on the goroutine that produced the terminal message.
// A full buffer spills onto a dedicated goroutine so that no delivery is dropped.
type DeliveryPool struct {
	taskCh    chan func()
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	overflow  atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
	logger    *slog.Logger
}

// DeliveryPoolStats returns telemetry about the pool
type DeliveryPoolStats struct {
	Processed uint64
	Overflow  uint64
	Panics    uint64
}

// NewDeliveryPool creates a pool with the given worker count and buffer size
func NewDeliveryPool(workers, bufferSize int, logger *slog.Logger) *DeliveryPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &DeliveryPool{
		taskCh:  make(chan func(), bufferSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Submit queues a callback
func (p *DeliveryPool) Submit(task func()) {
	if task == nil {
		return
	}
	if p.closed.Load() {
		p.overflow.Add(1)
		go p.run(task)
		return
	}

	select {
	case p.taskCh <- task:
	default:
		p.overflow.Add(1)
		go p.run(task)
	}
}

func (p *DeliveryPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			for {
				select {
				case task := <-p.taskCh:
					p.run(task)
				default:
					return
				}
			}
		case task := <-p.taskCh:
			p.run(task)
		}
	}
}

func (p *DeliveryPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("delivery callback panicked", "panic", r)
		}
	}()
	task()
	p.processed.Add(1)
}

// Close stops the workers after draining queued callbacks
func (p *DeliveryPool) Close(timeout time.Duration) error {
	if p.closed.Swap(true) {
		return nil
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrDeliveryPoolShutdownTimeout
	}
}

// Stats returns current pool statistics
func (p *DeliveryPool) Stats() DeliveryPoolStats {
	return DeliveryPoolStats{
		Processed: p.processed.Load(),
		Overflow:  p.overflow.Load(),
		Panics:    p.panics.Load(),
	}
}
