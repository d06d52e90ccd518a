package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-esb/activation"
	rmq "github.com/glimte/mmate-esb/internal/rabbitmq"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/redis/go-redis/v9"
)

func newResult(name string) (CheckResult, time.Time) {
	start := time.Now()
	return CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}, start
}

func fail(result CheckResult, start time.Time, status Status, message string, err error) CheckResult {
	result.Status = status
	result.Message = message
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// AMQPChecker checks the broker connection
type AMQPChecker struct {
	manager *rmq.ConnectionManager
}

// NewAMQPChecker creates a broker connection checker
func NewAMQPChecker(manager *rmq.ConnectionManager) *AMQPChecker {
	return &AMQPChecker{manager: manager}
}

func (c *AMQPChecker) Name() string {
	return "amqp"
}

func (c *AMQPChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	status := c.manager.Status()
	result.Details["reconnects"] = status.Reconnects
	if !status.Since.IsZero() {
		result.Details["since"] = status.Since
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		if status.LastError != nil {
			err = status.LastError
		}
		return fail(result, start, StatusUnhealthy, "connection not available", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fail(result, start, StatusUnhealthy, "failed to open channel", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive("amq.direct", "direct", true, false, false, false, nil); err != nil {
		return fail(result, start, StatusDegraded, "exchange check failed", err)
	}

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ChannelPoolChecker checks that a pooled channel can be borrowed
type ChannelPoolChecker struct {
	pool *rmq.ChannelPool
}

// NewChannelPoolChecker creates a channel pool checker
func NewChannelPoolChecker(pool *rmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "amqp_channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())
	result.Details["pool_size"] = c.pool.Size()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return fail(result, start, StatusUnhealthy, "failed to get channel from pool", err)
	}
	c.pool.Put(ch)

	result.Status = StatusHealthy
	result.Message = "channel pool is healthy"
	result.Duration = time.Since(start)
	return result
}

// QueueChecker inspects a gateway queue
type QueueChecker struct {
	queue     string
	pool      *rmq.ChannelPool
	threshold int
}

// NewQueueChecker creates a queue checker that degrades above threshold
// ready messages. A threshold of zero disables the backlog check.
func NewQueueChecker(queue string, pool *rmq.ChannelPool, threshold int) *QueueChecker {
	return &QueueChecker{queue: queue, pool: pool, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return fail(result, start, StatusUnhealthy, "failed to get channel", err)
	}
	defer c.pool.Put(ch)

	q, err := ch.QueueDeclarePassive(c.queue, true, false, false, false, nil)
	if err != nil {
		return fail(result, start, StatusUnhealthy, fmt.Sprintf("queue %s not accessible", c.queue), err)
	}

	result.Details["message_count"] = q.Messages
	result.Details["consumer_count"] = q.Consumers
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queue)
	switch {
	case q.Consumers == 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has no consumers", c.queue)
	case c.threshold > 0 && q.Messages > c.threshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has %d messages waiting", c.queue, q.Messages)
	}
	result.Duration = time.Since(start)
	return result
}

// Pinger is the part of a redis client the checker needs
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisChecker pings the redis server
type RedisChecker struct {
	client Pinger
}

// NewRedisChecker creates a redis checker
func NewRedisChecker(client Pinger) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fail(result, start, StatusUnhealthy, "ping failed", err)
	}
	result.Status = StatusHealthy
	result.Message = "redis is reachable"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// BindingChecker reports the lifecycle state of every active endpoint.
// A failed endpoint makes the report unhealthy, one not yet started or
// already stopped degrades it.
type BindingChecker struct {
	runtime *activation.Runtime
}

// NewBindingChecker creates an endpoint checker
func NewBindingChecker(rt *activation.Runtime) *BindingChecker {
	return &BindingChecker{runtime: rt}
}

func (c *BindingChecker) Name() string {
	return "bindings"
}

func (c *BindingChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())
	result.Status = StatusHealthy

	var failed, idle []string
	for _, b := range c.runtime.Handlers() {
		state := b.Handler.State()
		result.Details[b.Name] = state.String()
		switch state {
		case activation.HandlerStarted:
		case activation.HandlerFailed:
			failed = append(failed, b.Name)
		default:
			idle = append(idle, b.Name)
		}
	}

	switch {
	case len(failed) > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("failed bindings: %v", failed)
	case len(idle) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("bindings not started: %v", idle)
	default:
		result.Message = fmt.Sprintf("%d bindings started", len(result.Details))
	}
	result.Duration = time.Since(start)
	return result
}

// DomainChecker reports whether the domain accepts exchanges and how many are live
type DomainChecker struct {
	domain      *messaging.Domain
	maxInFlight int
}

// NewDomainChecker creates a domain checker that degrades once more than
// maxInFlight exchanges are live. Zero disables the limit.
func NewDomainChecker(domain *messaging.Domain, maxInFlight int) *DomainChecker {
	return &DomainChecker{domain: domain, maxInFlight: maxInFlight}
}

func (c *DomainChecker) Name() string {
	return "domain"
}

func (c *DomainChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	live := c.domain.Tracker().Len()
	result.Details["domain"] = c.domain.Name()
	result.Details["services"] = len(c.domain.Registry().Services())
	result.Details["live_exchanges"] = live

	switch {
	case c.domain.Closed():
		result.Status = StatusUnhealthy
		result.Message = "domain is closed"
	case c.maxInFlight > 0 && live > c.maxInFlight:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d exchanges in flight", live)
	default:
		result.Status = StatusHealthy
		result.Message = "domain is accepting exchanges"
	}
	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker watches the goroutine count
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a checker with warning and critical limits
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["heap_alloc_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case c.critical > 0 && goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warning > 0 && goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}
	result.Duration = time.Since(start)
	return result
}
