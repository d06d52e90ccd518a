package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-esb/activation"
	"github.com/glimte/mmate-esb/binding"
	"github.com/glimte/mmate-esb/internal/reliability"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/redis/go-redis/v9"
)

// Client is the subset of go-redis the binding uses; *redis.Client implements it
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type pendingKey struct{}

// pendingReply tracks the reply destination of one entry
type pendingReply struct {
	replyStream   string
	correlationID string
	mu            sync.Mutex
	replied       bool
	fault         error
	err           error
}

// InboundGateway reads one stream through a consumer group
type InboundGateway struct {
	activation.Lifecycle
	name       string
	stream     string
	group      string
	consumer   string
	block      time.Duration
	batch      int64
	deadLetter string
	client     Client
	endpoint   *binding.InboundEndpoint
	composer   *Composer
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// GatewayOption configures an inbound gateway
type GatewayOption func(*InboundGateway)

// WithConsumerName sets the consumer name within the group
func WithConsumerName(name string) GatewayOption {
	return func(g *InboundGateway) {
		g.consumer = name
	}
}

// WithBlock sets how long one read blocks waiting for entries
func WithBlock(block time.Duration) GatewayOption {
	return func(g *InboundGateway) {
		g.block = block
	}
}

// WithBatchSize sets the maximum number of entries per read
func WithBatchSize(n int) GatewayOption {
	return func(g *InboundGateway) {
		if n > 0 {
			g.batch = int64(n)
		}
	}
}

// WithDeadLetter moves entries that cannot be handled to stream
func WithDeadLetter(stream string) GatewayOption {
	return func(g *InboundGateway) {
		g.deadLetter = stream
	}
}

// WithGatewayLogger sets the logger
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *InboundGateway) {
		g.logger = logger
	}
}

// NewInboundGateway creates a gateway reading stream as group
func NewInboundGateway(name, stream, group string, endpoint *binding.InboundEndpoint, composer *Composer, client Client, opts ...GatewayOption) (*InboundGateway, error) {
	if stream == "" || group == "" {
		return nil, fmt.Errorf("redis gateway %s: stream and group are required", name)
	}
	if endpoint == nil || composer == nil || client == nil {
		return nil, fmt.Errorf("redis gateway %s: endpoint, composer and client are required", name)
	}

	g := &InboundGateway{
		name:     name,
		stream:   stream,
		group:    group,
		consumer: name,
		block:    5 * time.Second,
		batch:    10,
		client:   client,
		endpoint: endpoint,
		composer: composer,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("endpoint", name, "bindingType", BindingType, "stream", stream, "group", group)
	return g, nil
}

// Stream returns the consumed stream
func (g *InboundGateway) Stream() string {
	return g.stream
}

// Start creates the consumer group when missing and starts reading
func (g *InboundGateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return nil
	}

	err := g.client.XGroupCreateMkStream(ctx, g.stream, g.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		g.SetState(activation.HandlerFailed)
		return fmt.Errorf("failed to create consumer group %s on %s: %w", g.group, g.stream, err)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	g.done = make(chan struct{})
	g.SetState(activation.HandlerStarted)
	go g.poll(pollCtx, g.done)

	g.logger.Info("redis gateway started", "consumer", g.consumer)
	return nil
}

// Stop stops reading and waits for the entries in flight
func (g *InboundGateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	g.SetState(activation.HandlerStopped)
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.logger.Info("redis gateway stopped")
	return nil
}

func (g *InboundGateway) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, -1)
	failures := 0
	args := &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: g.consumer,
		Streams:  []string{g.stream, ">"},
		Count:    g.batch,
		Block:    g.block,
	}

	for ctx.Err() == nil {
		res, err := g.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				failures = 0
				continue
			}
			g.logger.Warn("stream read failed", "error", err, "attempt", failures+1)
			select {
			case <-time.After(backoff.NextDelay(failures)):
				failures++
			case <-ctx.Done():
				return
			}
			continue
		}
		failures = 0

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if err := g.HandleEntry(ctx, msg); err != nil {
					g.logger.Error("entry left pending", "id", msg.ID, "error", err)
				}
			}
		}
	}
}

// HandleEntry dispatches one entry and acknowledges it. Entries that cannot
// be routed or decoded fault; the fault goes to the reply stream, or the
// entry is moved to the dead-letter stream when nobody receives it. A closed domain or a failed reply leaves the entry
// pending and is returned.
func (g *InboundGateway) HandleEntry(ctx context.Context, msg redis.XMessage) error {
	data := NewEntryData(g.stream, msg)
	correlationID := data.CorrelationID
	if correlationID == "" {
		correlationID = msg.ID
	}
	p := &pendingReply{replyStream: data.ReplyStream, correlationID: correlationID}

	ex, err := g.endpoint.Dispatch(context.WithValue(ctx, pendingKey{}, p), data, g)
	if err != nil {
		if errors.Is(err, messaging.ErrDomainClosed) {
			return err
		}
		return g.reject(ctx, data, err)
	}

	p.mu.Lock()
	replyErr, fault, replied := p.err, p.fault, p.replied
	p.mu.Unlock()
	if replyErr != nil {
		return replyErr
	}
	if fault != nil && !replied {
		return g.reject(ctx, data, fault)
	}

	g.logger.Debug("entry handled", "id", msg.ID, "exchangeId", ex.ID())
	return g.ack(ctx, msg.ID)
}

func (g *InboundGateway) ack(ctx context.Context, id string) error {
	return g.client.XAck(ctx, g.stream, g.group, id).Err()
}

func (g *InboundGateway) reject(ctx context.Context, data *BindingData, cause error) error {
	if g.deadLetter == "" {
		g.logger.Error("dropping entry", "id", data.ID, "error", cause)
		return g.ack(ctx, data.ID)
	}

	vals := data.Values()
	vals[FieldOrigin] = data.Stream + "/" + data.ID
	vals[FieldError] = cause.Error()
	if err := g.client.XAdd(ctx, &redis.XAddArgs{Stream: g.deadLetter, Values: vals}).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter entry %s: %w", data.ID, err)
	}
	g.logger.Warn("entry dead-lettered", "id", data.ID, "deadLetter", g.deadLetter, "error", cause)
	return g.ack(ctx, data.ID)
}

// HandleMessage appends the reply of an exchange created by this gateway
func (g *InboundGateway) HandleMessage(ex *messaging.Exchange) error {
	return g.reply(ex)
}

// HandleFault appends the fault of an exchange created by this gateway
func (g *InboundGateway) HandleFault(ex *messaging.Exchange) error {
	return g.reply(ex)
}

func (g *InboundGateway) reply(ex *messaging.Exchange) error {
	p, ok := ex.RequestContext().Value(pendingKey{}).(*pendingReply)
	if !ok {
		return fmt.Errorf("exchange %s has no pending stream entry", ex.ID())
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if ex.Phase().IsFault() {
		p.fault = &messaging.FaultError{ExchangeID: ex.ID(), Phase: ex.Phase(), Message: ex.Message()}
		g.logger.Warn("exchange faulted", "exchangeId", ex.ID(), "phase", ex.Phase().String())
	}
	if p.replyStream == "" {
		return nil
	}

	out := &BindingData{CorrelationID: p.correlationID}
	if _, err := g.composer.Compose(out, ex); err != nil {
		p.err = err
		return err
	}
	if err := g.client.XAdd(ex.RequestContext(), &redis.XAddArgs{Stream: p.replyStream, Values: out.Values()}).Err(); err != nil {
		p.err = err
		return err
	}
	p.replied = true
	return nil
}
