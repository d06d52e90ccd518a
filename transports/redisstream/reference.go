package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-esb/activation"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrReferenceStopped is returned when a stopped reference receives an exchange
	ErrReferenceStopped = errors.New("redis: reference is not started")

	// ErrReplyTimeout is returned when an IN_OUT reply does not arrive in time
	ErrReplyTimeout = errors.New("redis: reply timeout")
)

// OutboundReference provides a service by appending to a stream
type OutboundReference struct {
	activation.Lifecycle
	name     string
	stream   string
	maxLen   int64
	timeout  time.Duration
	client   Client
	composer *Composer
	logger   *slog.Logger
}

// ReferenceOption configures an outbound reference
type ReferenceOption func(*OutboundReference)

// WithMaxLen trims the stream to about n entries on every append
func WithMaxLen(n int64) ReferenceOption {
	return func(r *OutboundReference) {
		r.maxLen = n
	}
}

// WithReplyTimeout bounds the wait for an IN_OUT reply
func WithReplyTimeout(timeout time.Duration) ReferenceOption {
	return func(r *OutboundReference) {
		r.timeout = timeout
	}
}

// WithReferenceLogger sets the logger
func WithReferenceLogger(logger *slog.Logger) ReferenceOption {
	return func(r *OutboundReference) {
		r.logger = logger
	}
}

// NewOutboundReference creates a reference appending to stream
func NewOutboundReference(name, stream string, composer *Composer, client Client, opts ...ReferenceOption) (*OutboundReference, error) {
	if stream == "" {
		return nil, fmt.Errorf("redis reference %s: stream is required", name)
	}
	if composer == nil || client == nil {
		return nil, fmt.Errorf("redis reference %s: composer and client are required", name)
	}

	r := &OutboundReference{
		name:     name,
		stream:   stream,
		timeout:  30 * time.Second,
		client:   client,
		composer: composer,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("endpoint", name, "bindingType", BindingType, "stream", stream)
	return r, nil
}

// Start implements activation.ServiceHandler
func (r *OutboundReference) Start(ctx context.Context) error {
	r.SetState(activation.HandlerStarted)
	return nil
}

// Stop implements activation.ServiceHandler
func (r *OutboundReference) Stop(ctx context.Context) error {
	r.SetState(activation.HandlerStopped)
	return nil
}

// HandleMessage appends the IN message. IN_OUT exchanges wait for the
// reply on a stream created for the call.
func (r *OutboundReference) HandleMessage(ex *messaging.Exchange) error {
	if ex.Phase() != messaging.PhaseIn {
		return nil
	}
	if !r.Started() {
		return ErrReferenceStopped
	}

	out := &BindingData{}
	if _, err := r.composer.Compose(out, ex); err != nil {
		return err
	}
	ctx := ex.RequestContext()

	var replyStream string
	if ex.Pattern() == messaging.InOut {
		out.CorrelationID = uuid.NewString()
		replyStream = fmt.Sprintf("%s.reply.%s", r.stream, out.CorrelationID)
		out.ReplyStream = replyStream
		defer r.client.Del(context.WithoutCancel(ctx), replyStream)
	}

	args := &redis.XAddArgs{Stream: r.stream, Values: out.Values()}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("redis reference %s: %w", r.name, err)
	}
	r.logger.Debug("entry appended", "exchangeId", ex.ID(), "id", id)
	if replyStream == "" {
		return nil
	}

	in, err := r.awaitReply(ctx, replyStream)
	if err != nil {
		return fmt.Errorf("redis reference %s: %w", r.name, err)
	}
	reply, err := r.composer.Decompose(ex, in)
	if err != nil {
		return err
	}
	if in.Fault {
		return ex.SendFault(reply)
	}
	return ex.Send(reply)
}

func (r *OutboundReference) awaitReply(ctx context.Context, replyStream string) (*BindingData, error) {
	res, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{replyStream, "0"},
		Count:   1,
		Block:   r.timeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w after %s", ErrReplyTimeout, r.timeout)
	}
	if err != nil {
		return nil, err
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			return NewEntryData(stream.Stream, msg), nil
		}
	}
	return nil, fmt.Errorf("%w after %s", ErrReplyTimeout, r.timeout)
}

// HandleFault implements messaging.ExchangeHandler
func (r *OutboundReference) HandleFault(ex *messaging.Exchange) error {
	return nil
}
