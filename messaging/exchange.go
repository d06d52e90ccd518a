package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/google/uuid"
)

// Exchange is one consumer-provider interaction.
//
// State machine:
//
//	INITIAL --Send--> IN --Send--> OUT --SendFault--> OUT_FAULT
//	INITIAL --SendFault--> IN_FAULT (rejected before dispatch)
//	IN --SendFault--> IN_FAULT
//
// OUT is only reachable for IN_OUT. Every terminal message is delivered to the
// consumer exactly once, after which the exchange is DONE and rejects sends.
type Exchange struct {
	id        string
	pattern   Pattern
	service   *Service
	operation Operation
	domain    *Domain
	context   *contracts.Context
	reqCtx    context.Context
	logger    *slog.Logger

	replyHandler ExchangeHandler
	asyncReply   bool

	mu          sync.Mutex
	phase       Phase
	state       ExchangeState
	message     *contracts.Message
	createdAt   time.Time
	completedAt time.Time
}

func newExchange(d *Domain, svc *Service, op Operation, pattern Pattern, cfg *exchangeConfig) (*Exchange, error) {
	ex := &Exchange{
		id:           uuid.New().String(),
		pattern:      pattern,
		service:      svc,
		operation:    op,
		domain:       d,
		context:      contracts.NewContext(contracts.ScopeExchange),
		reqCtx:       cfg.requestCtx,
		replyHandler: cfg.replyHandler,
		asyncReply:   cfg.asyncReply,
		createdAt:    time.Now(),
	}
	if ex.reqCtx == nil {
		ex.reqCtx = context.Background()
	}
	if cfg.context != nil {
		if err := cfg.context.MergeInto(ex.context, nil); err != nil {
			return nil, fmt.Errorf("failed to copy exchange context: %w", err)
		}
	}
	ex.logger = d.logger.With("exchangeId", ex.id, "service", svc.Name, "pattern", pattern.String())
	return ex, nil
}

// ID returns the exchange identifier
func (e *Exchange) ID() string {
	return e.id
}

// Pattern returns the interaction pattern
func (e *Exchange) Pattern() Pattern {
	return e.pattern
}

// Phase returns the phase of the current message
func (e *Exchange) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// State returns the lifecycle state
func (e *Exchange) State() ExchangeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Service returns the resolved target service
func (e *Exchange) Service() *Service {
	return e.service
}

// Operation returns the resolved operation, which may be unnamed
func (e *Exchange) Operation() Operation {
	return e.operation
}

// Context returns the exchange-scoped context
func (e *Exchange) Context() *contracts.Context {
	return e.context
}

// RequestContext returns the caller's context for blocking work done by providers
func (e *Exchange) RequestContext() context.Context {
	return e.reqCtx
}

// ContextFor layers a message's context over the exchange context
func (e *Exchange) ContextFor(msg *contracts.Message) *contracts.ScopedContext {
	if msg == nil {
		return contracts.NewScopedContext(nil, e.context)
	}
	return contracts.NewScopedContext(msg.Context(), e.context)
}

// MessageContext is ContextFor applied to the current message
func (e *Exchange) MessageContext() *contracts.ScopedContext {
	return e.ContextFor(e.Message())
}

// Message returns the current message, nil before the first send
func (e *Exchange) Message() *contracts.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.message
}

// CreateMessage returns an empty message bound to the domain's converters
func (e *Exchange) CreateMessage() *contracts.Message {
	return contracts.NewMessage(contracts.WithConverters(e.domain.converters))
}

// CreatedAt returns when the exchange was created
func (e *Exchange) CreatedAt() time.Time {
	return e.createdAt
}

// Duration returns the time from creation to completion, or until now while live
func (e *Exchange) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completedAt.IsZero() {
		return time.Since(e.createdAt)
	}
	return e.completedAt.Sub(e.createdAt)
}

// Send advances the exchange with a request or a reply.
// The first send dispatches the request through the provider chain and
// returns after synchronous processing and delivery have finished.
func (e *Exchange) Send(msg *contracts.Message) error {
	if msg == nil {
		return &contracts.InvalidArgumentError{Argument: "message", Reason: "cannot be nil"}
	}

	e.mu.Lock()
	switch {
	case e.state == StateInitial:
		e.advance(PhaseIn, msg)
		e.mu.Unlock()
		e.domain.dispatch(e)
		return nil
	case e.state == StateActive && e.phase == PhaseIn && e.pattern == InOut:
		e.advance(PhaseOut, msg)
		e.mu.Unlock()
		return nil
	default:
		err := e.illegal("send")
		e.mu.Unlock()
		return err
	}
}

// SendFault advances the exchange into the fault phase matching its current phase
func (e *Exchange) SendFault(msg *contracts.Message) error {
	if msg == nil {
		return &contracts.InvalidArgumentError{Argument: "message", Reason: "cannot be nil"}
	}

	e.mu.Lock()
	switch {
	case e.state == StateInitial:
		e.advance(PhaseInFault, msg)
		e.mu.Unlock()
		e.domain.notifyStarted(e)
		e.complete()
		return nil
	case e.state == StateActive && e.phase == PhaseIn:
		e.advance(PhaseInFault, msg)
		e.mu.Unlock()
		return nil
	case e.state == StateActive && e.phase == PhaseOut:
		e.advance(PhaseOutFault, msg)
		e.mu.Unlock()
		return nil
	default:
		err := e.illegal("sendFault")
		e.mu.Unlock()
		return err
	}
}

// Fault sends a fault whose content is err
func (e *Exchange) Fault(err error) error {
	msg := e.CreateMessage()
	_ = msg.SetContent(err)
	return e.SendFault(msg)
}

// advance must be called with mu held
func (e *Exchange) advance(phase Phase, msg *contracts.Message) {
	msg.Seal()
	e.message = msg
	e.phase = phase
	e.state = StateActive
	e.logger.Debug("exchange advanced", "phase", phase.String(), "messageId", msg.ID())
}

// illegal must be called with mu held
func (e *Exchange) illegal(op string) error {
	return &IllegalExchangeStateError{
		ExchangeID: e.id,
		Op:         op,
		State:      e.state,
		Phase:      e.phase,
		Pattern:    e.pattern,
	}
}

// complete finishes the exchange and delivers its terminal message.
// The tracker guarantees a single delivery.
func (e *Exchange) complete() {
	if !e.domain.tracker.Complete(e.id) {
		return
	}

	e.mu.Lock()
	phase := e.phase
	e.state = StateDone
	e.completedAt = time.Now()
	e.mu.Unlock()

	e.logger.Debug("exchange completed", "phase", phase.String(), "duration", e.Duration())
	e.domain.notifyCompleted(e)

	if phase == PhaseIn {
		return
	}
	if e.replyHandler == nil {
		if phase.IsFault() {
			e.logger.Warn("fault dropped, exchange has no reply handler", "phase", phase.String())
		}
		return
	}

	deliver := func() {
		var err error
		if phase.IsFault() {
			err = e.replyHandler.HandleFault(e)
		} else {
			err = e.replyHandler.HandleMessage(e)
		}
		if err != nil {
			e.logger.Error("reply handler failed", "phase", phase.String(), "error", err)
		}
	}

	if e.asyncReply {
		e.domain.pool.Submit(deliver)
		return
	}
	deliver()
}
