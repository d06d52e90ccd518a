package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-esb/messaging"
)

// InboundEndpoint turns inbound wire data into exchanges against one service
type InboundEndpoint struct {
	Name     string
	Domain   *messaging.Domain
	Composer Composer
	Service  string
	Version  string
	Pattern  messaging.Pattern
	// Operation fixes the operation; otherwise Selector, then the composer, picks it
	Operation string
	Selector  OperationSelector
	Logger    *slog.Logger
}

// Dispatch runs one inbound message through the exchange core. The reply or
// fault is delivered to consumer before Dispatch returns. Wire data that
// cannot be decomposed or routed to an operation is delivered as a fault of
// an exchange that never reaches the provider. Only a closed domain or a
// failed send is returned as an error.
func (e *InboundEndpoint) Dispatch(ctx context.Context, data BindingData, consumer messaging.ExchangeHandler) (*messaging.Exchange, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []messaging.ExchangeOption{
		messaging.WithVersion(e.Version),
		messaging.WithReplyHandler(consumer),
		messaging.WithRequestContext(ctx),
	}

	op, err := e.selectOperation(data)
	if err != nil {
		return e.reject(logger, &DecomposeError{BindingType: e.Composer.BindingType(), Err: err}, opts)
	}
	opts = append(opts, messaging.WithOperation(op))

	ex, err := e.Domain.CreateExchange(e.Service, e.Pattern, opts...)
	if err != nil {
		if errors.Is(err, messaging.ErrDomainClosed) {
			return nil, err
		}
		return e.reject(logger, err, opts)
	}

	msg, err := e.Composer.Decompose(ex, data)
	if err != nil {
		if !IsDecomposeError(err) {
			err = &DecomposeError{BindingType: e.Composer.BindingType(), Err: err}
		}
		logger.Warn("rejecting inbound message",
			"endpoint", e.Name,
			"exchangeId", ex.ID(),
			"bindingType", e.Composer.BindingType(),
			"error", err)
		if ferr := FaultFromError(ex, err); ferr != nil {
			return ex, ferr
		}
		return ex, nil
	}

	if err := ex.Send(msg); err != nil {
		return ex, fmt.Errorf("failed to send inbound message: %w", err)
	}
	return ex, nil
}

func (e *InboundEndpoint) reject(logger *slog.Logger, cause error, opts []messaging.ExchangeOption) (*messaging.Exchange, error) {
	ex, err := e.Domain.RejectExchange(e.Service, e.Pattern, cause, opts...)
	if err != nil {
		return ex, err
	}
	logger.Warn("rejecting inbound message",
		"endpoint", e.Name,
		"exchangeId", ex.ID(),
		"bindingType", e.Composer.BindingType(),
		"error", cause)
	return ex, nil
}

func (e *InboundEndpoint) selectOperation(data BindingData) (string, error) {
	if e.Operation != "" {
		return e.Operation, nil
	}
	if e.Selector != nil {
		return e.Selector.SelectOperation(data)
	}
	return e.Composer.SelectOperation(data)
}
