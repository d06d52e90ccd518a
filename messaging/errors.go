package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-esb/contracts"
)

var (
	// ErrIllegalExchangeState is matched by every IllegalExchangeStateError
	ErrIllegalExchangeState = errors.New("messaging: illegal exchange state")

	// ErrServiceNotFound is returned when no registered service matches a reference
	ErrServiceNotFound = errors.New("messaging: service not found")

	// ErrServiceExists is returned when registering a duplicate name and version
	ErrServiceExists = errors.New("messaging: service already registered")

	// ErrOperationNotFound is returned when a service does not declare the requested operation
	ErrOperationNotFound = errors.New("messaging: operation not found")

	// ErrPatternMismatch is returned when an operation is invoked with the wrong pattern
	ErrPatternMismatch = errors.New("messaging: exchange pattern does not match operation")

	// ErrDomainClosed is returned after Close
	ErrDomainClosed = errors.New("messaging: domain is closed")

	// ErrNoReply faults an IN_OUT exchange whose provider chain finished without replying
	ErrNoReply = errors.New("messaging: provider completed without a reply")

	// ErrDeliveryPoolShutdownTimeout is returned when workers do not drain in time
	ErrDeliveryPoolShutdownTimeout = errors.New("messaging: delivery pool shutdown timeout")
)

// IllegalExchangeStateError reports a send that the state machine does not permit
type IllegalExchangeStateError struct {
	ExchangeID string
	Op         string // send or sendFault
	State      ExchangeState
	Phase      Phase
	Pattern    Pattern
}

func (e *IllegalExchangeStateError) Error() string {
	return fmt.Sprintf("messaging: illegal %s on exchange %s (state=%s phase=%s pattern=%s)",
		e.Op, e.ExchangeID, e.State, e.Phase, e.Pattern)
}

// Is makes errors.Is(err, ErrIllegalExchangeState) hold
func (e *IllegalExchangeStateError) Is(target error) bool {
	return target == ErrIllegalExchangeState
}

// IsIllegalExchangeState checks if an error is a state machine violation
func IsIllegalExchangeState(err error) bool {
	return errors.Is(err, ErrIllegalExchangeState)
}

// FaultError carries a fault message to a synchronous caller
type FaultError struct {
	ExchangeID string
	Phase      Phase
	Message    *contracts.Message
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("messaging: exchange %s faulted in phase %s: %s", e.ExchangeID, e.Phase, describeContent(e.Message))
}

// Unwrap returns the fault content when it is an error
func (e *FaultError) Unwrap() error {
	if e.Message == nil {
		return nil
	}
	if err, ok := e.Message.Content().(error); ok {
		return err
	}
	return nil
}

// AsFault extracts a FaultError
func AsFault(err error) (*FaultError, bool) {
	var fault *FaultError
	if errors.As(err, &fault) {
		return fault, true
	}
	return nil, false
}

// IsFault checks if an error is a fault delivered by an exchange
func IsFault(err error) bool {
	_, ok := AsFault(err)
	return ok
}

func describeContent(msg *contracts.Message) string {
	if msg == nil || msg.Content() == nil {
		return "<no content>"
	}
	text, err := contracts.ContentAs[string](msg)
	if err != nil {
		return fmt.Sprintf("%T", msg.Content())
	}
	return text
}
