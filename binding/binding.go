package binding

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/messaging"
)

var (
	// ErrNoComposer is returned when no composer is registered for a binding type
	ErrNoComposer = errors.New("binding: no composer registered")

	// ErrComposerExists is returned when registering a binding type twice
	ErrComposerExists = errors.New("binding: composer already registered")

	// ErrOperationNotSelected is returned when a selector cannot pick an operation
	ErrOperationNotSelected = errors.New("binding: operation could not be selected")

	// ErrUnsupportedData is returned when a composer receives another binding's data
	ErrUnsupportedData = errors.New("binding: unsupported binding data")
)

// BindingData is a transport's wire representation of a message
type BindingData interface {
	BindingType() string
}

// HeaderCarrier is binding data with named headers.
// Names are reported and accepted exactly as they appear on the wire.
type HeaderCarrier interface {
	BindingData
	HeaderNames() []string
	Header(name string) (interface{}, bool)
	SetHeader(name string, value interface{}) error
}

// BodyCarrier is binding data with a raw body
type BodyCarrier interface {
	BindingData
	Body() []byte
}

// Composer converts between wire data and messages for one binding type
type Composer interface {
	BindingType() string
	Decompose(ex *messaging.Exchange, data BindingData) (*contracts.Message, error)
	Compose(data BindingData, ex *messaging.Exchange) (*contracts.Message, error)
	SelectOperation(data BindingData) (string, error)
}

// ContextMapper moves properties between wire headers and contexts
type ContextMapper interface {
	// MapFrom copies wire headers into store
	MapFrom(data BindingData, store contracts.PropertyStore) error
	// MapTo writes properties onto the wire
	MapTo(props []contracts.Property, data BindingData) error
}

// OperationSelector picks the target operation from wire data
type OperationSelector interface {
	SelectOperation(data BindingData) (string, error)
}

// OperationSelectorFunc is a function adapter for OperationSelector
type OperationSelectorFunc func(data BindingData) (string, error)

// SelectOperation implements OperationSelector
func (f OperationSelectorFunc) SelectOperation(data BindingData) (string, error) {
	return f(data)
}

// DecomposeError reports wire data that could not be turned into a message
type DecomposeError struct {
	BindingType string
	Err         error
}

func (e *DecomposeError) Error() string {
	return fmt.Sprintf("binding: failed to decompose %s message: %v", e.BindingType, e.Err)
}

func (e *DecomposeError) Unwrap() error {
	return e.Err
}

// IsDecomposeError checks if an error came from a decomposer
func IsDecomposeError(err error) bool {
	var de *DecomposeError
	return errors.As(err, &de)
}

// UnsupportedData builds the error composers return for foreign binding data
func UnsupportedData(want string, data BindingData) error {
	got := "<nil>"
	if data != nil {
		got = fmt.Sprintf("%s (%T)", data.BindingType(), data)
	}
	return fmt.Errorf("%w: %s composer received %s", ErrUnsupportedData, want, got)
}

// FaultFromError faults ex with err as content.
// An exchange that was never sent is rejected before reaching its provider.
func FaultFromError(ex *messaging.Exchange, err error) error {
	if err == nil {
		return nil
	}
	return ex.Fault(err)
}
