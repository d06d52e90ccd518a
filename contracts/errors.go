package contracts

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrInvalidArgument is matched by every InvalidArgumentError
	ErrInvalidArgument = errors.New("contracts: invalid argument")

	// ErrContentTypeMismatch is matched by every ContentTypeMismatchError
	ErrContentTypeMismatch = errors.New("contracts: content type mismatch")

	// ErrMessageSealed is returned when content or attachments of a dispatched message are mutated
	ErrMessageSealed = errors.New("contracts: message is sealed")
)

// InvalidArgumentError reports a rejected argument
type InvalidArgumentError struct {
	Argument string
	Reason   string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("contracts: invalid argument %s: %s", e.Argument, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidArgument) hold
func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// ContentTypeMismatchError reports that message content could not be read as the requested type
type ContentTypeMismatchError struct {
	From  reflect.Type // Actual content type, nil for nil content
	To    reflect.Type // Requested type
	Cause error        // Converter failure, if a converter existed
}

func (e *ContentTypeMismatchError) Error() string {
	from := "<nil>"
	if e.From != nil {
		from = e.From.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("contracts: cannot read content of type %s as %s: %v", from, e.To, e.Cause)
	}
	return fmt.Sprintf("contracts: cannot read content of type %s as %s", from, e.To)
}

func (e *ContentTypeMismatchError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrContentTypeMismatch) hold
func (e *ContentTypeMismatchError) Is(target error) bool {
	return target == ErrContentTypeMismatch
}

// IsContentTypeMismatch checks if an error is a content conversion failure
func IsContentTypeMismatch(err error) bool {
	var mismatch *ContentTypeMismatchError
	return errors.As(err, &mismatch)
}

// IsInvalidArgument checks if an error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
