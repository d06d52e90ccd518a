package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every CircuitBreakerError
	ErrCircuitOpen = errors.New("reliability: circuit is open")

	// ErrMaxRetriesExceeded is matched by every RetryError
	ErrMaxRetriesExceeded = errors.New("reliability: maximum attempts exceeded")
)

// CircuitBreakerError reports a call rejected by an open or saturated breaker
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("reliability: circuit %s open after %d failures, retry in %v",
			e.Name, e.Failures, time.Until(e.NextRetry).Round(time.Millisecond))
	}
	return fmt.Sprintf("reliability: circuit %s %s, call rejected", e.Name, e.State)
}

// Is makes errors.Is(err, ErrCircuitOpen) hold
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError reports the last failure after the policy gave up
type RetryError struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("reliability: gave up after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks an error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent checks if an error was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsRetryable reports whether Retry would try again after err
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	return !errors.Is(err, ErrCircuitOpen)
}
