// Package reliability provides retry and circuit breaking for outbound calls.
//
// Outbound service references wrap transport calls in Retry so transient
// broker and network failures do not fault an exchange on the first attempt.
// Errors marked with Permanent stop retrying immediately.
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(50*time.Millisecond, 2*time.Second, 2.0, 3)
//	err := reliability.Retry(ctx, policy, func() error {
//	    return publish(ctx, msg)
//	})
//
//	cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(5))
//	err = cb.Execute(ctx, call)
package reliability
