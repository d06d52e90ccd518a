// Package bridge provides synchronous request-response over exchanges.
//
// The Invoker lets ordinary Go code act as an exchange consumer: it creates
// the exchange, sends the request and blocks until the reply or fault is
// delivered, the caller's context is done or the default timeout expires.
// Giving up does not cancel the exchange; a late delivery is dropped.
//
// Basic usage:
//
//	invoker := bridge.NewInvoker(domain, bridge.WithDefaultTimeout(5*time.Second))
//
//	reply, err := invoker.Invoke(ctx, "OrderService", request)
//	if fault, ok := messaging.AsFault(err); ok {
//	    // the provider faulted; fault.Message carries the fault content
//	}
//
//	// Typed content in and out
//	receipt, err := bridge.InvokeTyped[Receipt](ctx, invoker, "OrderService", order)
package bridge
