// Package messaging implements the exchange engine of the bus.
//
// This package provides:
//   - Exchange: the live unit of work with its pattern, phase and state machine
//   - Domain: the service dispatch interface used by bindings (CreateExchange, Send, SendFault)
//   - ServiceRegistry: versioned service lookup built once at activation time
//   - HandlerChain: the provider chain with fault short-circuit and reply post-processing
//   - ExchangeTracker: correlation of exchanges by ID with exactly-once terminal delivery
//   - DeliveryPool: workers delivering asynchronous replies and faults
//
// Phase transitions of a single exchange are sequential. A consumer either
// receives the terminal message synchronously on the goroutine that sent the
// request, or registers an asynchronous reply handler that runs on a pool
// worker. There is no cancellation: a consumer that loses interest simply
// ignores the callback.
//
// Example usage:
//
//	domain := messaging.NewDomain(messaging.WithDomainLogger(logger))
//	defer domain.Close(5 * time.Second)
//
//	_ = domain.RegisterService(&messaging.Service{
//		Name: "OrderService",
//		Provider: messaging.MessageHandlerFunc(func(ex *messaging.Exchange) error {
//			reply := ex.CreateMessage()
//			_ = reply.SetContent(`{"status":"ok"}`)
//			return ex.Send(reply)
//		}),
//	})
//
//	ex, _ := domain.CreateExchange("OrderService", messaging.InOut,
//		messaging.WithReplyHandler(consumer))
//	err := ex.Send(request)
package messaging
