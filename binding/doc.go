// Package binding defines the contract between transports and the exchange core.
//
// A binding type (http, amqp, redis, ...) supplies a Composer that converts
// between its wire representation (BindingData) and contracts.Message:
//
//   - Decompose turns inbound wire data into a request message. Wire headers
//     become context properties, EXCHANGE-scoped unless configured as
//     MESSAGE-scoped, with names kept exactly as received.
//   - Compose writes the exchange's current message back onto wire data,
//     copying only the properties allowed to cross a transport boundary.
//   - SelectOperation picks the target operation from the wire data when one
//     endpoint fronts several operations.
//
// Composers are registered per binding type in a Registry built at startup.
// InboundEndpoint implements the common inbound flow shared by gateways:
// select the operation, create the exchange, decompose, send. A payload that
// cannot be decomposed becomes a fault delivered to the gateway instead of an
// error crossing the transport boundary.
package binding
