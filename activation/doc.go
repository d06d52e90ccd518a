// Package activation turns binding declarations into running endpoints.
//
// An Activator knows how to bring up one family of bindings: inbound
// gateways that receive wire messages and create exchanges, and outbound
// references that act as service providers calling remote systems. The
// Runtime keeps track of every active ServiceHandler by endpoint name.
package activation
