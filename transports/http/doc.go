// Package http binds exchanges to HTTP.
//
// An InboundGateway mounts a route on a gorilla/mux router and turns each
// request into an exchange; the reply or fault is written back as the
// response. An OutboundReference is a service provider that forwards the
// request to a remote HTTP endpoint. Header names are kept exactly as they
// appear in BindingData so that they round-trip through the exchange context.
package http
