// Package redisstream binds services to Redis Streams.
//
// An InboundGateway reads a stream through a consumer group and dispatches
// every entry as an exchange. Entries are acknowledged once handled.
// Entries that cannot be routed or decoded are answered with a fault on
// their reply stream, or moved to an optional dead-letter stream when they
// have none. An OutboundReference appends the IN message to a stream and, for
// IN_OUT operations, waits for the reply on a per-call reply stream.
//
// Entry layout: the body is stored under "payload", its media type under
// "content-type" and every header under "meta:<name>".
package redisstream
