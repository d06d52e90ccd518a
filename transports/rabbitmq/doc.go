// Package rabbitmq binds services to RabbitMQ queues.
//
// An InboundGateway consumes a queue and dispatches every delivery as an
// exchange; replies are published to the delivery's reply-to queue with its
// correlation id. An OutboundReference provides a service by publishing the
// IN message and, for IN_OUT operations, waiting for the reply on the
// direct reply-to pseudo queue.
package rabbitmq
