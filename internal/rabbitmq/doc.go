// Package rabbitmq is the AMQP plumbing behind the amqp binding.
//
// This package includes:
//   - ConnectionManager: one AMQP connection with automatic reconnection
//   - ChannelPool: reusable channels for publishing and topology work
//   - Publisher: confirmed publishing with retry
//   - Consumer: queue subscriptions with ack, requeue and reject decisions
//   - Declare: queue declaration and binding for activated endpoints
package rabbitmq
