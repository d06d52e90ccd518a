package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// WithDeadLetter routes rejected deliveries of the queue to exchange
func (q QueueDeclaration) WithDeadLetter(exchange, routingKey string) QueueDeclaration {
	args := amqp.Table{}
	for k, v := range q.Arguments {
		args[k] = v
	}
	args["x-dead-letter-exchange"] = exchange
	if routingKey != "" {
		args["x-dead-letter-routing-key"] = routingKey
	}
	q.Arguments = args
	return q
}

// Declare declares a queue and its bindings
func Declare(ctx context.Context, pool *ChannelPool, queue QueueDeclaration, bindings ...Binding) error {
	if queue.Name == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}
	return pool.Execute(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue.Name, err)
		}
		for _, b := range bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
				return fmt.Errorf("failed to bind queue %s to %s: %w", b.Queue, b.Exchange, err)
			}
		}
		return nil
	})
}
