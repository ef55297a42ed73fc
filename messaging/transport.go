package messaging

import (
	"context"

	"github.com/glimte/mmate-listener/contracts"
)

// Broker is the broker capability the listener consumes from and replies through.
// Implementations must be safe for concurrent use: deliveries are dispatched
// concurrently and all of them ack and reply through the same broker.
type Broker interface {
	// DeclareExchange declares the exchange the queue is bound to
	DeclareExchange(ctx context.Context, exchange ExchangeOptions) error

	// DeclareQueue declares the queue the listener consumes from
	DeclareQueue(ctx context.Context, queue QueueOptions) error

	// BindQueue binds a routing key of the exchange to the queue
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// Qos limits the number of unacknowledged deliveries
	Qos(prefetchCount int) error

	// Consume starts a manual-ack consumer on the queue
	Consume(ctx context.Context, queue, consumerTag string) (<-chan contracts.Delivery, error)

	// Cancel stops the consumer; deliveries already received stay valid
	Cancel(consumerTag string) error

	// Ack acknowledges a delivery
	Ack(deliveryTag uint64) error

	// Nack negatively acknowledges a delivery
	Nack(deliveryTag uint64, requeue bool) error

	// Publish sends an RPC reply
	Publish(ctx context.Context, exchange, routingKey string, reply Reply) error
}

// Reply is an RPC response addressed to the requester
type Reply struct {
	CorrelationID string
	ContentType   string
	Body          []byte
	Headers       map[string]interface{}
}

// Failed reports whether the reply carries a handler error
func (r Reply) Failed() bool {
	_, ok := r.Headers[contracts.HeaderError]
	return ok
}

// ExchangeOptions defines the exchange declared at startup
type ExchangeOptions struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  map[string]interface{}
}

// QueueOptions defines the queue declared at startup
type QueueOptions struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Arguments  map[string]interface{}
}

// DefaultExchangeOptions returns a durable topic exchange
func DefaultExchangeOptions() ExchangeOptions {
	return ExchangeOptions{
		Name:    "mmate.listener",
		Type:    "topic",
		Durable: true,
	}
}

// DefaultQueueOptions returns a durable shared queue
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		Name:    "mmate.listener.queue",
		Durable: true,
	}
}
