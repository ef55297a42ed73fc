package rabbitmq

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-listener/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ messaging.Broker = (*Broker)(nil)

// Broker implements messaging.Broker on one serialized AMQP channel
type Broker struct {
	channel  *Channel
	topology *TopologyManager
	logger   *slog.Logger
}

// BrokerOption configures the Broker
type BrokerOption func(*Broker)

// WithBrokerLogger sets the logger
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates a broker on the given channel
func NewBroker(channel *Channel, options ...BrokerOption) *Broker {
	b := &Broker{
		channel: channel,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	b.topology = NewTopologyManager(channel, b.logger)
	return b
}

// Channel returns the underlying channel
func (b *Broker) Channel() *Channel {
	return b.channel
}

// DeclareExchange implements messaging.Broker
func (b *Broker) DeclareExchange(ctx context.Context, exchange messaging.ExchangeOptions) error {
	return b.topology.DeclareExchange(ctx, ExchangeDeclaration{
		Name:       exchange.Name,
		Type:       exchange.Type,
		Durable:    exchange.Durable,
		AutoDelete: exchange.AutoDelete,
		Arguments:  amqp.Table(exchange.Arguments),
	})
}

// DeclareQueue implements messaging.Broker
func (b *Broker) DeclareQueue(ctx context.Context, queue messaging.QueueOptions) error {
	_, err := b.topology.DeclareQueue(ctx, QueueDeclaration{
		Name:       queue.Name,
		Durable:    queue.Durable,
		AutoDelete: queue.AutoDelete,
		Exclusive:  queue.Exclusive,
		Arguments:  amqp.Table(queue.Arguments),
	})
	return err
}

// BindQueue implements messaging.Broker
func (b *Broker) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return b.topology.BindQueue(ctx, Binding{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: routingKey,
	})
}

// Qos implements messaging.Broker
func (b *Broker) Qos(prefetchCount int) error {
	return b.channel.Do("qos", func(ch AMQPChannel) error {
		return ch.Qos(prefetchCount, 0, false)
	})
}

// Ack implements messaging.Broker
func (b *Broker) Ack(deliveryTag uint64) error {
	return b.channel.Do("ack", func(ch AMQPChannel) error {
		return ch.Ack(deliveryTag, false)
	})
}

// Nack implements messaging.Broker
func (b *Broker) Nack(deliveryTag uint64, requeue bool) error {
	return b.channel.Do("nack", func(ch AMQPChannel) error {
		return ch.Nack(deliveryTag, false, requeue)
	})
}
