package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	channel *Channel
	logger  *slog.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

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

// NewTopologyManager creates a new topology manager
func NewTopologyManager(channel *Channel, logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{
		channel: channel,
		logger:  logger,
	}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := tm.channel.Do("exchange declare", func(ch AMQPChannel) error {
		return ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
	})
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	tm.logger.Debug("declared exchange", "exchange", exchange.Name, "type", exchange.Type)
	return nil
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Queue{}, err
	}

	var q amqp.Queue
	err := tm.channel.Do("queue declare", func(ch AMQPChannel) error {
		var err error
		q, err = ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		return err
	})
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	tm.logger.Debug("declared queue", "queue", q.Name, "messages", q.Messages, "consumers", q.Consumers)
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := tm.channel.Do("queue bind", func(ch AMQPChannel) error {
		return ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
	})
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Exchange + "/" + binding.RoutingKey + "->" + binding.Queue,
			Op:        "create",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
