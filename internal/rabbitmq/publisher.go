package rabbitmq

import (
	"context"
	"time"

	"github.com/glimte/mmate-listener/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publish implements messaging.Broker by sending an RPC reply
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, reply messaging.Reply) error {
	msg := amqp.Publishing{
		ContentType:   reply.ContentType,
		CorrelationId: reply.CorrelationID,
		MessageId:     uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		DeliveryMode:  amqp.Transient,
		Body:          reply.Body,
	}
	if len(reply.Headers) > 0 {
		msg.Headers = amqp.Table(reply.Headers)
	}

	err := b.channel.Do("publish", func(ch AMQPChannel) error {
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	})
	if err != nil {
		return &PublishError{
			Exchange:      exchange,
			RoutingKey:    routingKey,
			CorrelationID: reply.CorrelationID,
			Err:           err,
			Timestamp:     time.Now(),
		}
	}

	b.logger.Debug("published reply",
		"exchange", exchange,
		"routingKey", routingKey,
		"correlationId", reply.CorrelationID,
		"size", len(reply.Body),
	)
	return nil
}
