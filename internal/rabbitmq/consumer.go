package rabbitmq

import (
	"context"
	"time"

	"github.com/glimte/mmate-listener/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consume starts a manual-ack consumer and converts its deliveries.
// The returned channel closes when the broker stops the consumer or ctx is done.
func (b *Broker) Consume(ctx context.Context, queue, consumerTag string) (<-chan contracts.Delivery, error) {
	var raw <-chan amqp.Delivery
	err := b.channel.Do("consume", func(ch AMQPChannel) error {
		var err error
		raw, err = ch.ConsumeWithContext(ctx,
			queue,
			consumerTag,
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		return err
	})
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	b.logger.Info("consuming from queue", "queue", queue, "consumerTag", consumerTag)

	out := make(chan contracts.Delivery)
	go b.forward(ctx, queue, raw, out)
	return out, nil
}

func (b *Broker) forward(ctx context.Context, queue string, raw <-chan amqp.Delivery, out chan<- contracts.Delivery) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-raw:
			if !ok {
				b.logger.Warn("delivery channel closed", "queue", queue)
				return
			}
			select {
			case out <- toDelivery(d):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Cancel implements messaging.Broker
func (b *Broker) Cancel(consumerTag string) error {
	err := b.channel.Do("cancel", func(ch AMQPChannel) error {
		return ch.Cancel(consumerTag, false)
	})
	if err != nil {
		return &ConsumerError{
			ConsumerTag: consumerTag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// toDelivery copies the fields the dispatcher reads from an AMQP delivery
func toDelivery(d amqp.Delivery) contracts.Delivery {
	var headers map[string]interface{}
	if len(d.Headers) > 0 {
		headers = make(map[string]interface{}, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = v
		}
	}

	return contracts.Delivery{
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Body:          d.Body,
		DeliveryTag:   d.DeliveryTag,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		Timestamp:     d.Timestamp,
		Redelivered:   d.Redelivered,
		Headers:       headers,
	}
}
