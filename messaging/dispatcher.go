package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-listener/contracts"
	"github.com/glimte/mmate-listener/interceptors"
	"github.com/glimte/mmate-listener/subscriptions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchResult summarizes how a delivery was handled
type DispatchResult struct {
	RoutingKey string
	Outcome    string
	Matched    int
	Executed   int
	Skipped    int
	Failed     int
	Acked      bool
}

// acknowledger sends at most one ack or nack per delivery.
// RabbitMQ closes the channel when the same tag is acknowledged twice.
type acknowledger struct {
	once   sync.Once
	broker Broker
	tag    uint64
	sent   bool
}

func (a *acknowledger) ack() (bool, error) {
	var (
		first bool
		err   error
	)
	a.once.Do(func() {
		first = true
		err = a.broker.Ack(a.tag)
		a.sent = err == nil
	})
	return first, err
}

func (a *acknowledger) nack(requeue bool) (bool, error) {
	var (
		first bool
		err   error
	)
	a.once.Do(func() {
		first = true
		err = a.broker.Nack(a.tag, requeue)
		a.sent = err == nil
	})
	return first, err
}

// Dispatch runs every binding registered for the delivery's routing key in
// registration order. Event bindings ack after the handler returns; RPC
// bindings publish a reply and then ack, whatever the handler outcome.
// Deliveries no handler ran for are settled by the unrouted policy.
func (l *Listener) Dispatch(ctx context.Context, d contracts.Delivery) DispatchResult {
	result := DispatchResult{RoutingKey: d.RoutingKey}
	acker := &acknowledger{broker: l.broker, tag: d.DeliveryTag}
	ctx = contracts.WithDelivery(ctx, d)

	l.logger.Debug("received delivery",
		"routingKey", d.RoutingKey,
		"deliveryTag", d.DeliveryTag,
		"correlationId", d.CorrelationID,
		"size", len(d.Body),
	)

	bindings := l.registry.Lookup(d.RoutingKey)
	result.Matched = len(bindings)

	switch {
	case len(bindings) == 0:
		l.logger.Warn("no subscription for routing key", "routingKey", d.RoutingKey, "deliveryTag", d.DeliveryTag)
		result.Outcome = OutcomeUnrouted
	case len(d.Body) == 0:
		l.logger.Warn("received empty payload", "routingKey", d.RoutingKey, "deliveryTag", d.DeliveryTag)
		result.Outcome = OutcomeEmptyPayload
	default:
		for _, binding := range bindings {
			msg, ok, err := binding.Decode(d)
			if !ok {
				result.Skipped++
				if err != nil {
					l.logger.Warn("failed to decode payload",
						"routingKey", d.RoutingKey,
						"binding", binding.String(),
						"error", err,
					)
					l.metrics.RecordDecodeFailure(d.RoutingKey, binding.MessageTypeName())
				} else {
					l.logger.Debug("payload decoded to no value", "routingKey", d.RoutingKey, "binding", binding.String())
				}
				continue
			}

			result.Executed++
			var handlerErr error
			if binding.IsRPC() {
				handlerErr = l.handleRPC(ctx, d, binding, msg, acker)
			} else {
				handlerErr = l.handleEvent(ctx, d, binding, msg, acker)
			}
			if handlerErr != nil {
				result.Failed++
			}
		}

		if result.Executed > 0 {
			result.Outcome = OutcomeDispatched
		} else {
			result.Outcome = OutcomeNoValue
		}
	}

	if result.Executed == 0 {
		l.settleUnrouted(d, acker)
	}

	result.Acked = acker.sent
	l.metrics.RecordDelivery(d.RoutingKey, result.Outcome)

	return result
}

// handleEvent invokes an event binding and acknowledges the delivery afterwards
func (l *Listener) handleEvent(ctx context.Context, d contracts.Delivery, binding subscriptions.Binding, msg any, acker *acknowledger) error {
	_, err := l.invoke(ctx, d, binding, msg)
	if err != nil {
		l.logger.Error("event handler failed",
			"routingKey", d.RoutingKey,
			"binding", binding.String(),
			"deliveryTag", d.DeliveryTag,
			"error", err,
		)
	}

	l.acknowledge(d, acker)
	return err
}

// handleRPC invokes an RPC binding, publishes the reply and acknowledges the
// delivery. A failed handler still gets a reply, with an empty body and the
// error text in the error header.
func (l *Listener) handleRPC(ctx context.Context, d contracts.Delivery, binding subscriptions.Binding, msg any, acker *acknowledger) (err error) {
	reply := Reply{
		CorrelationID: d.CorrelationID,
		ContentType:   l.codec.ContentType(),
	}

	defer func() {
		l.publishReply(ctx, d, reply)
		l.acknowledge(d, acker)
	}()

	response, err := l.invoke(ctx, d, binding, msg)

	if err == nil {
		body, encodeErr := l.codec.Encode(response)
		if encodeErr != nil {
			err = fmt.Errorf("failed to encode response %s: %w", binding.ResponseTypeName(), encodeErr)
		} else {
			reply.Body = body
		}
	}

	if err != nil {
		l.logger.Error("rpc handler failed",
			"routingKey", d.RoutingKey,
			"binding", binding.String(),
			"correlationId", d.CorrelationID,
			"error", err,
		)
		reply.Body = []byte{}
		reply.Headers = map[string]interface{}{contracts.HeaderError: err.Error()}
	}

	return err
}

// invoke runs the binding through the interceptor chain inside a span and
// turns errors and panics into a HandlerError
func (l *Listener) invoke(ctx context.Context, d contracts.Delivery, binding subscriptions.Binding, msg any) (response any, err error) {
	start := time.Now()

	ctx, span := l.tracer.Start(ctx, "mmate.handle "+d.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", l.queue.Name),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
			attribute.String("messaging.message.conversation_id", d.CorrelationID),
			attribute.String("mmate.binding.kind", binding.Kind.String()),
			attribute.String("mmate.binding.message_type", binding.MessageTypeName()),
		),
	)

	defer func() {
		if r := recover(); r != nil {
			err = l.handlerError(binding, fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		l.metrics.RecordHandled(d.RoutingKey, binding.Kind.String(), time.Since(start), err == nil)
	}()

	inv := interceptors.Invocation{Delivery: d, Binding: binding, Message: msg}
	response, handlerErr := l.interceptors.Execute(ctx, inv, interceptors.HandlerFunc(handle))
	if handlerErr != nil {
		return nil, l.handlerError(binding, handlerErr)
	}
	return response, nil
}

func handle(ctx context.Context, inv interceptors.Invocation) (any, error) {
	if inv.Binding.IsRPC() {
		return inv.Binding.HandleRPC(ctx, inv.Message)
	}
	return nil, inv.Binding.HandleEvent(ctx, inv.Message)
}

func (l *Listener) handlerError(binding subscriptions.Binding, err error) *HandlerError {
	return &HandlerError{
		RoutingKey:  binding.RoutingKey,
		Kind:        binding.Kind.String(),
		MessageType: binding.MessageTypeName(),
		Err:         err,
		Timestamp:   time.Now(),
	}
}

func (l *Listener) publishReply(ctx context.Context, d contracts.Delivery, reply Reply) {
	if !d.ExpectsReply() {
		l.logger.Warn("rpc request has no reply address, reply dropped",
			"routingKey", d.RoutingKey,
			"correlationId", d.CorrelationID,
		)
		l.metrics.RecordReply(d.RoutingKey, ReplySkipped)
		return
	}

	exchange := l.replyExchangeName()
	if err := l.broker.Publish(ctx, exchange, d.ReplyTo, reply); err != nil {
		l.logger.Error("failed to publish reply",
			"exchange", exchange,
			"replyTo", d.ReplyTo,
			"correlationId", d.CorrelationID,
			"error", err,
		)
		l.metrics.RecordReply(d.RoutingKey, ReplyFailed)
		return
	}

	status := ReplySent
	if reply.Failed() {
		status = ReplyErrorSent
	}
	l.metrics.RecordReply(d.RoutingKey, status)
	l.logger.Debug("published reply", "replyTo", d.ReplyTo, "correlationId", d.CorrelationID, "status", status)
}

func (l *Listener) acknowledge(d contracts.Delivery, acker *acknowledger) {
	first, err := acker.ack()
	if !first {
		return
	}
	if err != nil {
		l.logger.Error("failed to ack delivery", "deliveryTag", d.DeliveryTag, "routingKey", d.RoutingKey, "error", err)
		l.metrics.RecordAck(AckFailed)
		return
	}
	l.metrics.RecordAck(AckSent)
}

func (l *Listener) settleUnrouted(d contracts.Delivery, acker *acknowledger) {
	switch l.unrouted {
	case UnroutedAck:
		l.acknowledge(d, acker)
	case UnroutedReject:
		first, err := acker.nack(false)
		if !first {
			return
		}
		if err != nil {
			l.logger.Error("failed to reject delivery", "deliveryTag", d.DeliveryTag, "routingKey", d.RoutingKey, "error", err)
			l.metrics.RecordAck(NackFailed)
			return
		}
		l.metrics.RecordAck(NackSent)
	default:
		l.metrics.RecordAck(AckIgnored)
	}
}
