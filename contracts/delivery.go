package contracts

import (
	"context"
	"time"
)

// HeaderError is set on RPC replies whose handler failed
const HeaderError = "x-mmate-error"

// Delivery is a single message received from the broker
type Delivery struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	DeliveryTag   uint64
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Timestamp     time.Time
	Redelivered   bool
	Headers       map[string]interface{}
}

// ExpectsReply reports whether the sender asked for a reply
func (d Delivery) ExpectsReply() bool {
	return d.ReplyTo != ""
}

// Metadata extracts the routing metadata of the delivery
func (d Delivery) Metadata() MessageMetadata {
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return MessageMetadata{
		MessageID:     d.MessageID,
		CorrelationID: d.CorrelationID,
		RoutingKey:    d.RoutingKey,
		ReplyTo:       d.ReplyTo,
		Timestamp:     ts,
	}
}

type deliveryKey struct{}

// WithDelivery stores the delivery being handled in ctx
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFromContext returns the delivery a handler was invoked for
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}
