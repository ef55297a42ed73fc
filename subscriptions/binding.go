package subscriptions

import (
	"context"
	"fmt"
	"reflect"

	"github.com/glimte/mmate-listener/contracts"
	"github.com/glimte/mmate-listener/serialization"
)

// Kind identifies the handler shape of a binding
type Kind int

const (
	// KindEvent binds a handler for a payload that implements contracts.DistributedEvent
	KindEvent Kind = iota
	// KindWrappedEvent binds a handler for a payload delivered in contracts.EventWrapper
	KindWrappedEvent
	// KindDynamicEvent binds a handler for a payload without a declared type
	KindDynamicEvent
	// KindRPC binds a request/response handler
	KindRPC
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindWrappedEvent:
		return "wrapped_event"
	case KindDynamicEvent:
		return "dynamic_event"
	case KindRPC:
		return "rpc"
	default:
		return "unknown"
	}
}

type (
	decodeFunc      func(d contracts.Delivery) (any, bool, error)
	eventInvoker    func(ctx context.Context, msg any) error
	responseInvoker func(ctx context.Context, msg any) (any, error)
)

// Binding associates a routing key with a typed handler.
// The zero value is not usable; bindings are created by the Subscribe functions.
type Binding struct {
	RoutingKey   string
	MessageType  reflect.Type
	ResponseType reflect.Type
	Kind         Kind

	decode    decodeFunc
	invoke    eventInvoker
	invokeRPC responseInvoker
	sequence  int
}

// IsRPC reports whether the binding expects a reply to be published
func (b Binding) IsRPC() bool {
	return b.ResponseType != nil
}

// Sequence returns the global registration order of the binding
func (b Binding) Sequence() int {
	return b.sequence
}

// MessageTypeName returns a readable name of the message type
func (b Binding) MessageTypeName() string {
	return serialization.TypeName(b.MessageType)
}

// ResponseTypeName returns a readable name of the response type, empty for events
func (b Binding) ResponseTypeName() string {
	if b.ResponseType == nil {
		return ""
	}
	return serialization.TypeName(b.ResponseType)
}

// Decode converts the delivery payload into the message passed to the handler.
// ok is false when the payload holds no value or cannot be decoded.
func (b Binding) Decode(d contracts.Delivery) (msg any, ok bool, err error) {
	if b.decode == nil {
		return nil, false, ErrInvalidBinding
	}
	return b.decode(d)
}

// HandleEvent invokes an event handler with a message returned by Decode
func (b Binding) HandleEvent(ctx context.Context, msg any) error {
	if b.invoke == nil {
		return fmt.Errorf("%w: %s binding on %q has no event handler", ErrKindMismatch, b.Kind, b.RoutingKey)
	}
	return b.invoke(ctx, msg)
}

// HandleRPC invokes an RPC handler with a message returned by Decode and returns its response
func (b Binding) HandleRPC(ctx context.Context, msg any) (any, error) {
	if b.invokeRPC == nil {
		return nil, fmt.Errorf("%w: %s binding on %q has no rpc handler", ErrKindMismatch, b.Kind, b.RoutingKey)
	}
	return b.invokeRPC(ctx, msg)
}

// String returns a short description used in logs
func (b Binding) String() string {
	if b.IsRPC() {
		return fmt.Sprintf("%s(%s -> %s)@%s", b.Kind, b.MessageTypeName(), b.ResponseTypeName(), b.RoutingKey)
	}
	return fmt.Sprintf("%s(%s)@%s", b.Kind, b.MessageTypeName(), b.RoutingKey)
}

func messageOf[T any](msg any) (T, error) {
	typed, ok := msg.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: expected %T, got %T", ErrUnexpectedMessage, zero, msg)
	}
	return typed, nil
}
