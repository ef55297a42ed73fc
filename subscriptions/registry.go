package subscriptions

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mmate-listener/contracts"
	"github.com/glimte/mmate-listener/serialization"
)

// Builder collects bindings before the listener starts
type Builder struct {
	mu     sync.Mutex
	table  map[string][]Binding
	count  int
	codec  serialization.Codec
	logger *slog.Logger
	built  bool
}

// BuilderOption configures the Builder
type BuilderOption func(*Builder)

// WithCodec sets the codec used to decode payloads
func WithCodec(codec serialization.Codec) BuilderOption {
	return func(b *Builder) {
		if codec != nil {
			b.codec = codec
		}
	}
}

// WithBuilderLogger sets the logger
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates an empty builder using the JSON codec
func NewBuilder(options ...BuilderOption) *Builder {
	b := &Builder{
		table:  make(map[string][]Binding),
		codec:  serialization.NewJSONCodec(),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Codec returns the codec shared by all bindings of this builder
func (b *Builder) Codec() serialization.Codec {
	return b.codec
}

// register appends a binding under its routing key, keeping registration order
func (b *Builder) register(binding Binding) error {
	if binding.RoutingKey == "" {
		return ErrRoutingKeyRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return ErrRegistryBuilt
	}

	binding.sequence = b.count
	b.count++
	b.table[binding.RoutingKey] = append(b.table[binding.RoutingKey], binding)

	b.logger.Info("registered subscription",
		"routingKey", binding.RoutingKey,
		"kind", binding.Kind.String(),
		"messageType", binding.MessageTypeName(),
		"responseType", binding.ResponseTypeName(),
	)

	return nil
}

// Build freezes the builder and returns the read-only registry.
// Later registrations on the builder fail with ErrRegistryBuilt.
func (b *Builder) Build() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.built = true

	table := make(map[string][]Binding, len(b.table))
	keys := make([]string, 0, len(b.table))
	for key, bindings := range b.table {
		copied := make([]Binding, len(bindings))
		copy(copied, bindings)
		table[key] = copied
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return &Registry{
		table: table,
		keys:  keys,
		count: b.count,
		codec: b.codec,
	}
}

// Registry is the immutable routing table
type Registry struct {
	table map[string][]Binding
	keys  []string
	count int
	codec serialization.Codec
}

// AllBindings returns a copy of the routing table, or nil when nothing was registered
func (r *Registry) AllBindings() map[string][]Binding {
	if r == nil || len(r.table) == 0 {
		return nil
	}

	snapshot := make(map[string][]Binding, len(r.table))
	for key, bindings := range r.table {
		copied := make([]Binding, len(bindings))
		copy(copied, bindings)
		snapshot[key] = copied
	}
	return snapshot
}

// Lookup returns a copy of the bindings for a routing key in registration
// order, or nil when the key has none
func (r *Registry) Lookup(routingKey string) []Binding {
	if r == nil {
		return nil
	}
	bindings, ok := r.table[routingKey]
	if !ok {
		return nil
	}
	copied := make([]Binding, len(bindings))
	copy(copied, bindings)
	return copied
}

// RoutingKeys returns the distinct routing keys in lexical order
func (r *Registry) RoutingKeys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, len(r.keys))
	copy(keys, r.keys)
	return keys
}

// Len returns the total number of bindings
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

// Codec returns the codec the bindings decode with
func (r *Registry) Codec() serialization.Codec {
	if r == nil || r.codec == nil {
		return serialization.NewJSONCodec()
	}
	return r.codec
}

// IsEmpty reports whether no binding was registered
func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

func resolve[H any](ctx context.Context, provider Provider[H]) (H, error) {
	h, err := provider(ctx)
	if err != nil {
		var zero H
		return zero, err
	}
	if any(h) == nil {
		var zero H
		return zero, ErrNilHandler
	}
	return h, nil
}

// SubscribeEvent registers a handler for a payload type that carries its own metadata.
// Metadata fields missing from the payload are filled from the delivery when T
// implements contracts.MetadataSetter.
func SubscribeEvent[T contracts.DistributedEvent](b *Builder, routingKey string, provider Provider[EventHandler[T]]) error {
	if provider == nil {
		return ErrProviderRequired
	}
	codec := b.codec

	return b.register(Binding{
		RoutingKey:  routingKey,
		MessageType: serialization.TypeOf[T](),
		Kind:        KindEvent,
		decode: func(d contracts.Delivery) (any, bool, error) {
			msg, ok, err := serialization.DecodeValue[T](codec, d.Body)
			if !ok {
				return nil, false, err
			}
			if setter, isSetter := any(msg).(contracts.MetadataSetter); isSetter {
				setter.SetMetadata(msg.Metadata().Merge(d.Metadata()))
			}
			return msg, true, nil
		},
		invoke: func(ctx context.Context, msg any) error {
			typed, err := messageOf[T](msg)
			if err != nil {
				return err
			}
			h, err := resolve(ctx, provider)
			if err != nil {
				return err
			}
			return h.Handle(ctx, typed)
		},
	})
}

// SubscribeWrapped registers a handler for a payload type without metadata.
// The decoded value is delivered inside a contracts.EventWrapper.
func SubscribeWrapped[T any](b *Builder, routingKey string, provider Provider[EventHandler[*contracts.EventWrapper[T]]]) error {
	if provider == nil {
		return ErrProviderRequired
	}
	codec := b.codec

	return b.register(Binding{
		RoutingKey:  routingKey,
		MessageType: serialization.TypeOf[T](),
		Kind:        KindWrappedEvent,
		decode: func(d contracts.Delivery) (any, bool, error) {
			data, ok, err := serialization.DecodeValue[T](codec, d.Body)
			if !ok {
				return nil, false, err
			}
			return contracts.NewEventWrapper(data, d.Metadata()), true, nil
		},
		invoke: func(ctx context.Context, msg any) error {
			wrapped, err := messageOf[*contracts.EventWrapper[T]](msg)
			if err != nil {
				return err
			}
			h, err := resolve(ctx, provider)
			if err != nil {
				return err
			}
			return h.Handle(ctx, wrapped)
		},
	})
}

// SubscribeDynamic registers a handler that receives the payload decoded to a generic value
func SubscribeDynamic(b *Builder, routingKey string, provider Provider[DynamicEventHandler]) error {
	if provider == nil {
		return ErrProviderRequired
	}
	codec := b.codec

	return b.register(Binding{
		RoutingKey: routingKey,
		Kind:       KindDynamicEvent,
		decode: func(d contracts.Delivery) (any, bool, error) {
			return serialization.DecodeValue[any](codec, d.Body)
		},
		invoke: func(ctx context.Context, msg any) error {
			h, err := resolve(ctx, provider)
			if err != nil {
				return err
			}
			return h.Handle(ctx, msg)
		},
	})
}

// SubscribeRPC registers a request/response handler
func SubscribeRPC[T, R any](b *Builder, routingKey string, provider Provider[RPCHandler[T, R]]) error {
	if provider == nil {
		return ErrProviderRequired
	}
	codec := b.codec

	return b.register(Binding{
		RoutingKey:   routingKey,
		MessageType:  serialization.TypeOf[T](),
		ResponseType: serialization.TypeOf[R](),
		Kind:         KindRPC,
		decode: func(d contracts.Delivery) (any, bool, error) {
			msg, ok, err := serialization.DecodeValue[T](codec, d.Body)
			if !ok {
				return nil, false, err
			}
			return msg, true, nil
		},
		invokeRPC: func(ctx context.Context, msg any) (any, error) {
			typed, err := messageOf[T](msg)
			if err != nil {
				return nil, err
			}
			h, err := resolve(ctx, provider)
			if err != nil {
				return nil, err
			}
			resp, err := h.Handle(ctx, typed)
			if err != nil {
				return nil, err
			}
			return resp, nil
		},
	})
}
