package subscriptions

import (
	"context"
)

// EventHandler handles fire-and-forget messages of type T
type EventHandler[T any] interface {
	Handle(ctx context.Context, msg T) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc[T any] func(ctx context.Context, msg T) error

// Handle implements EventHandler
func (f EventHandlerFunc[T]) Handle(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// DynamicEventHandler handles messages decoded without a declared type
type DynamicEventHandler interface {
	Handle(ctx context.Context, msg any) error
}

// DynamicEventHandlerFunc is a function adapter for DynamicEventHandler
type DynamicEventHandlerFunc func(ctx context.Context, msg any) error

// Handle implements DynamicEventHandler
func (f DynamicEventHandlerFunc) Handle(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// RPCHandler handles request messages of type T and produces a response of type R
type RPCHandler[T, R any] interface {
	Handle(ctx context.Context, request T) (R, error)
}

// RPCHandlerFunc is a function adapter for RPCHandler
type RPCHandlerFunc[T, R any] func(ctx context.Context, request T) (R, error)

// Handle implements RPCHandler
func (f RPCHandlerFunc[T, R]) Handle(ctx context.Context, request T) (R, error) {
	return f(ctx, request)
}

// Provider resolves a handler instance for a single dispatch
type Provider[H any] func(ctx context.Context) (H, error)

// Instance returns a Provider that always yields h
func Instance[H any](h H) Provider[H] {
	return func(context.Context) (H, error) {
		return h, nil
	}
}

// Factory returns a Provider that builds a new handler for every dispatch
func Factory[H any](newHandler func() H) Provider[H] {
	return func(context.Context) (H, error) {
		return newHandler(), nil
	}
}
