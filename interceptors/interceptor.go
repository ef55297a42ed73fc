package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-listener/contracts"
	"github.com/glimte/mmate-listener/subscriptions"
)

// Invocation is a single binding about to handle a decoded message
type Invocation struct {
	Delivery contracts.Delivery
	Binding  subscriptions.Binding
	Message  any
}

// Handler handles an invocation. Event bindings return a nil response.
type Handler interface {
	Handle(ctx context.Context, inv Invocation) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, inv Invocation) (any, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) (any, error) {
	return f(ctx, inv)
}

// Interceptor wraps the handling of an invocation
type Interceptor interface {
	// Intercept processes an invocation and calls the next handler in the chain
	Intercept(ctx context.Context, inv Invocation, next Handler) (any, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, inv Invocation, next Handler) (any, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, inv Invocation, next Handler) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, inv Invocation, next Handler) (any, error) {
	return i.fn(ctx, inv, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain runs interceptors in the order they were added
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	c.logger.Debug("added interceptor", "interceptor", interceptor.Name())
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs the chain, calling final last. A nil chain calls final directly.
func (c *InterceptorChain) Execute(ctx context.Context, inv Invocation, final Handler) (any, error) {
	if c.Len() == 0 {
		return final.Handle(ctx, inv)
	}

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, inv Invocation) (any, error) {
			return interceptor.Intercept(ctx, inv, next)
		})
	}

	return handler.Handle(ctx, inv)
}

// Built-in interceptors

// LoggingInterceptor logs every invocation with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, inv Invocation, next Handler) (any, error) {
	start := time.Now()

	i.logger.Info("handling message",
		"routingKey", inv.Delivery.RoutingKey,
		"binding", inv.Binding.String(),
		"deliveryTag", inv.Delivery.DeliveryTag,
		"correlationId", inv.Delivery.CorrelationID,
	)

	response, err := next.Handle(ctx, inv)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message handling failed",
			"routingKey", inv.Delivery.RoutingKey,
			"binding", inv.Binding.String(),
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message handled",
			"routingKey", inv.Delivery.RoutingKey,
			"binding", inv.Binding.String(),
			"duration", duration,
		)
	}

	return response, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor stops waiting for a handler once the timeout expires.
// The handler keeps running with a cancelled context; its result is dropped.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

type outcome struct {
	response any
	err      error
	panicked any
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, inv Invocation, next Handler) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o.panicked = r
			}
			done <- o
		}()
		o.response, o.err = next.Handle(ctx, inv)
	}()

	select {
	case o := <-done:
		if o.panicked != nil {
			// surface on the caller's goroutine so dispatch recovery sees it
			panic(o.panicked)
		}
		return o.response, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s after %v", ErrHandlerTimeout, inv.Binding.String(), i.timeout)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
