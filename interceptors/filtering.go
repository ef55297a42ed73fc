package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrHandlerTimeout is returned when a handler outlives its timeout
	ErrHandlerTimeout = errors.New("interceptors: handler timed out")
	// ErrMessageFiltered is returned for filtered RPC invocations so the requester gets an error reply
	ErrMessageFiltered = errors.New("interceptors: message filtered")
)

// MessageFilter decides whether an invocation should reach its handler
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, inv Invocation) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, inv Invocation) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, inv Invocation) (bool, error) {
	return f(ctx, inv)
}

// FilteringInterceptor skips invocations a filter rejects.
// Skipped events count as handled; skipped RPC requests fail with ErrMessageFiltered.
type FilteringInterceptor struct {
	filter MessageFilter
	logger *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter: filter,
		logger: logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, inv Invocation, next Handler) (any, error) {
	shouldProcess, err := i.filter.ShouldProcess(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		i.logger.Debug("message filtered",
			"routingKey", inv.Delivery.RoutingKey,
			"binding", inv.Binding.String(),
			"deliveryTag", inv.Delivery.DeliveryTag,
		)
		if inv.Binding.IsRPC() {
			return nil, fmt.Errorf("%w: %s", ErrMessageFiltered, inv.Binding.String())
		}
		return nil, nil
	}

	return next.Handle(ctx, inv)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, inv Invocation) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, inv)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, inv Invocation) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, inv)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// SkipRedelivered rejects deliveries the broker has delivered before
func SkipRedelivered() MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, inv Invocation) (bool, error) {
		return !inv.Delivery.Redelivered, nil
	})
}

// RequireHeader accepts deliveries carrying the header, with any value
func RequireHeader(name string) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, inv Invocation) (bool, error) {
		_, ok := inv.Delivery.Headers[name]
		return ok, nil
	})
}

// HeaderEquals accepts deliveries whose string header equals value
func HeaderEquals(name, value string) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, inv Invocation) (bool, error) {
		v, ok := inv.Delivery.Headers[name].(string)
		return ok && v == value, nil
	})
}
