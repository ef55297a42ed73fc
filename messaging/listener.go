package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-listener/contracts"
	"github.com/glimte/mmate-listener/interceptors"
	"github.com/glimte/mmate-listener/serialization"
	"github.com/glimte/mmate-listener/subscriptions"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/mmate-listener/messaging"

// Listener consumes one queue and dispatches each delivery to the bindings
// registered for its routing key.
type Listener struct {
	broker        Broker
	registry      *subscriptions.Registry
	codec         serialization.Codec
	exchange      ExchangeOptions
	queue         QueueOptions
	replyExchange *string
	prefetchCount int
	consumerTag   string
	unrouted      UnroutedPolicy
	logger        *slog.Logger
	metrics       MetricsCollector
	tracer        trace.Tracer
	interceptors  *interceptors.InterceptorChain

	// drainReportInterval paces the in-flight log while draining
	drainReportInterval time.Duration

	wg        sync.WaitGroup
	running   atomic.Bool
	inFlight  atomic.Int64
	processed atomic.Uint64
	startedAt atomic.Int64
}

// ListenerOption configures the Listener
type ListenerOption func(*Listener)

// WithExchange sets the exchange declared and bound at startup
func WithExchange(exchange ExchangeOptions) ListenerOption {
	return func(l *Listener) {
		l.exchange = exchange
	}
}

// WithQueue sets the queue declared and consumed at startup
func WithQueue(queue QueueOptions) ListenerOption {
	return func(l *Listener) {
		l.queue = queue
	}
}

// WithPrefetchCount sets the broker prefetch limit
func WithPrefetchCount(count int) ListenerOption {
	return func(l *Listener) {
		if count >= 0 {
			l.prefetchCount = count
		}
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ListenerOption {
	return func(l *Listener) {
		if tag != "" {
			l.consumerTag = tag
		}
	}
}

// WithListenerLogger sets the logger
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) ListenerOption {
	return func(l *Listener) {
		if metrics != nil {
			l.metrics = metrics
		}
	}
}

// WithTracer sets the tracer used for handler spans
func WithTracer(tracer trace.Tracer) ListenerOption {
	return func(l *Listener) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// WithUnroutedPolicy sets what happens to deliveries no handler ran for
func WithUnroutedPolicy(policy UnroutedPolicy) ListenerOption {
	return func(l *Listener) {
		l.unrouted = policy
	}
}

// WithReplyExchange sets the exchange RPC replies are published to.
// An empty name publishes through the default exchange.
func WithReplyExchange(exchange string) ListenerOption {
	return func(l *Listener) {
		l.replyExchange = &exchange
	}
}

// WithReplyCodec sets the codec RPC responses are encoded with
func WithReplyCodec(codec serialization.Codec) ListenerOption {
	return func(l *Listener) {
		if codec != nil {
			l.codec = codec
		}
	}
}

// WithInterceptors runs every handler invocation through chain
func WithInterceptors(chain *interceptors.InterceptorChain) ListenerOption {
	return func(l *Listener) {
		l.interceptors = chain
	}
}

// NewListener creates a listener for the given registry
func NewListener(broker Broker, registry *subscriptions.Registry, opts ...ListenerOption) (*Listener, error) {
	if broker == nil {
		return nil, ErrBrokerRequired
	}
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	l := &Listener{
		broker:        broker,
		registry:      registry,
		codec:         registry.Codec(),
		exchange:      DefaultExchangeOptions(),
		queue:         DefaultQueueOptions(),
		prefetchCount: 10,
		consumerTag:   "mmate-listener-" + uuid.New().String(),
		unrouted:      UnroutedIgnore,
		logger:        slog.Default(),
		metrics:       &NoOpMetricsCollector{},
		tracer:        otel.Tracer(tracerName),

		drainReportInterval: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// ConsumerTag returns the tag the listener consumes with
func (l *Listener) ConsumerTag() string {
	return l.consumerTag
}

// Stats is a point-in-time view of the listener
type Stats struct {
	Running   bool
	InFlight  int64
	Processed uint64
	StartedAt time.Time
}

// Stats returns the current listener statistics
func (l *Listener) Stats() Stats {
	s := Stats{
		Running:   l.running.Load(),
		InFlight:  l.inFlight.Load(),
		Processed: l.processed.Load(),
	}
	if ts := l.startedAt.Load(); ts != 0 {
		s.StartedAt = time.Unix(0, ts)
	}
	return s
}

// Run declares the topology and dispatches deliveries until ctx is cancelled.
// With no subscriptions registered it returns nil immediately.
// On cancellation the consumer is cancelled and in-flight deliveries finish
// before Run returns.
func (l *Listener) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bindings := l.registry.AllBindings()
	if bindings == nil {
		l.logger.Info("no subscriptions registered, listener not started", "queue", l.queue.Name)
		return nil
	}

	if !l.running.CompareAndSwap(false, true) {
		return ErrListenerRunning
	}
	defer l.running.Store(false)

	if err := l.declareTopology(ctx); err != nil {
		return err
	}

	if err := l.broker.Qos(l.prefetchCount); err != nil {
		return fmt.Errorf("failed to set prefetch count: %w", err)
	}

	deliveries, err := l.broker.Consume(ctx, l.queue.Name, l.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming from queue %s: %w", l.queue.Name, err)
	}

	l.startedAt.Store(time.Now().UnixNano())
	l.logger.Info("listener started",
		"exchange", l.exchange.Name,
		"queue", l.queue.Name,
		"consumerTag", l.consumerTag,
		"routingKeys", len(bindings),
		"bindings", l.registry.Len(),
	)

	return l.consume(ctx, deliveries)
}

func (l *Listener) consume(ctx context.Context, deliveries <-chan contracts.Delivery) error {
	// handlers run to completion even after shutdown starts
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			if err := l.broker.Cancel(l.consumerTag); err != nil {
				l.logger.Warn("failed to cancel consumer", "consumerTag", l.consumerTag, "error", err)
			}
			l.logger.Info("listener stopping, waiting for in-flight deliveries", "inFlight", l.inFlight.Load())
			l.drain("shutdown")
			l.logger.Info("listener stopped", "processed", l.processed.Load())
			return nil

		case d, ok := <-deliveries:
			if !ok {
				// tags from the closed channel must not be acked on a reopened one,
				// so a hanging handler holds up the return
				l.logger.Error("delivery stream closed", "queue", l.queue.Name, "inFlight", l.inFlight.Load())
				l.drain("delivery stream closed")
				return ErrDeliveryStreamClosed
			}

			l.wg.Add(1)
			l.inFlight.Add(1)
			go func(d contracts.Delivery) {
				defer l.wg.Done()
				defer l.inFlight.Add(-1)
				l.Dispatch(handlerCtx, d)
				l.processed.Add(1)
			}(d)
		}
	}
}

// drain waits for every in-flight dispatch, logging the remaining count
// each drainReportInterval
func (l *Listener) drain(reason string) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(l.drainReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.logger.Warn("still waiting for in-flight deliveries", "reason", reason, "inFlight", l.inFlight.Load())
		}
	}
}

// declareTopology declares the exchange and queue and binds every registered routing key
func (l *Listener) declareTopology(ctx context.Context) error {
	if err := l.broker.DeclareExchange(ctx, l.exchange); err != nil {
		return &TopologyError{
			Op:        "declare exchange",
			Exchange:  l.exchange.Name,
			Queue:     l.queue.Name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if err := l.broker.DeclareQueue(ctx, l.queue); err != nil {
		return &TopologyError{
			Op:        "declare queue",
			Exchange:  l.exchange.Name,
			Queue:     l.queue.Name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	for _, key := range l.registry.RoutingKeys() {
		if err := l.broker.BindQueue(ctx, l.queue.Name, l.exchange.Name, key); err != nil {
			return &TopologyError{
				Op:         "bind queue",
				Exchange:   l.exchange.Name,
				Queue:      l.queue.Name,
				RoutingKey: key,
				Err:        err,
				Timestamp:  time.Now(),
			}
		}
		l.logger.Debug("bound routing key", "exchange", l.exchange.Name, "queue", l.queue.Name, "routingKey", key)
	}

	return nil
}

func (l *Listener) replyExchangeName() string {
	if l.replyExchange != nil {
		return *l.replyExchange
	}
	return l.exchange.Name
}
