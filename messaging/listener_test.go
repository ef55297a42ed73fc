package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-listener/contracts"
	"github.com/glimte/mmate-listener/serialization"
	"github.com/glimte/mmate-listener/subscriptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewListener(t *testing.T) {
	registry := subscriptions.NewBuilder(subscriptions.WithBuilderLogger(quietLogger())).Build()

	t.Run("requires a broker", func(t *testing.T) {
		_, err := NewListener(nil, registry)
		assert.ErrorIs(t, err, ErrBrokerRequired)
	})

	t.Run("requires a registry", func(t *testing.T) {
		_, err := NewListener(&mockBroker{}, nil)
		assert.ErrorIs(t, err, ErrRegistryRequired)
	})

	t.Run("applies defaults", func(t *testing.T) {
		listener, err := NewListener(&mockBroker{}, registry)
		require.NoError(t, err)

		assert.Equal(t, DefaultExchangeOptions(), listener.exchange)
		assert.Equal(t, DefaultQueueOptions(), listener.queue)
		assert.Equal(t, 10, listener.prefetchCount)
		assert.True(t, strings.HasPrefix(listener.ConsumerTag(), "mmate-listener-"))
		assert.Equal(t, UnroutedIgnore, listener.unrouted)
		assert.Equal(t, "mmate.listener", listener.replyExchangeName())
		assert.Equal(t, "application/json", listener.codec.ContentType())
		assert.IsType(t, &NoOpMetricsCollector{}, listener.metrics)
		assert.NotNil(t, listener.tracer)
	})

	t.Run("applies options", func(t *testing.T) {
		exchange := ExchangeOptions{Name: "orders", Type: "direct"}
		queue := QueueOptions{Name: "orders.listener", Exclusive: true}
		codec := serialization.NewJSONCodec(serialization.WithPrettyPrint(true))

		listener, err := NewListener(&mockBroker{}, registry,
			WithExchange(exchange),
			WithQueue(queue),
			WithPrefetchCount(50),
			WithConsumerTag("worker-1"),
			WithUnroutedPolicy(UnroutedReject),
			WithReplyExchange("replies"),
			WithReplyCodec(codec),
		)
		require.NoError(t, err)

		assert.Equal(t, exchange, listener.exchange)
		assert.Equal(t, queue, listener.queue)
		assert.Equal(t, 50, listener.prefetchCount)
		assert.Equal(t, "worker-1", listener.ConsumerTag())
		assert.Equal(t, UnroutedReject, listener.unrouted)
		assert.Equal(t, "replies", listener.replyExchangeName())
		assert.Same(t, codec, listener.codec)
	})

	t.Run("ignores empty option values", func(t *testing.T) {
		listener, err := NewListener(&mockBroker{}, registry,
			WithConsumerTag(""),
			WithPrefetchCount(-1),
			WithMetrics(nil),
			WithTracer(nil),
			WithReplyCodec(nil),
		)
		require.NoError(t, err)

		assert.NotEmpty(t, listener.ConsumerTag())
		assert.Equal(t, 10, listener.prefetchCount)
		assert.NotNil(t, listener.metrics)
		assert.NotNil(t, listener.tracer)
		assert.NotNil(t, listener.codec)
	})
}

func registerOrders(t *testing.T, handled chan<- *orderPlaced) func(b *subscriptions.Builder) {
	return func(b *subscriptions.Builder) {
		require.NoError(t, subscriptions.SubscribeEvent(b, "order.placed", eventFunc(func(ctx context.Context, msg *orderPlaced) error {
			handled <- msg
			return nil
		})))
		require.NoError(t, subscriptions.SubscribeRPC(b, "order.lookup", rpcFunc(func(ctx context.Context, q priceQuery) (priceQuote, error) {
			return priceQuote{}, nil
		})))
	}
}

func expectTopology(broker *mockBroker, listener *Listener) {
	broker.On("DeclareExchange", mock.Anything, listener.exchange).Return(nil)
	broker.On("DeclareQueue", mock.Anything, listener.queue).Return(nil)
	broker.On("BindQueue", mock.Anything, listener.queue.Name, listener.exchange.Name, "order.lookup").Return(nil)
	broker.On("BindQueue", mock.Anything, listener.queue.Name, listener.exchange.Name, "order.placed").Return(nil)
	broker.On("Qos", listener.prefetchCount).Return(nil)
}

func TestListenerRun(t *testing.T) {
	t.Run("empty registry returns without touching the broker", func(t *testing.T) {
		listener, broker, _ := newTestListener(t, nil)

		err := listener.Run(context.Background())

		assert.NoError(t, err)
		assert.Empty(t, broker.Calls)
	})

	t.Run("cancelled context returns its error", func(t *testing.T) {
		listener, broker, _ := newTestListener(t, registerOrders(t, make(chan *orderPlaced, 1)))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := listener.Run(ctx)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, broker.Calls)
	})

	t.Run("exchange declaration failure is fatal", func(t *testing.T) {
		listener, broker, _ := newTestListener(t, registerOrders(t, make(chan *orderPlaced, 1)))
		broker.On("DeclareExchange", mock.Anything, listener.exchange).Return(errors.New("access refused"))

		err := listener.Run(context.Background())

		var topologyErr *TopologyError
		require.ErrorAs(t, err, &topologyErr)
		assert.Equal(t, "declare exchange", topologyErr.Op)
		assert.Equal(t, "mmate.listener", topologyErr.Exchange)
		assert.Contains(t, err.Error(), "access refused")
		broker.AssertNotCalled(t, "DeclareQueue", mock.Anything, mock.Anything)
		broker.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything, mock.Anything)
		assert.False(t, listener.Stats().Running)
	})

	t.Run("binding failure names the routing key", func(t *testing.T) {
		listener, broker, _ := newTestListener(t, registerOrders(t, make(chan *orderPlaced, 1)))
		broker.On("DeclareExchange", mock.Anything, listener.exchange).Return(nil)
		broker.On("DeclareQueue", mock.Anything, listener.queue).Return(nil)
		broker.On("BindQueue", mock.Anything, listener.queue.Name, listener.exchange.Name, "order.lookup").Return(errors.New("not found"))

		err := listener.Run(context.Background())

		var topologyErr *TopologyError
		require.ErrorAs(t, err, &topologyErr)
		assert.Equal(t, "bind queue", topologyErr.Op)
		assert.Equal(t, "order.lookup", topologyErr.RoutingKey)
		broker.AssertNotCalled(t, "Qos", mock.Anything)
	})

	t.Run("consume failure is returned", func(t *testing.T) {
		listener, broker, _ := newTestListener(t, registerOrders(t, make(chan *orderPlaced, 1)))
		expectTopology(broker, listener)
		broker.On("Consume", mock.Anything, listener.queue.Name, listener.ConsumerTag()).Return(nil, errors.New("queue in use"))

		err := listener.Run(context.Background())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue in use")
	})

	t.Run("dispatches deliveries until cancelled", func(t *testing.T) {
		handled := make(chan *orderPlaced, 1)
		listener, broker, _ := newTestListener(t, registerOrders(t, handled))
		deliveries := make(chan contracts.Delivery, 1)

		expectTopology(broker, listener)
		broker.On("Consume", mock.Anything, listener.queue.Name, listener.ConsumerTag()).Return((<-chan contracts.Delivery)(deliveries), nil)
		broker.On("Ack", uint64(1)).Return(nil)
		broker.On("Cancel", listener.ConsumerTag()).Return(nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- listener.Run(ctx) }()

		deliveries <- contracts.Delivery{RoutingKey: "order.placed", DeliveryTag: 1, Body: []byte(`{"orderId":"o-1"}`)}

		select {
		case msg := <-handled:
			assert.Equal(t, "o-1", msg.OrderID)
		case <-time.After(2 * time.Second):
			t.Fatal("delivery was not dispatched")
		}

		assert.Eventually(t, func() bool { return listener.Stats().Processed == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.True(t, listener.Stats().Running)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("listener did not stop")
		}

		broker.AssertExpectations(t)
		assert.False(t, listener.Stats().Running)
	})

	t.Run("waits for in-flight handlers on shutdown", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		handlerCtxErr := make(chan error, 1)

		listener, broker, _ := newTestListener(t, func(b *subscriptions.Builder) {
			require.NoError(t, subscriptions.SubscribeEvent(b, "order.placed", eventFunc(func(ctx context.Context, msg *orderPlaced) error {
				close(started)
				<-release
				handlerCtxErr <- ctx.Err()
				return nil
			})))
		})
		deliveries := make(chan contracts.Delivery, 1)

		broker.On("DeclareExchange", mock.Anything, mock.Anything).Return(nil)
		broker.On("DeclareQueue", mock.Anything, mock.Anything).Return(nil)
		broker.On("BindQueue", mock.Anything, mock.Anything, mock.Anything, "order.placed").Return(nil)
		broker.On("Qos", mock.Anything).Return(nil)
		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything).Return((<-chan contracts.Delivery)(deliveries), nil)
		broker.On("Cancel", mock.Anything).Return(nil)
		broker.On("Ack", uint64(3)).Return(nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- listener.Run(ctx) }()

		deliveries <- contracts.Delivery{RoutingKey: "order.placed", DeliveryTag: 3, Body: []byte(`{"orderId":"o-3"}`)}
		<-started
		cancel()

		select {
		case <-done:
			t.Fatal("listener returned before in-flight handler finished")
		case <-time.After(100 * time.Millisecond):
		}
		assert.Equal(t, int64(1), listener.Stats().InFlight)

		close(release)
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("listener did not stop")
		}

		assert.NoError(t, <-handlerCtxErr)
		broker.AssertCalled(t, "Ack", uint64(3))
		broker.AssertCalled(t, "Cancel", listener.ConsumerTag())
	})

	t.Run("closed delivery stream is reported", func(t *testing.T) {
		listener, broker, _ := newTestListener(t, registerOrders(t, make(chan *orderPlaced, 1)))
		deliveries := make(chan contracts.Delivery)
		close(deliveries)

		expectTopology(broker, listener)
		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything).Return((<-chan contracts.Delivery)(deliveries), nil)

		err := listener.Run(context.Background())

		assert.ErrorIs(t, err, ErrDeliveryStreamClosed)
	})

	t.Run("closed stream waits for hanging handlers and reports them", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		logs := &syncBuffer{}

		listener, broker, _ := newTestListener(t, func(b *subscriptions.Builder) {
			require.NoError(t, subscriptions.SubscribeEvent(b, "order.placed", eventFunc(func(ctx context.Context, msg *orderPlaced) error {
				close(started)
				<-release
				return nil
			})))
		}, WithListenerLogger(slog.New(slog.NewTextHandler(logs, nil))))
		listener.drainReportInterval = 10 * time.Millisecond
		deliveries := make(chan contracts.Delivery, 1)

		expectTopology(broker, listener)
		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything).Return((<-chan contracts.Delivery)(deliveries), nil)
		broker.On("Ack", uint64(9)).Return(nil)

		done := make(chan error, 1)
		go func() { done <- listener.Run(context.Background()) }()

		deliveries <- contracts.Delivery{RoutingKey: "order.placed", DeliveryTag: 9, Body: []byte(`{"orderId":"o-9"}`)}
		<-started
		close(deliveries)

		assert.Eventually(t, func() bool {
			return strings.Contains(logs.String(), "still waiting for in-flight deliveries")
		}, 2*time.Second, 5*time.Millisecond)
		assert.Contains(t, logs.String(), "inFlight=1")

		select {
		case <-done:
			t.Fatal("listener returned while a handler was in flight")
		default:
		}

		close(release)
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrDeliveryStreamClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("listener did not return")
		}
		broker.AssertNumberOfCalls(t, "Ack", 1)
	})

	t.Run("second Run while running is rejected", func(t *testing.T) {
		listener, broker, _ := newTestListener(t, registerOrders(t, make(chan *orderPlaced, 1)))
		deliveries := make(chan contracts.Delivery)
		consuming := make(chan struct{})

		expectTopology(broker, listener)
		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { close(consuming) }).
			Return((<-chan contracts.Delivery)(deliveries), nil)
		broker.On("Cancel", mock.Anything).Return(nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- listener.Run(ctx) }()
		<-consuming

		assert.ErrorIs(t, listener.Run(context.Background()), ErrListenerRunning)

		cancel()
		assert.NoError(t, <-done)
	})
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
