package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/glimte/mmate-listener/internal/rabbitmq"
	"github.com/glimte/mmate-listener/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return Func(name, func(ctx context.Context) Result {
		return Result{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		health := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("overall status is the worst check", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("a", StatusHealthy))
		registry.Register(staticChecker("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, registry.Check(context.Background()).Status)

		registry.Register(staticChecker("c", StatusUnhealthy))
		health := registry.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Len(t, health.Checks, 3)

		registry.Unregister("c")
		assert.Equal(t, StatusDegraded, registry.Check(context.Background()).Status)
	})

	t.Run("metadata is reported", func(t *testing.T) {
		registry := NewRegistry()
		registry.SetMetadata("queue", "orders.listener")

		health := registry.Check(context.Background())
		assert.Equal(t, "orders.listener", health.Metadata["queue"])
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("fast", StatusHealthy))
		registry.Register(Func("slow", func(ctx context.Context) Result {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return Result{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		health := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		slow, ok := health.Result("slow")
		require.True(t, ok)
		assert.Equal(t, "check timed out", slow.Message)
		assert.Equal(t, context.DeadlineExceeded.Error(), slow.Error)
	})

	t.Run("results are sorted by name", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("queue", StatusHealthy))
		registry.Register(staticChecker("channel", StatusHealthy))
		registry.Register(staticChecker("listener", StatusHealthy))

		var names []string
		for _, c := range registry.Check(context.Background()).Checks {
			names = append(names, c.Name)
		}
		assert.Equal(t, []string{"channel", "listener", "queue"}, names)
	})
}

func TestMux(t *testing.T) {
	get := func(mux http.Handler, method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	t.Run("healthy report is served as JSON", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("listener", StatusHealthy))

		rec := get(Mux(registry, time.Second), http.MethodGet, "/health")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body Report
		require.NoError(t, sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, StatusHealthy, body.Status)
		require.Len(t, body.Checks, 1)
		assert.Equal(t, "listener", body.Checks[0].Name)
	})

	t.Run("degraded is still served with 200", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("queue", StatusDegraded))
		mux := Mux(registry, 0)

		assert.Equal(t, http.StatusOK, get(mux, http.MethodGet, "/health").Code)
		assert.Equal(t, "ready", get(mux, http.MethodGet, "/ready").Body.String())
	})

	t.Run("unhealthy returns 503", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("rabbitmq", StatusUnhealthy))
		mux := Mux(registry, time.Second)

		assert.Equal(t, http.StatusServiceUnavailable, get(mux, http.MethodGet, "/health").Code)

		rec := get(mux, http.MethodGet, "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", rec.Body.String())
	})

	t.Run("health rejects non-GET", func(t *testing.T) {
		rec := get(Mux(NewRegistry(), time.Second), http.MethodPost, "/health")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("liveness always succeeds", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("listener", StatusUnhealthy))

		rec := get(Mux(registry, time.Second), http.MethodGet, "/live")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}

type fakeStats struct {
	stats messaging.Stats
}

func (f fakeStats) Stats() messaging.Stats {
	return f.stats
}

// stubChannel implements only the calls Channel makes for open/close checks
type stubChannel struct {
	rabbitmq.AMQPChannel
	closed bool
}

func (s *stubChannel) IsClosed() bool { return s.closed }

func (s *stubChannel) Close() error {
	s.closed = true
	return nil
}

func TestCheckers(t *testing.T) {
	t.Run("listener checker follows running state", func(t *testing.T) {
		running := NewListenerChecker(fakeStats{messaging.Stats{Running: true, InFlight: 2, Processed: 10, StartedAt: time.Now()}})
		result := running.Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, int64(2), result.Details["inFlight"])
		assert.Equal(t, uint64(10), result.Details["processed"])

		stopped := NewListenerChecker(fakeStats{})
		assert.Equal(t, StatusUnhealthy, stopped.Check(context.Background()).Status)
	})

	t.Run("channel checker reports closed channel", func(t *testing.T) {
		stub := &stubChannel{}
		channel, err := rabbitmq.NewChannel(func() (rabbitmq.AMQPChannel, error) { return stub, nil })
		require.NoError(t, err)

		checker := NewChannelChecker(channel)
		assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

		stub.closed = true
		result := checker.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, channel.ID(), result.Details["channelId"])
	})

	t.Run("rabbitmq checker is unhealthy without a connection", func(t *testing.T) {
		checker := NewRabbitMQChecker(rabbitmq.NewConnectionManager("amqp://localhost:5672"), nil)

		result := checker.Check(context.Background())

		assert.Equal(t, "rabbitmq", checker.Name())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, rabbitmq.ErrConnectionNotReady.Error(), result.Error)
	})
	t.Run("queue checker is unhealthy without a connection", func(t *testing.T) {
		checker := NewQueueChecker(rabbitmq.NewConnectionManager("amqp://localhost:5672"), "orders", 100)

		result := checker.Check(context.Background())

		assert.Equal(t, "queue", checker.Name())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "orders", result.Details["queue"])
	})

	t.Run("queue assessment", func(t *testing.T) {
		status, _ := assessQueue(5, 1, 100)
		assert.Equal(t, StatusHealthy, status)

		status, msg := assessQueue(0, 0, 100)
		assert.Equal(t, StatusDegraded, status)
		assert.Contains(t, msg, "no consumers")

		status, msg = assessQueue(101, 2, 100)
		assert.Equal(t, StatusDegraded, status)
		assert.Contains(t, msg, "101")

		status, _ = assessQueue(5000, 2, 0)
		assert.Equal(t, StatusHealthy, status)
	})
}
