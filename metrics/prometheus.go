package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "mmate"
	subsystem = "listener"
)

// Collector records listener metrics in Prometheus collectors
type Collector struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	deliveriesTotal     *prometheus.CounterVec
	decodeFailuresTotal *prometheus.CounterVec
	handledTotal        *prometheus.CounterVec
	handlerDuration     *prometheus.HistogramVec
	repliesTotal        *prometheus.CounterVec
	acksTotal           *prometheus.CounterVec
	connectionUp        prometheus.Gauge
	reconnectsTotal     prometheus.Counter
	disconnectsTotal    prometheus.Counter
}

// newCounterVec creates a counter vec in the mmate/listener namespace
func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewCollector creates a collector that registers with registerer, or the default registerer when nil
func NewCollector(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		registerer:          registerer,
		deliveriesTotal:     newCounterVec("deliveries_total", "Deliveries received by routing outcome", []string{"routing_key", "outcome"}),
		decodeFailuresTotal: newCounterVec("decode_failures_total", "Bindings skipped because the payload could not be decoded", []string{"routing_key", "message_type"}),
		handledTotal:        newCounterVec("handled_total", "Handler invocations by result", []string{"routing_key", "kind", "result"}),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"routing_key", "kind"},
		),
		repliesTotal: newCounterVec("replies_total", "RPC replies by status", []string{"routing_key", "status"}),
		acksTotal:    newCounterVec("acks_total", "Acknowledgment calls by result", []string{"result"}),
		connectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_up",
			Help:      "1 while the broker connection is open",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnect_attempts_total",
			Help:      "Broker reconnection attempts",
		}),
		disconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "disconnects_total",
			Help:      "Broker connection losses",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	errs := []error{
		adopt(c.registerer, &c.deliveriesTotal),
		adopt(c.registerer, &c.decodeFailuresTotal),
		adopt(c.registerer, &c.handledTotal),
		adopt(c.registerer, &c.handlerDuration),
		adopt(c.registerer, &c.repliesTotal),
		adopt(c.registerer, &c.acksTotal),
		adopt(c.registerer, &c.connectionUp),
		adopt(c.registerer, &c.reconnectsTotal),
		adopt(c.registerer, &c.disconnectsTotal),
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.registered = true
	return nil
}

// adopt registers *collector. When an equal collector is already registered,
// *collector is replaced by it so recordings reach the gathered series.
func adopt[T prometheus.Collector](registerer prometheus.Registerer, collector *T) error {
	err := registerer.Register(*collector)
	if err == nil {
		return nil
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	existing, ok := already.ExistingCollector.(T)
	if !ok {
		return fmt.Errorf("metrics: registered collector has type %T: %w", already.ExistingCollector, err)
	}
	*collector = existing
	return nil
}

// RecordDelivery implements messaging.MetricsCollector
func (c *Collector) RecordDelivery(routingKey string, outcome string) {
	c.deliveriesTotal.WithLabelValues(routingKey, outcome).Inc()
}

// RecordDecodeFailure implements messaging.MetricsCollector
func (c *Collector) RecordDecodeFailure(routingKey string, messageType string) {
	c.decodeFailuresTotal.WithLabelValues(routingKey, messageType).Inc()
}

// RecordHandled implements messaging.MetricsCollector
func (c *Collector) RecordHandled(routingKey string, kind string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.handledTotal.WithLabelValues(routingKey, kind, result).Inc()
	c.handlerDuration.WithLabelValues(routingKey, kind).Observe(duration.Seconds())
}

// RecordReply implements messaging.MetricsCollector
func (c *Collector) RecordReply(routingKey string, status string) {
	c.repliesTotal.WithLabelValues(routingKey, status).Inc()
}

// RecordAck implements messaging.MetricsCollector
func (c *Collector) RecordAck(result string) {
	c.acksTotal.WithLabelValues(result).Inc()
}

// OnConnected marks the connection as up
func (c *Collector) OnConnected() {
	c.connectionUp.Set(1)
}

// OnDisconnected marks the connection as down
func (c *Collector) OnDisconnected(err error) {
	c.connectionUp.Set(0)
	c.disconnectsTotal.Inc()
}

// OnReconnecting counts a reconnection attempt
func (c *Collector) OnReconnecting(attempt int) {
	c.reconnectsTotal.Inc()
}

// Handler serves the metrics gathered by gatherer, or the default gatherer when nil
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
