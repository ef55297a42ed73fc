// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-listener/config"
	"github.com/glimte/mmate-listener/health"
	"github.com/glimte/mmate-listener/internal/rabbitmq"
	"github.com/glimte/mmate-listener/messaging"
	"github.com/glimte/mmate-listener/metrics"
	"github.com/glimte/mmate-listener/subscriptions"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Client wires a RabbitMQ connection, the listener and its health and
// metrics reporting from a configuration
type Client struct {
	conn     *rabbitmq.ConnectionManager
	channel  *rabbitmq.Channel
	listener *messaging.Listener
	metrics  *metrics.Collector
	health   *health.Registry
	logger   *slog.Logger

	// resume restores the dispatch channel after the delivery stream closed
	resume     func(ctx context.Context) error
	retryDelay time.Duration

	closeOnce sync.Once
	closeErr  error
}

// runner is the part of the listener the client drives
type runner interface {
	Run(ctx context.Context) error
}

// clientConfig holds client configuration
type clientConfig struct {
	logger          *slog.Logger
	registerer      prometheus.Registerer
	tracer          trace.Tracer
	dialer          rabbitmq.Dialer
	listenerOptions []messaging.ListenerOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetricsRegisterer sets where the Prometheus collectors are registered
func WithMetricsRegisterer(registerer prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = registerer
	}
}

// WithTracer sets the tracer used around handler invocations
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracer = tracer
	}
}

// WithDialer overrides how the broker connection is dialled
func WithDialer(dial rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dial
	}
}

// WithListenerOptions appends listener options applied after the configured ones
func WithListenerOptions(opts ...messaging.ListenerOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listenerOptions = append(cfg.listenerOptions, opts...)
	}
}

// NewClient connects to RabbitMQ and builds a listener for registry
func NewClient(ctx context.Context, cfg *config.Config, registry *subscriptions.Registry, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}

	collector := metrics.NewCollector(cc.registerer)
	if err := collector.Register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithConnectionLogger(cc.logger),
		rabbitmq.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay),
		rabbitmq.WithMaxRetries(cfg.RabbitMQ.MaxRetries),
	}
	if cc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cc.dialer))
	}
	conn := rabbitmq.NewConnectionManager(cfg.RabbitMQ.URL, connOpts...)
	conn.AddStateListener(collector)

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	channel, err := rabbitmq.NewChannel(conn.Opener(), rabbitmq.WithChannelLogger(cc.logger))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	listenerOpts, err := cfg.ListenerOptions()
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	listenerOpts = append(listenerOpts,
		messaging.WithListenerLogger(cc.logger),
		messaging.WithMetrics(collector),
	)
	if chain := cfg.Interceptors(cc.logger); chain != nil {
		listenerOpts = append(listenerOpts, messaging.WithInterceptors(chain))
	}
	if cc.tracer != nil {
		listenerOpts = append(listenerOpts, messaging.WithTracer(cc.tracer))
	}
	listenerOpts = append(listenerOpts, cc.listenerOptions...)

	broker := rabbitmq.NewBroker(channel, rabbitmq.WithBrokerLogger(cc.logger))
	listener, err := messaging.NewListener(broker, registry, listenerOpts...)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	checks := health.NewRegistry()
	checks.Register(health.NewRabbitMQChecker(conn, cc.logger))
	checks.Register(health.NewChannelChecker(channel))
	checks.Register(health.NewQueueChecker(conn, cfg.Queue.Name, cfg.Health.MaxQueueDepth))
	checks.Register(health.NewListenerChecker(listener))
	checks.SetMetadata("queue", cfg.Queue.Name)
	checks.SetMetadata("exchange", cfg.Exchange.Name)
	checks.SetMetadata("consumerTag", listener.ConsumerTag())

	c := &Client{
		conn:       conn,
		channel:    channel,
		listener:   listener,
		metrics:    collector,
		health:     checks,
		logger:     cc.logger,
		retryDelay: cfg.RabbitMQ.ReconnectDelay,
	}
	c.resume = c.reopenChannel
	return c, nil
}

// Listener returns the underlying listener
func (c *Client) Listener() *messaging.Listener {
	return c.listener
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Metrics returns the Prometheus collector
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// Run runs the listener until ctx is cancelled. When the delivery stream
// closes because the connection dropped, it waits for the connection to be
// restored and starts consuming again.
func (c *Client) Run(ctx context.Context) error {
	return c.run(ctx, c.listener)
}

func (c *Client) run(ctx context.Context, r runner) error {
	for {
		err := r.Run(ctx)
		if !errors.Is(err, messaging.ErrDeliveryStreamClosed) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("delivery stream closed, waiting for broker", "error", err)
		if err := c.resume(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.logger.Info("resuming consumption")
	}
}

// reopenChannel waits for the connection and replaces the dispatch channel
func (c *Client) reopenChannel(ctx context.Context) error {
	for {
		if err := c.conn.WaitForConnection(ctx); err != nil {
			return err
		}

		err := c.channel.Reopen()
		if err == nil {
			return nil
		}
		c.logger.Warn("failed to reopen channel", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

// Close closes the channel and the connection
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.channel != nil {
			if err := c.channel.Close(); err != nil {
				c.logger.Warn("failed to close channel", "error", err)
			}
		}
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}
