package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-listener/internal/rabbitmq"
	"github.com/glimte/mmate-listener/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// probe opens a short-lived channel for a passive check. A failed passive
// declare closes the channel it ran on, so the dispatch channel is never used.
func probe(connManager *rabbitmq.ConnectionManager, res Result, fn func(ch *amqp.Channel) Result) Result {
	conn, err := connManager.Connection()
	if err != nil {
		return res.set(StatusUnhealthy, "no broker connection", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return res.set(StatusUnhealthy, "failed to open probe channel", err)
	}
	defer ch.Close()

	return fn(ch)
}

// RabbitMQChecker checks the broker connection
type RabbitMQChecker struct {
	connManager *rabbitmq.ConnectionManager
	logger      *slog.Logger
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager, logger *slog.Logger) *RabbitMQChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQChecker{
		connManager: connManager,
		logger:      logger,
	}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) Result {
	res := newResult(c.Name())
	return probe(c.connManager, res, func(ch *amqp.Channel) Result {
		if err := ch.ExchangeDeclarePassive("amq.direct", "direct", true, false, false, false, nil); err != nil {
			c.logger.Warn("rabbitmq health probe failed", "error", err)
			return res.set(StatusDegraded, "broker probe failed", err)
		}
		res = res.set(StatusHealthy, "connected", nil)
		res.Details["responseTimeMs"] = res.Duration.Milliseconds()
		return res
	})
}

// QueueChecker inspects the consumed queue's depth and consumer count
type QueueChecker struct {
	connManager *rabbitmq.ConnectionManager
	queue       string
	maxDepth    int
}

// NewQueueChecker creates a queue checker. A positive maxDepth marks the
// queue degraded once more messages than that are waiting.
func NewQueueChecker(connManager *rabbitmq.ConnectionManager, queue string, maxDepth int) *QueueChecker {
	return &QueueChecker{
		connManager: connManager,
		queue:       queue,
		maxDepth:    maxDepth,
	}
}

func (c *QueueChecker) Name() string {
	return "queue"
}

func (c *QueueChecker) Check(ctx context.Context) Result {
	res := newResult(c.Name())
	res.Details["queue"] = c.queue

	return probe(c.connManager, res, func(ch *amqp.Channel) Result {
		q, err := ch.QueueDeclarePassive(c.queue, false, false, false, false, nil)
		if err != nil {
			return res.set(StatusUnhealthy, "queue inspection failed", err)
		}
		res.Details["messages"] = q.Messages
		res.Details["consumers"] = q.Consumers
		status, message := assessQueue(q.Messages, q.Consumers, c.maxDepth)
		return res.set(status, message, nil)
	})
}

func assessQueue(messages, consumers, maxDepth int) (Status, string) {
	switch {
	case consumers == 0:
		return StatusDegraded, "queue has no consumers"
	case maxDepth > 0 && messages > maxDepth:
		return StatusDegraded, fmt.Sprintf("queue depth %d exceeds %d", messages, maxDepth)
	default:
		return StatusHealthy, "queue is being consumed"
	}
}

// ChannelChecker checks that the dispatch channel is open
type ChannelChecker struct {
	channel *rabbitmq.Channel
}

func NewChannelChecker(channel *rabbitmq.Channel) *ChannelChecker {
	return &ChannelChecker{channel: channel}
}

func (c *ChannelChecker) Name() string {
	return "channel"
}

func (c *ChannelChecker) Check(ctx context.Context) Result {
	res := newResult(c.Name())
	res.Details["channelId"] = c.channel.ID()

	if !c.channel.IsOpen() {
		return res.set(StatusUnhealthy, "dispatch channel is closed", nil)
	}
	return res.set(StatusHealthy, "dispatch channel is open", nil)
}

// StatsProvider reports listener statistics
type StatsProvider interface {
	Stats() messaging.Stats
}

// ListenerChecker reports whether the listener is consuming
type ListenerChecker struct {
	listener StatsProvider
}

func NewListenerChecker(listener StatsProvider) *ListenerChecker {
	return &ListenerChecker{listener: listener}
}

func (c *ListenerChecker) Name() string {
	return "listener"
}

func (c *ListenerChecker) Check(ctx context.Context) Result {
	stats := c.listener.Stats()

	res := newResult(c.Name())
	res.Details["inFlight"] = stats.InFlight
	res.Details["processed"] = stats.Processed

	if !stats.Running {
		return res.set(StatusUnhealthy, "listener is not consuming", nil)
	}
	res.Details["uptimeSeconds"] = int64(time.Since(stats.StartedAt).Seconds())
	return res.set(StatusHealthy, "listener is consuming", nil)
}
