package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the part of *amqp.Channel the broker uses
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// ChannelOpener opens a new AMQP channel
type ChannelOpener func() (AMQPChannel, error)

// Opener returns a ChannelOpener that uses the current connection
func (cm *ConnectionManager) Opener() ChannelOpener {
	return func() (AMQPChannel, error) {
		conn, err := cm.Connection()
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// Channel is a single AMQP channel shared by every dispatch goroutine.
// amqp091 channels must not interleave frames from concurrent callers, so
// every operation holds the channel mutex.
type Channel struct {
	mu     sync.Mutex
	open   ChannelOpener
	ch     AMQPChannel
	id     string
	logger *slog.Logger
}

// ChannelOption configures the Channel
type ChannelOption func(*Channel)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = logger
	}
}

// NewChannel opens a channel through open
func NewChannel(open ChannelOpener, options ...ChannelOption) (*Channel, error) {
	c := &Channel{
		open:   open,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if err := c.Reopen(); err != nil {
		return nil, err
	}
	return c, nil
}

// ID identifies the underlying channel; it changes on every reopen
func (c *Channel) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Do runs fn with exclusive access to the open channel
func (c *Channel) Do(op string, fn func(ch AMQPChannel) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil || c.ch.IsClosed() {
		return &ChannelError{Op: op, ChannelID: c.id, Err: ErrChannelClosed, Timestamp: time.Now()}
	}

	if err := fn(c.ch); err != nil {
		return &ChannelError{Op: op, ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// IsOpen reports whether the channel can be used
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil && !c.ch.IsClosed()
}

// Reopen replaces the underlying channel, closing the old one if still open
func (c *Channel) Reopen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil && !c.ch.IsClosed() {
		_ = c.ch.Close()
	}

	id := uuid.New().String()
	ch, err := c.open()
	if err != nil {
		c.ch = nil
		return &ChannelError{Op: "open", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	c.ch = ch
	c.id = id
	c.logger.Debug("opened channel", "channelId", id)
	return nil
}

// Close closes the underlying channel
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil || c.ch.IsClosed() {
		c.ch = nil
		return nil
	}

	err := c.ch.Close()
	c.ch = nil
	return err
}
