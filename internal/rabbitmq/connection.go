package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 5 * time.Minute
	dialTimeout           = 30 * time.Second
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager owns the RabbitMQ connection and reconnects when the broker closes it
type ConnectionManager struct {
	url            string
	dial           Dialer
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger
	isConnected    bool
	exhausted      bool // reconnection gave up
	connected      chan struct{}
	done           chan struct{}
	closeOnce      sync.Once
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts, negative for unlimited
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		reconnectDelay: defaultReconnectDelay,
		maxRetries:     -1,
		logger:         slog.Default(),
		connected:      make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	select {
	case <-cm.done:
		return ErrConnectionClosed
	default:
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	notifyClose := cm.setConnection(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect(notifyClose)

	return nil
}

// dialWithTimeout dials in the background so ctx and the dial timeout can abandon it
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			// close a connection that completes after we gave up on it
			if r := <-resultCh; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// setConnection stores conn and returns its close notifications; cm.mu must be held
func (cm *ConnectionManager) setConnection(conn *amqp.Connection) chan *amqp.Error {
	cm.conn = conn
	cm.isConnected = true
	close(cm.connected)

	notifyClose := make(chan *amqp.Error, 1)
	conn.NotifyClose(notifyClose)
	return notifyClose
}

// Connection returns the current connection
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// WaitForConnection blocks until a connection is available, ctx is done or the manager is closed
func (cm *ConnectionManager) WaitForConnection(ctx context.Context) error {
	for {
		cm.mu.RLock()
		connected := cm.connected
		ok := cm.isConnected
		cm.mu.RUnlock()

		if ok {
			return nil
		}

		select {
		case <-connected:
		case <-ctx.Done():
			return ctx.Err()
		case <-cm.done:
			cm.mu.RLock()
			exhausted := cm.exhausted
			cm.mu.RUnlock()
			if exhausted {
				return ErrMaxRetriesExceeded
			}
			return ErrConnectionClosed
		}
	}
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() {
		close(cm.done)
	})

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// handleReconnect waits for the connection to close and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	for {
		select {
		case amqpErr, ok := <-notifyClose:
			var err error
			if ok && amqpErr != nil {
				err = amqpErr
				cm.logger.Error("connection closed", "error", amqpErr)
			}

			cm.mu.Lock()
			if !cm.isConnected && cm.conn == nil {
				// closed by Close
				cm.mu.Unlock()
				return
			}
			cm.isConnected = false
			cm.conn = nil
			cm.connected = make(chan struct{})
			cm.mu.Unlock()

			cm.notifyDisconnected(err)

			next, reconnected := cm.reconnect()
			if !reconnected {
				cm.mu.Lock()
				cm.exhausted = true
				cm.mu.Unlock()
				cm.closeOnce.Do(func() { close(cm.done) })
				return
			}
			notifyClose = next

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials until it succeeds, retries run out or the manager is closed
func (cm *ConnectionManager) reconnect() (chan *amqp.Error, bool) {
	attempts := 0
	startTime := time.Now()

	for {
		select {
		case <-cm.done:
			return nil, false
		default:
		}

		if cm.maxRetries >= 0 && attempts >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempts,
				"duration", time.Since(startTime))

			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempts,
			})
			return nil, false
		}

		if attempts > 0 {
			delay := cm.calculateBackoff(attempts - 1)
			select {
			case <-time.After(delay):
			case <-cm.done:
				return nil, false
			}
		}

		attempts++
		cm.logger.Info("attempting to reconnect", "attempt", attempts, "maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempts)

		conn, err := cm.dialWithTimeout(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempts)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return nil, false
		default:
		}
		notifyClose := cm.setConnection(conn)
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempts,
			"duration", time.Since(startTime))
		cm.notifyConnected()

		return notifyClose, true
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// calculateBackoff returns an exponential delay with ±12.5% jitter, capped at five minutes
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = defaultReconnectDelay
	}
	if attempt > 16 {
		attempt = 16
	}

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxReconnectDelay || delay <= 0 {
		delay = maxReconnectDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}

	return delay
}
