package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBrokerRequired is returned when a listener is created without a broker
	ErrBrokerRequired = errors.New("messaging: broker cannot be nil")

	// ErrRegistryRequired is returned when a listener is created without a registry
	ErrRegistryRequired = errors.New("messaging: registry cannot be nil")

	// ErrListenerRunning is returned when Run is called on a running listener
	ErrListenerRunning = errors.New("messaging: listener is already running")

	// ErrDeliveryStreamClosed is returned when the broker closes the delivery stream
	ErrDeliveryStreamClosed = errors.New("messaging: delivery stream closed")

	// ErrHandlerPanic marks a handler that panicked
	ErrHandlerPanic = errors.New("messaging: handler panicked")
)

// TopologyError reports a failed exchange, queue or binding declaration
type TopologyError struct {
	Op         string
	Exchange   string
	Queue      string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *TopologyError) Error() string {
	if e.RoutingKey != "" {
		return fmt.Sprintf("topology %s failed (exchange=%s queue=%s routingKey=%s): %v",
			e.Op, e.Exchange, e.Queue, e.RoutingKey, e.Err)
	}
	return fmt.Sprintf("topology %s failed (exchange=%s queue=%s): %v", e.Op, e.Exchange, e.Queue, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// HandlerError reports a failed handler invocation
type HandlerError struct {
	RoutingKey  string
	Kind        string
	MessageType string
	Err         error
	Timestamp   time.Time
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler for %s (%s) failed: %v", e.Kind, e.RoutingKey, e.MessageType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsPanic reports whether the handler panicked
func (e *HandlerError) IsPanic() bool {
	return errors.Is(e.Err, ErrHandlerPanic)
}
