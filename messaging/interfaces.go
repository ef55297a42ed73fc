package messaging

import (
	"time"
)

// Delivery outcomes reported to MetricsCollector.RecordDelivery
const (
	OutcomeDispatched   = "dispatched"
	OutcomeUnrouted     = "unrouted"
	OutcomeEmptyPayload = "empty_payload"
	OutcomeNoValue      = "no_value"
)

// Reply statuses reported to MetricsCollector.RecordReply
const (
	ReplySent      = "sent"
	ReplyErrorSent = "error_sent"
	ReplySkipped   = "skipped"
	ReplyFailed    = "failed"
)

// Acknowledgment results reported to MetricsCollector.RecordAck
const (
	AckSent    = "ack"
	AckFailed  = "ack_failed"
	NackSent   = "nack"
	NackFailed = "nack_failed"
	AckIgnored = "ignored"
)

// MetricsCollector collects dispatch metrics
type MetricsCollector interface {
	// RecordDelivery records how a delivery was routed
	RecordDelivery(routingKey string, outcome string)

	// RecordDecodeFailure records a binding skipped because its payload could not be decoded
	RecordDecodeFailure(routingKey string, messageType string)

	// RecordHandled records a handler invocation
	RecordHandled(routingKey string, kind string, duration time.Duration, success bool)

	// RecordReply records an RPC reply publication
	RecordReply(routingKey string, status string)

	// RecordAck records an acknowledgment call
	RecordAck(result string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordDelivery does nothing
func (n *NoOpMetricsCollector) RecordDelivery(routingKey string, outcome string) {}

// RecordDecodeFailure does nothing
func (n *NoOpMetricsCollector) RecordDecodeFailure(routingKey string, messageType string) {}

// RecordHandled does nothing
func (n *NoOpMetricsCollector) RecordHandled(routingKey string, kind string, duration time.Duration, success bool) {
}

// RecordReply does nothing
func (n *NoOpMetricsCollector) RecordReply(routingKey string, status string) {}

// RecordAck does nothing
func (n *NoOpMetricsCollector) RecordAck(result string) {}
