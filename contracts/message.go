package contracts

import (
	"time"
)

// DistributedEvent is implemented by payloads that expose their own routing metadata
type DistributedEvent interface {
	Metadata() MessageMetadata
}

// MessageMetadata describes where a message came from and where a reply should go
type MessageMetadata struct {
	MessageID     string    `json:"messageId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	RoutingKey    string    `json:"routingKey,omitempty"`
	ReplyTo       string    `json:"replyTo,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

// IsZero reports whether no metadata field is set
func (m MessageMetadata) IsZero() bool {
	return m.MessageID == "" &&
		m.CorrelationID == "" &&
		m.RoutingKey == "" &&
		m.ReplyTo == "" &&
		m.Timestamp.IsZero()
}

// Merge returns m with every empty field taken from fallback
func (m MessageMetadata) Merge(fallback MessageMetadata) MessageMetadata {
	if m.MessageID == "" {
		m.MessageID = fallback.MessageID
	}
	if m.CorrelationID == "" {
		m.CorrelationID = fallback.CorrelationID
	}
	if m.RoutingKey == "" {
		m.RoutingKey = fallback.RoutingKey
	}
	if m.ReplyTo == "" {
		m.ReplyTo = fallback.ReplyTo
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = fallback.Timestamp
	}
	return m
}

// BaseEvent can be embedded by payload types to satisfy DistributedEvent
type BaseEvent struct {
	EventMetadata MessageMetadata `json:"metadata"`
}

// Metadata returns the event metadata
func (e BaseEvent) Metadata() MessageMetadata {
	return e.EventMetadata
}

// SetMetadata replaces the event metadata
func (e *BaseEvent) SetMetadata(metadata MessageMetadata) {
	e.EventMetadata = metadata
}

// MetadataSetter is implemented by events whose metadata can be completed from the delivery
type MetadataSetter interface {
	SetMetadata(metadata MessageMetadata)
}

// EventWrapper carries a payload that does not implement DistributedEvent itself
type EventWrapper[T any] struct {
	Data T
	Meta MessageMetadata
}

// NewEventWrapper wraps data with the given metadata
func NewEventWrapper[T any](data T, metadata MessageMetadata) *EventWrapper[T] {
	return &EventWrapper[T]{
		Data: data,
		Meta: metadata,
	}
}

// Metadata returns the metadata of the wrapped delivery
func (w *EventWrapper[T]) Metadata() MessageMetadata {
	return w.Meta
}
