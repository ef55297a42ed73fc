package messaging

import (
	"fmt"
	"strings"
)

// UnroutedPolicy decides what happens to a delivery no handler ran for:
// no binding matched, the payload was empty, or every binding decoded no value.
type UnroutedPolicy int

const (
	// UnroutedIgnore leaves the delivery unacknowledged
	UnroutedIgnore UnroutedPolicy = iota
	// UnroutedAck acknowledges the delivery
	UnroutedAck
	// UnroutedReject rejects the delivery without requeue
	UnroutedReject
)

func (p UnroutedPolicy) String() string {
	switch p {
	case UnroutedIgnore:
		return "ignore"
	case UnroutedAck:
		return "ack"
	case UnroutedReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseUnroutedPolicy parses ignore, ack or reject; an empty string means ignore
func ParseUnroutedPolicy(s string) (UnroutedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ignore":
		return UnroutedIgnore, nil
	case "ack":
		return UnroutedAck, nil
	case "reject", "nack":
		return UnroutedReject, nil
	default:
		return UnroutedIgnore, fmt.Errorf("messaging: unknown unrouted policy %q", s)
	}
}
