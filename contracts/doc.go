// Package contracts defines the message shapes shared by the listener and its handlers.
//
// A payload type either carries its own routing metadata by implementing
// DistributedEvent (usually by embedding BaseEvent), or it is delivered to
// handlers inside an EventWrapper that supplies the metadata taken from the
// broker delivery.
package contracts
