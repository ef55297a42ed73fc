// Package rabbitmq adapts amqp091-go to the messaging.Broker capability.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with exponential backoff
//   - Channel: a single AMQP channel whose operations are serialized by a mutex
//   - TopologyManager: declares exchanges, queues and bindings
//   - Broker: consumes with manual acknowledgment, acks and publishes RPC replies
package rabbitmq
