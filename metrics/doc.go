// Package metrics exports dispatch and connection metrics to Prometheus.
//
// Collector implements messaging.MetricsCollector and receives connection
// state changes from the RabbitMQ connection manager.
package metrics
