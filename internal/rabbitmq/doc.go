// Package rabbitmq wraps the amqp091-go client for a single long-lived
// consumer.
//
// This package includes:
//   - ConnectionManager: opens one broker connection and reports broker-side closure
//   - TopologyManager: declares the exchange, queue and binding to consume from
//   - Consumer: registers a consumer on a channel and cancels it on shutdown
//
// Connection, Channel and Dialer are narrow interfaces over the client so the
// layers above can run without a broker.
package rabbitmq
