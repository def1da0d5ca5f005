// Package rabbitmq exposes the RabbitMQ connection factory wired into the
// broker by default.
package rabbitmq

import (
	"log/slog"

	internal "github.com/warrenmq/warren/internal/rabbitmq"
	"github.com/warrenmq/warren/messaging"
)

const defaultPoolSize = 10

// TransportOption configures the factory.
type TransportOption func(*transportConfig)

type transportConfig struct {
	logger   *slog.Logger
	poolSize int
}

// WithTransportLogger sets the logger handed to every connection the
// factory creates.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(c *transportConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithChannelPoolSize caps the number of pooled channels per connection.
func WithChannelPoolSize(size int) TransportOption {
	return func(c *transportConfig) {
		if size > 0 {
			c.poolSize = size
		}
	}
}

// Factory returns a messaging.ConnectionFactory that builds amqp091-backed
// connections with a shared channel pool and a replayable topology each.
func Factory(options ...TransportOption) messaging.ConnectionFactory {
	cfg := &transportConfig{
		logger:   slog.Default(),
		poolSize: defaultPoolSize,
	}
	for _, opt := range options {
		opt(cfg)
	}

	return func(opts messaging.ConnectionOptions) (messaging.Connection, messaging.Topology, error) {
		conn := internal.NewConnection(opts, internal.WithLogger(cfg.logger))

		pool, err := internal.NewChannelPool(conn, cfg.poolSize)
		if err != nil {
			return nil, nil, err
		}

		topo := internal.NewTopology(conn, pool, cfg.logger)
		return conn, topo, nil
	}
}
