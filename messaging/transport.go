package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warrenmq/warren/contracts"
)

// Defaults applied to ConnectionOptions.
const (
	DefaultConnectionName = "default"
	DefaultRetryLimit     = 3
	DefaultFailAfter      = 60 * time.Second
)

// ConnectionState describes where a connection is in its lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
	StateUnreachable
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	case StateUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionOptions configures one named connection.
type ConnectionOptions struct {
	// Name identifies the connection. Defaults to "default".
	Name string

	// URI is the transport connection string.
	URI string

	// RetryLimit caps reconnection attempts per outage. Defaults to 3.
	RetryLimit int

	// FailAfter bounds the cumulative retry time before the connection is
	// declared unreachable. Defaults to 60s.
	FailAfter time.Duration

	// PublishTimeout, when set, is copied onto every publish on this
	// connection so the transport can enforce a per-publish deadline.
	PublishTimeout time.Duration

	// ReplyQueue names the queue request replies arrive on. A unique name
	// is generated when empty.
	ReplyQueue string
}

// ApplyDefaults fills zero-valued fields in place.
func (o *ConnectionOptions) ApplyDefaults() {
	if o.Name == "" {
		o.Name = DefaultConnectionName
	}
	if o.RetryLimit == 0 {
		o.RetryLimit = DefaultRetryLimit
	}
	if o.FailAfter == 0 {
		o.FailAfter = DefaultFailAfter
	}
	if o.ReplyQueue == "" {
		o.ReplyQueue = fmt.Sprintf("warren.reply.%s", uuid.New().String()[:8])
	}
}

// Connection is the transport-level connection consumed by the orchestrator.
// Implementations handle dialing, internal retry within the configured
// budget, and report lifecycle transitions on registered notify channels.
type Connection interface {
	// Name returns the connection's registered name.
	Name() string

	// Connect establishes the connection, retrying internally within the
	// retry budget. It also recovers an unreachable connection.
	Connect(ctx context.Context) error

	// Close shuts the connection down deliberately.
	Close(ctx context.Context) error

	// State returns the current lifecycle state.
	State() ConnectionState

	// Notify registers a channel for lifecycle events. The channel should
	// be buffered; events are dropped rather than blocking the transport.
	Notify(ch chan<- contracts.Event)

	// PublishTimeout returns the configured per-publish deadline, zero if
	// none.
	PublishTimeout() time.Duration
}

// ExchangeOptions declares an exchange.
type ExchangeOptions struct {
	Name       string
	Kind       string // direct, fanout, topic, headers
	Durable    bool
	AutoDelete bool
	Internal   bool

	// ContentType selects the codec for bodies published to this exchange.
	// Defaults to application/json.
	ContentType string

	Args map[string]any
}

// QueueOptions declares a queue.
type QueueOptions struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool

	// Limit is the consumer prefetch count. Zero means transport default.
	Limit int

	// NoBatch disables coalesced acknowledgment for this queue's
	// consumers; messages are acked individually instead.
	NoBatch bool

	Args map[string]any
}

// BindingSpec links a source exchange to a target exchange or queue,
// filtered by routing-key patterns.
type BindingSpec struct {
	Source string
	Target string
	Keys   []string

	// ToQueue distinguishes a queue binding from an exchange-to-exchange
	// binding.
	ToQueue bool

	Args map[string]any
}

// Exchange is a resolved, publishable channel object.
type Exchange interface {
	Name() string

	// ContentType returns the codec configured for this exchange.
	ContentType() string

	// Publish hands a serialized record to the transport. p.Raw carries
	// the encoded body.
	Publish(ctx context.Context, p *contracts.Publishing) error
}

// DeliveryHandler processes one inbound delivery.
type DeliveryHandler func(ctx context.Context, d *contracts.Delivery) error

// Queue is a resolved, consumable channel object.
type Queue interface {
	Name() string

	// Subscribe starts consuming. Deliveries are handed to the handler
	// with acknowledgment operations bound.
	Subscribe(ctx context.Context, exclusive bool, handler DeliveryHandler) error

	// Unsubscribe stops consumption. In-flight handler invocations are
	// not cancelled.
	Unsubscribe() error
}

// BatchAcker is implemented by queues whose consumers coalesce
// acknowledgments. The ack batcher calls FlushAcks once per tick.
type BatchAcker interface {
	FlushAcks() error
}

// Topology owns the declared exchanges, queues, and bindings of one
// connection. After any failed-to-connected transition, Replay restores the
// remote state so the registry is observably identical to its pre-failure
// state before the connected event is published.
type Topology interface {
	CreateExchange(ctx context.Context, opts ExchangeOptions) (Exchange, error)
	CreateQueue(ctx context.Context, opts QueueOptions) (Queue, error)
	CreateBinding(ctx context.Context, spec BindingSpec) error

	// DeleteExchange removes the remote declaration and the local entry.
	DeleteExchange(ctx context.Context, name string) error

	// DeleteQueue removes the remote declaration and the local entry.
	DeleteQueue(ctx context.Context, name string) error

	// Exchange resolves a declared exchange by name.
	Exchange(name string) (Exchange, bool)

	// Queue resolves a declared queue by name.
	Queue(name string) (Queue, bool)

	// Reset clears the local registry only; remote state is untouched.
	Reset()

	// Replay re-declares every registered exchange, queue, and binding.
	Replay(ctx context.Context) error
}

// ConnectionFactory builds a (Connection, Topology) pair for the given
// options. The orchestrator owns the result.
type ConnectionFactory func(opts ConnectionOptions) (Connection, Topology, error)
