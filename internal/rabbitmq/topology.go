package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/warrenmq/warren/messaging"
	"github.com/warrenmq/warren/serialization"
)

// Topology holds every exchange, queue, and binding declared on one
// connection so the whole set can be replayed after the connection recovers.
// Declarations are idempotent: re-declaring an existing entry re-asserts the
// remote state and returns the already-registered object.
type Topology struct {
	conn   *Connection
	pool   *ChannelPool
	logger *slog.Logger

	mu        sync.RWMutex
	exchanges map[string]*Exchange
	queues    map[string]*Queue
	bindings  []messaging.BindingSpec
}

// NewTopology creates an empty registry for the given connection.
func NewTopology(conn *Connection, pool *ChannelPool, logger *slog.Logger) *Topology {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topology{
		conn:      conn,
		pool:      pool,
		logger:    logger,
		exchanges: make(map[string]*Exchange),
		queues:    make(map[string]*Queue),
	}
}

// CreateExchange declares the exchange remotely and registers it.
func (t *Topology) CreateExchange(ctx context.Context, opts messaging.ExchangeOptions) (messaging.Exchange, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: exchange name required", ErrInvalidConfiguration)
	}
	if opts.Kind == "" {
		opts.Kind = "topic"
	}
	if opts.ContentType == "" {
		opts.ContentType = serialization.ContentTypeJSON
	}

	if err := t.declareExchange(ctx, opts); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.exchanges[opts.Name]; ok {
		return existing, nil
	}
	ex := &Exchange{opts: opts, pool: t.pool}
	t.exchanges[opts.Name] = ex
	return ex, nil
}

// CreateQueue declares the queue remotely and registers it.
func (t *Topology) CreateQueue(ctx context.Context, opts messaging.QueueOptions) (messaging.Queue, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: queue name required", ErrInvalidConfiguration)
	}

	if err := t.declareQueue(ctx, opts); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.queues[opts.Name]; ok {
		return existing, nil
	}
	q := &Queue{opts: opts, conn: t.conn, logger: t.logger}
	t.queues[opts.Name] = q
	return q, nil
}

// CreateBinding asserts the binding remotely and records it for replay.
func (t *Topology) CreateBinding(ctx context.Context, spec messaging.BindingSpec) error {
	if spec.Source == "" || spec.Target == "" {
		return fmt.Errorf("%w: binding requires source and target", ErrInvalidConfiguration)
	}

	if err := t.declareBinding(ctx, spec); err != nil {
		return err
	}

	t.mu.Lock()
	t.bindings = append(t.bindings, spec)
	t.mu.Unlock()
	return nil
}

// DeleteExchange removes the remote exchange and drops the local entry
// along with any bindings that reference it.
func (t *Topology) DeleteExchange(ctx context.Context, name string) error {
	err := t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDelete(name, false, false)
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: delete exchange %q: %w", name, err)
	}

	t.mu.Lock()
	delete(t.exchanges, name)
	t.bindings = pruneBindings(t.bindings, func(b messaging.BindingSpec) bool {
		return b.Source == name || (!b.ToQueue && b.Target == name)
	})
	t.mu.Unlock()
	return nil
}

// DeleteQueue removes the remote queue and drops the local entry along with
// any bindings that target it.
func (t *Topology) DeleteQueue(ctx context.Context, name string) error {
	err := t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, derr := ch.QueueDelete(name, false, false, false)
		return derr
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: delete queue %q: %w", name, err)
	}

	t.mu.Lock()
	delete(t.queues, name)
	t.bindings = pruneBindings(t.bindings, func(b messaging.BindingSpec) bool {
		return b.ToQueue && b.Target == name
	})
	t.mu.Unlock()
	return nil
}

// Exchange resolves a registered exchange.
func (t *Topology) Exchange(name string) (messaging.Exchange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ex, ok := t.exchanges[name]
	if !ok {
		return nil, false
	}
	return ex, true
}

// Queue resolves a registered queue.
func (t *Topology) Queue(name string) (messaging.Queue, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.queues[name]
	if !ok {
		return nil, false
	}
	return q, true
}

// Reset clears the local registry. Remote state is untouched.
func (t *Topology) Reset() {
	t.mu.Lock()
	t.exchanges = make(map[string]*Exchange)
	t.queues = make(map[string]*Queue)
	t.bindings = nil
	t.mu.Unlock()
}

// Replay re-declares the full registry against the broker and restarts any
// subscriptions that were active. It runs after every reconnect, before the
// connected event is surfaced.
func (t *Topology) Replay(ctx context.Context) error {
	t.mu.RLock()
	exchanges := make([]*Exchange, 0, len(t.exchanges))
	for _, ex := range t.exchanges {
		exchanges = append(exchanges, ex)
	}
	queues := make([]*Queue, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	bindings := make([]messaging.BindingSpec, len(t.bindings))
	copy(bindings, t.bindings)
	t.mu.RUnlock()

	for _, ex := range exchanges {
		if err := t.declareExchange(ctx, ex.opts); err != nil {
			return fmt.Errorf("rabbitmq: replay: %w", err)
		}
	}
	for _, q := range queues {
		if err := t.declareQueue(ctx, q.opts); err != nil {
			return fmt.Errorf("rabbitmq: replay: %w", err)
		}
	}
	for _, b := range bindings {
		if err := t.declareBinding(ctx, b); err != nil {
			return fmt.Errorf("rabbitmq: replay: %w", err)
		}
	}
	for _, q := range queues {
		if err := q.restart(ctx); err != nil {
			return fmt.Errorf("rabbitmq: replay: restart consumer on %q: %w", q.Name(), err)
		}
	}

	t.logger.Info("topology replayed",
		"connection", t.conn.Name(),
		"exchanges", len(exchanges),
		"queues", len(queues),
		"bindings", len(bindings),
	)
	return nil
}

func (t *Topology) declareExchange(ctx context.Context, opts messaging.ExchangeOptions) error {
	err := t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(opts.Name, opts.Kind, opts.Durable, opts.AutoDelete, opts.Internal, false, amqp.Table(opts.Args))
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: declare exchange %q: %w", opts.Name, err)
	}
	return nil
}

func (t *Topology) declareQueue(ctx context.Context, opts messaging.QueueOptions) error {
	err := t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, derr := ch.QueueDeclare(opts.Name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, amqp.Table(opts.Args))
		return derr
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: declare queue %q: %w", opts.Name, err)
	}
	return nil
}

func (t *Topology) declareBinding(ctx context.Context, spec messaging.BindingSpec) error {
	keys := spec.Keys
	if len(keys) == 0 {
		keys = []string{""}
	}

	err := t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, key := range keys {
			if spec.ToQueue {
				if err := ch.QueueBind(spec.Target, key, spec.Source, false, amqp.Table(spec.Args)); err != nil {
					return err
				}
				continue
			}
			if err := ch.ExchangeBind(spec.Target, key, spec.Source, false, amqp.Table(spec.Args)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: bind %q -> %q: %w", spec.Source, spec.Target, err)
	}
	return nil
}

func pruneBindings(bindings []messaging.BindingSpec, drop func(messaging.BindingSpec) bool) []messaging.BindingSpec {
	kept := bindings[:0]
	for _, b := range bindings {
		if !drop(b) {
			kept = append(kept, b)
		}
	}
	return kept
}
