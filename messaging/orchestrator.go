package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warrenmq/warren/contracts"
	"github.com/warrenmq/warren/metrics"
)

// ErrUnknownConnection is returned when an operation names a connection
// that was never registered.
var ErrUnknownConnection = errors.New("messaging: unknown connection")

// replayTimeout bounds topology replay after a reconnect.
const replayTimeout = 30 * time.Second

type managedConnection struct {
	opts   ConnectionOptions
	conn   Connection
	topo   Topology
	events chan contracts.Event
	done   chan struct{}
}

// Orchestrator owns the named (Connection, Topology) pairs of one broker.
// It relays transport lifecycle events onto the event bus, replays topology
// before any connected event becomes observable, and drives the ack batcher.
type Orchestrator struct {
	mu      sync.RWMutex
	conns   map[string]*managedConnection
	factory ConnectionFactory
	bus     *EventBus
	batcher *AckBatcher

	ackInterval time.Duration
	logger      *slog.Logger
	collector   metrics.Collector
	wg          sync.WaitGroup
}

// OrchestratorOption configures the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithOrchestratorMetrics sets the metrics collector.
func WithOrchestratorMetrics(c metrics.Collector) OrchestratorOption {
	return func(o *Orchestrator) {
		o.collector = c
	}
}

// WithAckInterval overrides the interval the batcher is armed with on
// connect.
func WithAckInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.ackInterval = d
	}
}

// NewOrchestrator creates an orchestrator wiring factory-built connections
// to the given bus and batcher.
func NewOrchestrator(factory ConnectionFactory, bus *EventBus, batcher *AckBatcher, options ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		conns:       make(map[string]*managedConnection),
		factory:     factory,
		bus:         bus,
		batcher:     batcher,
		ackInterval: DefaultAckInterval,
		logger:      slog.Default(),
		collector:   metrics.NoOp{},
	}

	for _, opt := range options {
		opt(o)
	}

	return o
}

// AddConnection registers a named connection. Registration is idempotent:
// re-adding an existing name reconnects it and returns the existing
// topology instead of creating a second pair.
func (o *Orchestrator) AddConnection(ctx context.Context, opts ConnectionOptions) (Topology, error) {
	opts.ApplyDefaults()

	o.mu.Lock()
	if mc, ok := o.conns[opts.Name]; ok {
		o.mu.Unlock()
		o.logger.Info("connection already registered, reconnecting", "connection", opts.Name)
		if err := mc.conn.Connect(ctx); err != nil {
			return nil, err
		}
		return mc.topo, nil
	}
	o.mu.Unlock()

	conn, topo, err := o.factory(opts)
	if err != nil {
		return nil, err
	}

	mc := &managedConnection{
		opts:   opts,
		conn:   conn,
		topo:   topo,
		events: make(chan contracts.Event, 16),
		done:   make(chan struct{}),
	}
	conn.Notify(mc.events)

	o.mu.Lock()
	if existing, ok := o.conns[opts.Name]; ok {
		// Lost the race to another AddConnection with the same name.
		o.mu.Unlock()
		close(mc.done)
		if err := existing.conn.Connect(ctx); err != nil {
			return nil, err
		}
		return existing.topo, nil
	}
	o.conns[opts.Name] = mc
	o.mu.Unlock()

	o.wg.Add(1)
	go o.relay(mc)

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	o.logger.Info("connection registered",
		"connection", opts.Name,
		"retryLimit", opts.RetryLimit,
		"failAfter", opts.FailAfter,
	)

	return topo, nil
}

// relay translates transport lifecycle events into bus events. A connected
// event is withheld until topology replay completes, so no listener ever
// observes a connection whose topology is incomplete.
func (o *Orchestrator) relay(mc *managedConnection) {
	defer o.wg.Done()

	for {
		select {
		case <-mc.done:
			return
		case e, ok := <-mc.events:
			if !ok {
				return
			}
			o.handleEvent(mc, e)
		}
	}
}

func (o *Orchestrator) handleEvent(mc *managedConnection, e contracts.Event) {
	o.collector.ConnectionState(e.Connection, e.Kind.String())

	switch e.Kind {
	case contracts.EventConnected:
		ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
		err := mc.topo.Replay(ctx)
		cancel()
		if err != nil {
			o.logger.Error("topology replay failed",
				"connection", e.Connection,
				"error", err,
			)
			o.bus.Publish(contracts.Event{
				Kind:       contracts.EventFailed,
				Connection: e.Connection,
				Err:        err,
			})
			return
		}
		o.bus.Publish(e)
		o.batcher.Start(o.ackInterval)

	case contracts.EventUnreachable:
		o.logger.Error("connection unreachable", "connection", e.Connection)
		o.bus.Publish(e)
		o.batcher.Stop()

	case contracts.EventFailed:
		o.logger.Warn("connection failed",
			"connection", e.Connection,
			"error", e.Err,
		)
		o.bus.Publish(e)

	default:
		o.bus.Publish(e)
	}
}

// Topology returns the topology owned by the named connection.
func (o *Orchestrator) Topology(name string) (Topology, bool) {
	if name == "" {
		name = DefaultConnectionName
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	mc, ok := o.conns[name]
	if !ok {
		return nil, false
	}
	return mc.topo, true
}

// Connection returns the named connection.
func (o *Orchestrator) Connection(name string) (Connection, bool) {
	if name == "" {
		name = DefaultConnectionName
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	mc, ok := o.conns[name]
	if !ok {
		return nil, false
	}
	return mc.conn, true
}

// Options returns the last stored configuration for the named connection.
func (o *Orchestrator) Options(name string) (ConnectionOptions, bool) {
	if name == "" {
		name = DefaultConnectionName
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	mc, ok := o.conns[name]
	if !ok {
		return ConnectionOptions{}, false
	}
	return mc.opts, true
}

// Close shuts down one named connection. Unknown or already closed
// connections are a no-op success. With reset, the local topology registry
// is cleared first so a later re-add starts empty.
func (o *Orchestrator) Close(ctx context.Context, name string, reset bool) error {
	if name == "" {
		name = DefaultConnectionName
	}

	o.mu.RLock()
	mc, ok := o.conns[name]
	o.mu.RUnlock()

	if !ok {
		return nil
	}
	if mc.conn.State() == StateClosed {
		return nil
	}

	if reset {
		mc.topo.Reset()
	}

	return mc.conn.Close(ctx)
}

// CloseAll closes every registered connection concurrently, aggregating all
// failures rather than stopping at the first.
func (o *Orchestrator) CloseAll(ctx context.Context, reset bool) error {
	o.mu.RLock()
	names := make([]string, 0, len(o.conns))
	for name := range o.conns {
		names = append(names, name)
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(names))

	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			errs[i] = o.Close(ctx, name, reset)
		}(i, name)
	}

	wg.Wait()
	return errors.Join(errs...)
}

// Shutdown closes all connections with reset and unconditionally stops the
// ack batcher.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.CloseAll(ctx, true)
	o.batcher.Stop()
	return err
}

// Retry reconnects the named connection using its last stored
// configuration. This is the only way out of the unreachable state.
func (o *Orchestrator) Retry(ctx context.Context, name string) error {
	if name == "" {
		name = DefaultConnectionName
	}

	o.mu.RLock()
	mc, ok := o.conns[name]
	o.mu.RUnlock()

	if !ok {
		return ErrUnknownConnection
	}

	o.logger.Info("retrying connection", "connection", name)
	return mc.conn.Connect(ctx)
}

// Reset shuts everything down and forgets all registered connections,
// returning the orchestrator to a cold-start-equivalent state.
func (o *Orchestrator) Reset(ctx context.Context) error {
	err := o.Shutdown(ctx)

	o.mu.Lock()
	for _, mc := range o.conns {
		close(mc.done)
	}
	o.conns = make(map[string]*managedConnection)
	o.mu.Unlock()

	o.wg.Wait()
	return err
}
