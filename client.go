// Package warren is a client-side message-broker abstraction layered above
// an AMQP-style transport. It provides multi-connection management with
// automatic recovery, declarative topology that survives reconnection,
// content-type serialization, hierarchical topic-routed dispatch,
// request/response correlation over asynchronous messaging, and batched
// acknowledgment.
package warren

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warrenmq/warren/contracts"
	"github.com/warrenmq/warren/internal/ids"
	"github.com/warrenmq/warren/messaging"
	"github.com/warrenmq/warren/metrics"
	"github.com/warrenmq/warren/serialization"
	amqptransport "github.com/warrenmq/warren/transports/rabbitmq"
)

// Broker is the public facade composing the connection orchestrator, topic
// router, correlation table, serializer registry, and ack batcher. All
// state is per-Broker; independent brokers never share policy or topology.
type Broker struct {
	registry    *serialization.Registry
	router      *messaging.Router
	correlation *messaging.CorrelationTable
	batcher     *messaging.AckBatcher
	bus         *messaging.EventBus
	orch        *messaging.Orchestrator

	logger    *slog.Logger
	collector metrics.Collector
	appID     string

	// subscribed tracks reply queues already consuming. flushers maps
	// queues already registered with the ack batcher to their registration
	// ids so Reset can unregister them.
	subscribed *stringSet
	flushersMu sync.Mutex
	flushers   map[string]uint64
}

type brokerConfig struct {
	logger      *slog.Logger
	collector   metrics.Collector
	appID       string
	factory     messaging.ConnectionFactory
	ackInterval time.Duration
}

// BrokerOption configures the Broker.
type BrokerOption func(*brokerConfig)

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.logger = logger
	}
}

// WithAppID stamps outbound messages lacking an explicit application id.
func WithAppID(appID string) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.appID = appID
	}
}

// WithConnectionFactory replaces the default RabbitMQ transport factory.
func WithConnectionFactory(factory messaging.ConnectionFactory) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.factory = factory
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.collector = c
	}
}

// WithAckInterval overrides the coalesced-acknowledgment flush interval
// armed on connect.
func WithAckInterval(d time.Duration) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.ackInterval = d
	}
}

// NewBroker creates a broker. Without options it uses the bundled RabbitMQ
// transport, slog.Default(), and no-op metrics.
func NewBroker(options ...BrokerOption) *Broker {
	cfg := &brokerConfig{
		logger:      slog.Default(),
		collector:   metrics.NoOp{},
		appID:       "warren",
		ackInterval: messaging.DefaultAckInterval,
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.factory == nil {
		cfg.factory = amqptransport.Factory(amqptransport.WithTransportLogger(cfg.logger))
	}

	bus := messaging.NewEventBus()
	batcher := messaging.NewAckBatcher(
		messaging.WithBatcherLogger(cfg.logger),
		messaging.WithBatcherMetrics(cfg.collector),
	)

	return &Broker{
		registry: serialization.NewRegistry(),
		router: messaging.NewRouter(
			messaging.WithRouterLogger(cfg.logger),
			messaging.WithRouterMetrics(cfg.collector),
		),
		correlation: messaging.NewCorrelationTable(
			messaging.WithCorrelationLogger(cfg.logger),
		),
		batcher: batcher,
		bus:     bus,
		orch: messaging.NewOrchestrator(cfg.factory, bus, batcher,
			messaging.WithOrchestratorLogger(cfg.logger),
			messaging.WithOrchestratorMetrics(cfg.collector),
			messaging.WithAckInterval(cfg.ackInterval),
		),
		logger:     cfg.logger,
		collector:  cfg.collector,
		appID:      cfg.appID,
		subscribed: newStringSet(),
		flushers:   make(map[string]uint64),
	}
}

// AddConnection registers a named connection and declares its reply queue.
// Re-adding an existing name reconnects it instead of creating a second
// connection.
func (b *Broker) AddConnection(ctx context.Context, opts messaging.ConnectionOptions) error {
	opts.ApplyDefaults()

	topo, err := b.orch.AddConnection(ctx, opts)
	if err != nil {
		return err
	}

	// The stored options win on idempotent re-add, so the original reply
	// queue keeps serving correlation replies.
	stored, ok := b.orch.Options(opts.Name)
	if !ok {
		stored = opts
	}

	return b.ensureReplyQueue(ctx, topo, stored.Name, stored.ReplyQueue)
}

// ensureReplyQueue declares the connection's reply queue and consumes it
// into the correlation table.
func (b *Broker) ensureReplyQueue(ctx context.Context, topo messaging.Topology, connection, replyQueue string) error {
	key := connection + "/" + replyQueue
	if !b.subscribed.add(key) {
		return nil
	}

	q, err := topo.CreateQueue(ctx, messaging.QueueOptions{
		Name:       replyQueue,
		AutoDelete: true,
		Exclusive:  true,
		NoBatch:    true,
	})
	if err != nil {
		b.subscribed.remove(key)
		return err
	}

	if err := q.Subscribe(ctx, true, b.dispatch); err != nil {
		b.subscribed.remove(key)
		return err
	}

	b.logger.Debug("reply queue ready",
		"connection", connection,
		"queue", replyQueue,
	)
	return nil
}

// Close shuts down one named connection; empty means "default". Unknown or
// already closed connections are a no-op success. With reset, the local
// topology registry is cleared so a later re-add starts empty.
func (b *Broker) Close(ctx context.Context, connectionName string, reset bool) error {
	return b.orch.Close(ctx, connectionName, reset)
}

// CloseAll closes every registered connection concurrently, aggregating all
// failures.
func (b *Broker) CloseAll(ctx context.Context, reset bool) error {
	return b.orch.CloseAll(ctx, reset)
}

// Shutdown closes all connections with reset and stops the ack batcher.
func (b *Broker) Shutdown(ctx context.Context) error {
	err := b.orch.Shutdown(ctx)
	b.correlation.Close()
	return err
}

// Retry reconnects the named connection with its last stored configuration.
func (b *Broker) Retry(ctx context.Context, connectionName string) error {
	return b.orch.Retry(ctx, connectionName)
}

// Reset returns the broker to a cold-start-equivalent state: all
// connections closed and forgotten, subscriptions, pending requests,
// listeners, and custom serializers dropped.
func (b *Broker) Reset(ctx context.Context) error {
	err := b.orch.Reset(ctx)
	b.correlation.Close()
	b.router.Clear()
	b.bus.Clear()
	b.registry.Reset()
	b.subscribed.clear()

	b.flushersMu.Lock()
	for _, id := range b.flushers {
		b.batcher.Unregister(id)
	}
	b.flushers = make(map[string]uint64)
	b.flushersMu.Unlock()

	return err
}

// AddExchange declares an exchange on the named connection; empty means
// "default".
func (b *Broker) AddExchange(ctx context.Context, opts messaging.ExchangeOptions, connectionName string) error {
	topo, err := b.topology("add exchange", connectionName)
	if err != nil {
		return err
	}
	_, err = topo.CreateExchange(ctx, opts)
	return err
}

// AddQueue declares a queue on the named connection.
func (b *Broker) AddQueue(ctx context.Context, opts messaging.QueueOptions, connectionName string) error {
	topo, err := b.topology("add queue", connectionName)
	if err != nil {
		return err
	}
	_, err = topo.CreateQueue(ctx, opts)
	return err
}

// BindExchange binds a source exchange to a target exchange.
func (b *Broker) BindExchange(ctx context.Context, source, target string, keys []string, connectionName string) error {
	topo, err := b.topology("bind exchange", connectionName)
	if err != nil {
		return err
	}
	return topo.CreateBinding(ctx, messaging.BindingSpec{
		Source: source,
		Target: target,
		Keys:   keys,
	})
}

// BindQueue binds a source exchange to a target queue.
func (b *Broker) BindQueue(ctx context.Context, source, target string, keys []string, connectionName string) error {
	topo, err := b.topology("bind queue", connectionName)
	if err != nil {
		return err
	}
	return topo.CreateBinding(ctx, messaging.BindingSpec{
		Source:  source,
		Target:  target,
		Keys:    keys,
		ToQueue: true,
	})
}

// DeleteExchange removes an exchange remotely and locally.
func (b *Broker) DeleteExchange(ctx context.Context, name, connectionName string) error {
	topo, err := b.topology("delete exchange", connectionName)
	if err != nil {
		return err
	}
	return topo.DeleteExchange(ctx, name)
}

// DeleteQueue removes a queue remotely and locally.
func (b *Broker) DeleteQueue(ctx context.Context, name, connectionName string) error {
	topo, err := b.topology("delete queue", connectionName)
	if err != nil {
		return err
	}
	return topo.DeleteQueue(ctx, name)
}

// GetExchange resolves a declared exchange.
func (b *Broker) GetExchange(name, connectionName string) (messaging.Exchange, error) {
	topo, err := b.topology("get exchange", connectionName)
	if err != nil {
		return nil, err
	}
	ex, ok := topo.Exchange(name)
	if !ok {
		return nil, contracts.NewConfigurationError("get exchange", "exchange %q was never declared", name)
	}
	return ex, nil
}

// GetQueue resolves a declared queue.
func (b *Broker) GetQueue(name, connectionName string) (messaging.Queue, error) {
	topo, err := b.topology("get queue", connectionName)
	if err != nil {
		return nil, err
	}
	q, ok := topo.Queue(name)
	if !ok {
		return nil, contracts.NewConfigurationError("get queue", "queue %q was never declared", name)
	}
	return q, nil
}

// Publish normalizes the record, serializes its body per the target
// exchange's content type, and hands it to the resolved exchange.
// Connection resolution order: the record's ConnectionName, then "default".
func (b *Broker) Publish(ctx context.Context, exchange string, p contracts.Publishing) error {
	topo, err := b.topology("publish", p.ConnectionName)
	if err != nil {
		return err
	}

	ex, ok := topo.Exchange(exchange)
	if !ok {
		return contracts.NewConfigurationError("publish", "exchange %q was never declared", exchange)
	}

	p.Normalize()
	if p.AppID == "" {
		p.AppID = b.appID
	}
	if p.ContentType == "" {
		p.ContentType = ex.ContentType()
	}
	if p.Expiration == 0 {
		if conn, ok := b.orch.Connection(p.ConnectionName); ok {
			p.Expiration = conn.PublishTimeout()
		}
	}

	codec, ok := b.registry.Get(p.ContentType)
	if !ok {
		return contracts.NewConfigurationError("publish", "no serializer registered for content type %q", p.ContentType)
	}
	raw, err := codec.Serialize(p.Body)
	if err != nil {
		return err
	}
	p.Raw = raw

	if err := ex.Publish(ctx, &p); err != nil {
		return err
	}

	b.collector.MessagePublished(exchange, p.Type)
	return nil
}

// Request publishes the record with a fresh time-ordered correlation id and
// the connection's reply queue, and returns a future for the terminal
// reply. Replies without the sequence-end marker are forwarded to the
// progress callback; the future resolves exactly once, on the terminal
// reply, and the correlation entry is removed immediately.
func (b *Broker) Request(ctx context.Context, exchange string, p contracts.Publishing, options ...messaging.RequestOption) (*messaging.PendingReply, error) {
	stored, ok := b.orch.Options(p.ConnectionName)
	if !ok {
		return nil, contracts.NewConfigurationError("request", "connection %q is not registered", connectionOrDefault(p.ConnectionName))
	}

	p.CorrelationID = ids.NewCorrelationID()
	p.ReplyTo = stored.ReplyQueue

	pending := b.correlation.Track(p.CorrelationID, options...)

	if err := b.Publish(ctx, exchange, p); err != nil {
		pending.Cancel()
		return nil, err
	}

	return pending, nil
}

// Handle registers a handler for the message type on any queue. An empty
// messageType matches all types.
func (b *Broker) Handle(messageType string, handler messaging.DeliveryHandler) *messaging.Subscription {
	return b.router.Handle(messageType, handler)
}

// HandleQueue registers a handler scoped to one queue.
func (b *Broker) HandleQueue(messageType string, handler messaging.DeliveryHandler, queue string) *messaging.Subscription {
	return b.router.HandleQueue(messageType, handler, queue)
}

// StartSubscription begins consuming a declared queue, dispatching
// deliveries through the correlation table and the topic router. It fails
// synchronously if the queue was never declared.
func (b *Broker) StartSubscription(ctx context.Context, queue string, exclusive bool, connectionName string) error {
	topo, err := b.topology("start subscription", connectionName)
	if err != nil {
		return err
	}

	q, ok := topo.Queue(queue)
	if !ok {
		return contracts.NewConfigurationError("start subscription", "queue %q was never declared", queue)
	}

	if err := q.Subscribe(ctx, exclusive, b.dispatch); err != nil {
		return err
	}

	if ba, ok := q.(messaging.BatchAcker); ok {
		key := connectionOrDefault(connectionName) + "/" + queue
		b.flushersMu.Lock()
		if _, exists := b.flushers[key]; !exists {
			b.flushers[key] = b.batcher.Register(ba.FlushAcks)
		}
		b.flushersMu.Unlock()
	}

	return nil
}

// dispatch decodes a delivery and routes it: correlation replies resolve
// pending requests, everything else goes through the topic router.
func (b *Broker) dispatch(ctx context.Context, d *contracts.Delivery) error {
	if err := b.decode(d); err != nil {
		b.logger.Error("failed to decode message body",
			"queue", d.Queue,
			"contentType", d.ContentType,
			"error", err,
		)
		return d.Reject()
	}

	if d.CorrelationID != "" && b.correlation.Resolve(d) {
		return d.Ack()
	}

	return b.router.Route(ctx, d)
}

func (b *Broker) decode(d *contracts.Delivery) error {
	if d.Body != nil || len(d.Raw) == 0 {
		return nil
	}

	codec, ok := b.registry.Get(d.ContentType)
	if !ok {
		// Unknown content types pass through as raw bytes.
		d.Body = d.Raw
		return nil
	}

	body, err := codec.Deserialize(d.Raw, d.ContentEncoding)
	if err != nil {
		return err
	}
	d.Body = body
	return nil
}

// AddSerializer registers a codec; the last registration per content type
// wins.
func (b *Broker) AddSerializer(s serialization.Serializer) {
	b.registry.Register(s)
}

// NackOnError makes uncaught handler failures nack the message.
func (b *Broker) NackOnError() { b.router.NackOnError() }

// IgnoreHandlerErrors stops acting on handler failures beyond logging.
func (b *Broker) IgnoreHandlerErrors() { b.router.IgnoreHandlerErrors() }

// NackUnhandled returns unhandled messages for redelivery. This is the
// default strategy.
func (b *Broker) NackUnhandled() { b.router.NackUnhandled() }

// RejectUnhandled dead-letters unhandled messages.
func (b *Broker) RejectUnhandled() { b.router.RejectUnhandled() }

// OnUnhandled installs a custom unhandled-message callback.
func (b *Broker) OnUnhandled(fn messaging.DeliveryHandler) { b.router.OnUnhandled(fn) }

// BatchAck arms coalesced acknowledgment at the default interval.
func (b *Broker) BatchAck() { b.batcher.Start(messaging.DefaultAckInterval) }

// SetAckInterval arms coalesced acknowledgment at the given interval.
func (b *Broker) SetAckInterval(d time.Duration) { b.batcher.Start(d) }

// ClearAckInterval disarms coalesced acknowledgment.
func (b *Broker) ClearAckInterval() { b.batcher.Stop() }

// On registers a lifecycle listener for all connections.
func (b *Broker) On(kind contracts.EventKind, fn messaging.EventHandler) *messaging.EventListener {
	return b.bus.On(kind, fn)
}

// OnConnection registers a lifecycle listener for one named connection.
func (b *Broker) OnConnection(connectionName string, kind contracts.EventKind, fn messaging.EventHandler) *messaging.EventListener {
	return b.bus.OnConnection(connectionOrDefault(connectionName), kind, fn)
}

func (b *Broker) topology(op, connectionName string) (messaging.Topology, error) {
	topo, ok := b.orch.Topology(connectionName)
	if !ok {
		return nil, contracts.NewConfigurationError(op, "connection %q is not registered", connectionOrDefault(connectionName))
	}
	return topo, nil
}

func connectionOrDefault(name string) string {
	if name == "" {
		return messaging.DefaultConnectionName
	}
	return name
}
