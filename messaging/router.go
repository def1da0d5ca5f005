package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/warrenmq/warren/contracts"
	"github.com/warrenmq/warren/metrics"
)

// AnyQueue is the universal topic prefix matching deliveries from any queue.
const AnyQueue = "*"

// UnhandledStrategy decides what happens to a delivery matching no
// subscription. Exactly one strategy is active per router at a time.
type UnhandledStrategy int

const (
	// UnhandledNack returns the message to the broker for redelivery.
	UnhandledNack UnhandledStrategy = iota

	// UnhandledReject refuses the message; broker dead-letter semantics
	// apply.
	UnhandledReject

	// UnhandledCustom hands the message to a caller-supplied callback.
	// With no callback set, the message is left untouched.
	UnhandledCustom
)

// SanitizeQueue rewrites a queue name so it cannot collide with the topic
// hierarchy separator.
func SanitizeQueue(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}

// Subscription is a registered (topic, handler) pair.
type Subscription struct {
	router      *Router
	id          uint64
	queue       string // sanitized queue name or AnyQueue
	messageType string // empty matches all types
	handler     DeliveryHandler
}

// Topic returns the derived topic string for this subscription.
func (s *Subscription) Topic() string {
	if s.messageType == "" {
		return s.queue
	}
	return s.queue + "." + s.messageType
}

// Remove unregisters the subscription. Only future deliveries are affected;
// in-flight invocations run to completion.
func (s *Subscription) Remove() {
	s.router.remove(s)
}

// Router multiplexes inbound deliveries to subscriptions by hierarchical
// topic matching, and applies the unhandled and handler-failure policies.
type Router struct {
	mu     sync.RWMutex
	nextID uint64

	// queue → message type → subscriptions. AnyQueue holds wildcard-prefix
	// subscriptions; the empty type key holds type-agnostic ones.
	subs map[string]map[string][]*Subscription

	strategy    UnhandledStrategy
	onUnhandled DeliveryHandler
	nackOnError bool

	logger    *slog.Logger
	collector metrics.Collector
}

// RouterOption configures the Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithRouterMetrics sets the metrics collector.
func WithRouterMetrics(c metrics.Collector) RouterOption {
	return func(r *Router) {
		r.collector = c
	}
}

// NewRouter creates a router with the default nack-unhandled strategy.
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		subs:      make(map[string]map[string][]*Subscription),
		strategy:  UnhandledNack,
		logger:    slog.Default(),
		collector: metrics.NoOp{},
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Handle registers a handler matching the message type on any queue. An
// empty messageType matches all types.
func (r *Router) Handle(messageType string, handler DeliveryHandler) *Subscription {
	return r.add(AnyQueue, messageType, handler)
}

// HandleQueue registers a handler scoped to one queue. The queue name is
// sanitized before it becomes the topic prefix.
func (r *Router) HandleQueue(messageType string, handler DeliveryHandler, queue string) *Subscription {
	return r.add(SanitizeQueue(queue), messageType, handler)
}

func (r *Router) add(queue, messageType string, handler DeliveryHandler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{
		router:      r,
		id:          r.nextID,
		queue:       queue,
		messageType: messageType,
		handler:     handler,
	}

	byType, ok := r.subs[queue]
	if !ok {
		byType = make(map[string][]*Subscription)
		r.subs[queue] = byType
	}
	byType[messageType] = append(byType[messageType], sub)

	r.logger.Debug("registered subscription",
		"topic", sub.Topic(),
		"messageType", messageType,
	)

	return sub
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byType, ok := r.subs[sub.queue]
	if !ok {
		return
	}
	subs := byType[sub.messageType]
	for i, s := range subs {
		if s.id == sub.id {
			byType[sub.messageType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(byType[sub.messageType]) == 0 {
		delete(byType, sub.messageType)
	}
	if len(byType) == 0 {
		delete(r.subs, sub.queue)
	}
}

// Clear drops every subscription and restores the default policies.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]map[string][]*Subscription)
	r.strategy = UnhandledNack
	r.onUnhandled = nil
	r.nackOnError = false
}

// NackOnError makes uncaught handler failures nack the message for
// broker-driven redelivery.
func (r *Router) NackOnError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nackOnError = true
}

// IgnoreHandlerErrors reverts to logging handler failures without acting on
// the message.
func (r *Router) IgnoreHandlerErrors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nackOnError = false
}

// NackUnhandled selects the nack strategy for unhandled messages.
func (r *Router) NackUnhandled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = UnhandledNack
}

// RejectUnhandled selects the reject strategy for unhandled messages.
func (r *Router) RejectUnhandled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = UnhandledReject
}

// OnUnhandled installs a custom callback for unhandled messages.
func (r *Router) OnUnhandled(fn DeliveryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = UnhandledCustom
	r.onUnhandled = fn
}

// match collects every subscription whose topic matches the delivery.
// A wildcard prefix matches any queue; an empty type matches any type.
func (r *Router) match(queue, messageType string) []*Subscription {
	sanitized := SanitizeQueue(queue)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Subscription
	for _, prefix := range []string{sanitized, AnyQueue} {
		byType, ok := r.subs[prefix]
		if !ok {
			continue
		}
		if messageType != "" {
			matched = append(matched, byType[messageType]...)
		}
		matched = append(matched, byType[""]...)
	}
	return matched
}

// Route dispatches a delivery to every matching subscription. Handlers run
// concurrently; the delivery is acked once all succeed. With no match the
// active unhandled strategy applies.
func (r *Router) Route(ctx context.Context, d *contracts.Delivery) error {
	matched := r.match(d.Queue, d.Type)
	if len(matched) == 0 {
		return r.applyUnhandled(ctx, d)
	}

	r.collector.MessageDelivered(d.Queue, d.Type)

	var wg sync.WaitGroup
	errCh := make(chan error, len(matched))

	for _, sub := range matched {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := sub.handler(ctx, d); err != nil {
				errCh <- err
			}
		}(sub)
	}

	wg.Wait()
	close(errCh)

	var failed bool
	for err := range errCh {
		failed = true
		r.collector.HandlerError(d.Queue, d.Type)
		r.logger.Error("handler failed",
			"queue", d.Queue,
			"messageType", d.Type,
			"correlationId", d.CorrelationID,
			"error", err,
		)
	}

	r.mu.RLock()
	nackOnError := r.nackOnError
	r.mu.RUnlock()

	if failed {
		if nackOnError {
			return d.Nack(true)
		}
		return nil
	}

	return d.Ack()
}

func (r *Router) applyUnhandled(ctx context.Context, d *contracts.Delivery) error {
	r.mu.RLock()
	strategy := r.strategy
	custom := r.onUnhandled
	r.mu.RUnlock()

	r.collector.MessageUnhandled(d.Queue)
	r.logger.Warn("no subscription matched message",
		"queue", d.Queue,
		"messageType", d.Type,
	)

	switch strategy {
	case UnhandledReject:
		return d.Reject()
	case UnhandledCustom:
		if custom != nil {
			return custom(ctx, d)
		}
		return nil
	default:
		return d.Nack(true)
	}
}
