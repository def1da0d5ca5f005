package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/warrenmq/warren/contracts"
	"github.com/warrenmq/warren/messaging"
)

const defaultPrefetch = 10

// Queue is a declared queue that can carry one active subscription. Unless
// the queue opts out with NoBatch, successful deliveries are acknowledged in
// coalesced batches: Ack records the delivery tag and FlushAcks issues a
// single multiple-ack for everything recorded since the previous flush.
type Queue struct {
	opts   messaging.QueueOptions
	conn   *Connection
	logger *slog.Logger

	mu        sync.Mutex
	ch        *amqp.Channel
	tag       string
	handler   messaging.DeliveryHandler
	exclusive bool

	tracker ackTracker
}

func (q *Queue) Name() string { return q.opts.Name }

// Subscribe starts consuming on a dedicated channel. Only one subscription
// may be active at a time.
func (q *Queue) Subscribe(ctx context.Context, exclusive bool, handler messaging.DeliveryHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil delivery handler", ErrInvalidConfiguration)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch != nil {
		return ErrAlreadySubscribed
	}

	q.handler = handler
	q.exclusive = exclusive
	if err := q.startLocked(ctx); err != nil {
		q.handler = nil
		return err
	}
	return nil
}

// startLocked opens the consumer channel and launches the delivery loop.
// Callers hold q.mu.
func (q *Queue) startLocked(ctx context.Context) error {
	conn, err := q.conn.current()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open consumer channel for %q: %w", q.opts.Name, err)
	}

	prefetch := q.opts.Limit
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: set prefetch for %q: %w", q.opts.Name, err)
	}

	tag := fmt.Sprintf("warren-%s", uuid.New().String()[:8])
	deliveries, err := ch.Consume(q.opts.Name, tag, false, q.exclusive, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: consume %q: %w", q.opts.Name, err)
	}

	q.ch = ch
	q.tag = tag
	q.tracker.reset()

	// The handler is captured here so deliveries already buffered when
	// Unsubscribe nils q.handler still reach it.
	go q.consume(ctx, ch, deliveries, q.handler)

	q.logger.Debug("subscription started",
		"queue", q.opts.Name,
		"consumer", tag,
		"prefetch", prefetch,
	)
	return nil
}

func (q *Queue) consume(ctx context.Context, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler messaging.DeliveryHandler) {
	for raw := range deliveries {
		d := q.fromAMQP(&raw)
		q.bindAck(d, ch, raw.DeliveryTag)

		if err := handler(ctx, d); err != nil {
			q.logger.Debug("delivery handler returned error",
				"queue", q.opts.Name,
				"type", d.Type,
				"error", err,
			)
		}
	}
}

// bindAck wires the acknowledgment operations. Batched queues record acks
// for the next flush; NoBatch queues ack immediately.
func (q *Queue) bindAck(d *contracts.Delivery, ch *amqp.Channel, tag uint64) {
	ack := func() error {
		q.tracker.record(tag)
		return nil
	}
	if q.opts.NoBatch {
		ack = func() error {
			return ch.Ack(tag, false)
		}
	}

	d.BindAck(
		ack,
		func(requeue bool) error { return ch.Nack(tag, false, requeue) },
		func() error { return ch.Reject(tag, false) },
	)
}

func (q *Queue) fromAMQP(raw *amqp.Delivery) *contracts.Delivery {
	d := &contracts.Delivery{
		Queue:           q.opts.Name,
		Type:            raw.Type,
		Raw:             raw.Body,
		ContentType:     raw.ContentType,
		ContentEncoding: raw.ContentEncoding,
		CorrelationID:   raw.CorrelationId,
		ReplyTo:         raw.ReplyTo,
		Timestamp:       raw.Timestamp,
		Headers:         map[string]any(raw.Headers),
	}

	if v, ok := raw.Headers[contracts.HeaderSequenceNo]; ok {
		d.SequenceNo = toInt(v)
	}
	if v, ok := raw.Headers[contracts.HeaderSequenceEnd].(bool); ok {
		d.SequenceEnd = v
	}
	return d
}

// Unsubscribe cancels the consumer and closes its channel. In-flight handler
// invocations finish on their own.
func (q *Queue) Unsubscribe() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch == nil {
		return ErrNotSubscribed
	}

	ch, tag := q.ch, q.tag
	q.ch = nil
	q.tag = ""
	q.handler = nil

	if err := ch.Cancel(tag, false); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: cancel consumer for %q: %w", q.opts.Name, err)
	}
	return ch.Close()
}

// FlushAcks acknowledges every delivery recorded since the last flush with
// one multiple-ack. It implements messaging.BatchAcker.
func (q *Queue) FlushAcks() error {
	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()

	if ch == nil {
		return nil
	}
	return q.tracker.flush(ch)
}

// restart re-establishes the subscription after a replay if one was active.
// Callers hold q.mu via the topology replay path only; restart takes the
// lock itself.
func (q *Queue) restart(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.handler == nil {
		return nil
	}

	if q.ch != nil {
		q.ch.Close()
		q.ch = nil
		q.tag = ""
	}
	return q.startLocked(ctx)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// ackTracker coalesces acknowledgments between flush ticks. Only the highest
// delivery tag matters: AMQP multiple-ack covers everything below it.
type ackTracker struct {
	mu      sync.Mutex
	highest uint64
	dirty   bool
}

func (t *ackTracker) record(tag uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tag > t.highest {
		t.highest = tag
	}
	t.dirty = true
}

func (t *ackTracker) flush(ch *amqp.Channel) error {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	tag := t.highest
	t.dirty = false
	t.mu.Unlock()

	if err := ch.Ack(tag, true); err != nil {
		return fmt.Errorf("rabbitmq: batch ack up to %d: %w", tag, err)
	}
	return nil
}

func (t *ackTracker) reset() {
	t.mu.Lock()
	t.highest = 0
	t.dirty = false
	t.mu.Unlock()
}

var _ messaging.BatchAcker = (*Queue)(nil)
