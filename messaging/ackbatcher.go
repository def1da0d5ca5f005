package messaging

import (
	"log/slog"
	"sync"
	"time"

	"github.com/warrenmq/warren/metrics"
)

// DefaultAckInterval is the flush interval armed on the first successful
// connect.
const DefaultAckInterval = 500 * time.Millisecond

// AckBatcher coalesces per-message acknowledgments into one periodic flush
// per registered flusher, trading bounded acknowledgment latency for fewer
// transport round trips. One batcher serves all connections of a broker.
type AckBatcher struct {
	mu       sync.Mutex
	nextID   uint64
	flushers map[uint64]func() error
	done     chan struct{}
	running  bool
	interval time.Duration

	logger    *slog.Logger
	collector metrics.Collector
}

// AckBatcherOption configures the batcher.
type AckBatcherOption func(*AckBatcher)

// WithBatcherLogger sets the logger.
func WithBatcherLogger(logger *slog.Logger) AckBatcherOption {
	return func(b *AckBatcher) {
		b.logger = logger
	}
}

// WithBatcherMetrics sets the metrics collector.
func WithBatcherMetrics(c metrics.Collector) AckBatcherOption {
	return func(b *AckBatcher) {
		b.collector = c
	}
}

// NewAckBatcher creates a stopped batcher.
func NewAckBatcher(options ...AckBatcherOption) *AckBatcher {
	b := &AckBatcher{
		flushers:  make(map[uint64]func() error),
		logger:    slog.Default(),
		collector: metrics.NoOp{},
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Register adds a flusher invoked once per tick. Returns an id for
// Unregister.
func (b *AckBatcher) Register(flush func() error) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.flushers[b.nextID] = flush
	return b.nextID
}

// Unregister removes a flusher.
func (b *AckBatcher) Unregister(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.flushers, id)
}

// Start arms the repeating flush timer. A running batcher is re-armed with
// the new interval.
func (b *AckBatcher) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultAckInterval
	}

	b.mu.Lock()
	if b.running {
		if b.interval == interval {
			b.mu.Unlock()
			return
		}
		close(b.done)
	}
	b.running = true
	b.interval = interval
	done := make(chan struct{})
	b.done = done
	b.mu.Unlock()

	go b.loop(interval, done)
}

// Stop disarms the timer. Pending acknowledgments are flushed one last time
// so nothing is left unacknowledged longer than necessary. Idempotent.
func (b *AckBatcher) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.done)
	b.mu.Unlock()

	b.flush()
}

// Running reports whether the timer is armed.
func (b *AckBatcher) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *AckBatcher) loop(interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-done:
			return
		}
	}
}

// flush invokes every registered flusher exactly once, regardless of how
// many acknowledgments each has pending.
func (b *AckBatcher) flush() {
	b.mu.Lock()
	flushers := make([]func() error, 0, len(b.flushers))
	for _, fn := range b.flushers {
		flushers = append(flushers, fn)
	}
	b.mu.Unlock()

	if len(flushers) == 0 {
		return
	}

	b.collector.AckFlush()
	for _, fn := range flushers {
		if err := fn(); err != nil {
			b.logger.Error("acknowledgment flush failed", "error", err)
		}
	}
}
