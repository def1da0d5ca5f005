package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warrenmq/warren/contracts"
)

var (
	// ErrReplyTimeout is returned by Await when a reply timeout elapses
	// before the terminal reply arrives.
	ErrReplyTimeout = errors.New("messaging: reply timeout")

	// ErrRequestCancelled is returned by Await after Cancel or table
	// shutdown.
	ErrRequestCancelled = errors.New("messaging: request cancelled")
)

// ProgressFunc receives partial replies of a streaming response.
type ProgressFunc func(d *contracts.Delivery)

// RequestOption configures one tracked request.
type RequestOption func(*requestConfig)

type requestConfig struct {
	progress ProgressFunc
	timeout  time.Duration
}

// WithProgress installs a callback invoked for each partial reply, i.e.
// replies arriving without the sequence-end marker.
func WithProgress(fn ProgressFunc) RequestOption {
	return func(c *requestConfig) {
		c.progress = fn
	}
}

// WithReplyTimeout bounds the wait for the terminal reply. Without it a
// never-answered request stays pending indefinitely, matching broker
// semantics where reply arrival is the server's responsibility.
func WithReplyTimeout(d time.Duration) RequestOption {
	return func(c *requestConfig) {
		c.timeout = d
	}
}

// PendingReply is the future for one outstanding request. It resolves
// exactly once, with the terminal reply.
type PendingReply struct {
	correlationID string
	table         *CorrelationTable
	progress      ProgressFunc

	replyCh chan *contracts.Delivery
	errCh   chan error
	once    sync.Once
	timer   *time.Timer
}

// CorrelationID returns the identifier stamped on the outbound request.
func (p *PendingReply) CorrelationID() string {
	return p.correlationID
}

// Await blocks until the terminal reply arrives, the reply timeout elapses,
// the request is cancelled, or ctx is done.
func (p *PendingReply) Await(ctx context.Context) (*contracts.Delivery, error) {
	select {
	case d := <-p.replyCh:
		return d, nil
	case err := <-p.errCh:
		return nil, err
	case <-ctx.Done():
		p.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel abandons the request and removes its correlation entry. Safe to
// call after resolution.
func (p *PendingReply) Cancel() {
	p.fail(ErrRequestCancelled)
}

func (p *PendingReply) resolve(d *contracts.Delivery) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.replyCh <- d
	})
}

func (p *PendingReply) fail(err error) {
	p.table.drop(p.correlationID)
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.errCh <- err
	})
}

// CorrelationTable maps outbound request identifiers to pending futures and
// resolves them from inbound replies.
type CorrelationTable struct {
	mu      sync.RWMutex
	pending map[string]*PendingReply
	logger  *slog.Logger
}

// CorrelationOption configures the table.
type CorrelationOption func(*CorrelationTable)

// WithCorrelationLogger sets the logger.
func WithCorrelationLogger(logger *slog.Logger) CorrelationOption {
	return func(t *CorrelationTable) {
		t.logger = logger
	}
}

// NewCorrelationTable creates an empty table.
func NewCorrelationTable(options ...CorrelationOption) *CorrelationTable {
	t := &CorrelationTable{
		pending: make(map[string]*PendingReply),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Track registers a pending entry for the correlation id and returns its
// future. The entry lives until the terminal reply, a timeout, or Cancel.
func (t *CorrelationTable) Track(correlationID string, options ...RequestOption) *PendingReply {
	cfg := requestConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	p := &PendingReply{
		correlationID: correlationID,
		table:         t,
		progress:      cfg.progress,
		replyCh:       make(chan *contracts.Delivery, 1),
		errCh:         make(chan error, 1),
	}

	if cfg.timeout > 0 {
		p.timer = time.AfterFunc(cfg.timeout, func() {
			t.logger.Warn("request timed out awaiting reply",
				"correlationId", correlationID,
				"timeout", cfg.timeout,
			)
			p.fail(ErrReplyTimeout)
		})
	}

	t.mu.Lock()
	t.pending[correlationID] = p
	t.mu.Unlock()

	return p
}

// Resolve routes an inbound reply to its pending request. A reply without
// the sequence-end marker is a partial: it is forwarded to the progress
// callback and the request stays pending. A terminal reply resolves the
// future and removes the entry immediately. Returns false when no pending
// request matches the delivery's correlation id.
func (t *CorrelationTable) Resolve(d *contracts.Delivery) bool {
	if d.CorrelationID == "" {
		return false
	}

	t.mu.RLock()
	p, ok := t.pending[d.CorrelationID]
	t.mu.RUnlock()

	if !ok {
		return false
	}

	if !d.SequenceEnd {
		if p.progress != nil {
			p.progress(d)
		}
		return true
	}

	t.drop(d.CorrelationID)
	p.resolve(d)
	return true
}

// PendingCount returns the number of outstanding requests.
func (t *CorrelationTable) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// Close fails every outstanding request with ErrRequestCancelled.
func (t *CorrelationTable) Close() {
	t.mu.Lock()
	pending := make([]*PendingReply, 0, len(t.pending))
	for _, p := range t.pending {
		pending = append(pending, p)
	}
	t.pending = make(map[string]*PendingReply)
	t.mu.Unlock()

	for _, p := range pending {
		p.once.Do(func() {
			if p.timer != nil {
				p.timer.Stop()
			}
			p.errCh <- ErrRequestCancelled
		})
	}
}

func (t *CorrelationTable) drop(correlationID string) {
	t.mu.Lock()
	delete(t.pending, correlationID)
	t.mu.Unlock()
}
