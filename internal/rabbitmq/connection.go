package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/warrenmq/warren/contracts"
	"github.com/warrenmq/warren/messaging"
)

const dialTimeout = 30 * time.Second

// dialFunc is the seam tests use to avoid a live broker.
type dialFunc func(url string) (*amqp.Connection, error)

// Connection implements messaging.Connection over amqp091. It dials with
// retries inside the configured budget, monitors the connection for
// unexpected closure, and reports lifecycle transitions on registered
// notify channels. Exhausting the budget leaves the connection unreachable
// until Connect is called again.
type Connection struct {
	opts messaging.ConnectionOptions

	mu    sync.RWMutex
	conn  *amqp.Connection
	state messaging.ConnectionState
	done  chan struct{} // closes the monitor of the current session

	listenersMu sync.RWMutex
	listeners   []chan<- contracts.Event

	logger *slog.Logger
	dial   dialFunc
}

// ConnectionOption configures the Connection.
type ConnectionOption func(*Connection)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithDialer replaces the dialer; used by tests.
func WithDialer(dial dialFunc) ConnectionOption {
	return func(c *Connection) {
		c.dial = dial
	}
}

// NewConnection creates an unconnected Connection for the given options.
func NewConnection(opts messaging.ConnectionOptions, options ...ConnectionOption) *Connection {
	c := &Connection{
		opts:   opts,
		state:  messaging.StateDisconnected,
		logger: slog.Default(),
		dial:   amqp.Dial,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

func (c *Connection) Name() string { return c.opts.Name }

func (c *Connection) PublishTimeout() time.Duration { return c.opts.PublishTimeout }

func (c *Connection) State() messaging.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Notify registers a lifecycle event channel. Events are sent non-blocking;
// a full channel drops the event rather than stalling the transport.
func (c *Connection) Notify(ch chan<- contracts.Event) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, ch)
}

func (c *Connection) emit(kind contracts.EventKind, err error) {
	e := contracts.Event{Kind: kind, Connection: c.opts.Name, Err: err}

	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, ch := range c.listeners {
		select {
		case ch <- e:
		default:
			c.logger.Warn("dropped lifecycle event, notify channel full",
				"connection", c.opts.Name,
				"event", kind.String(),
			)
		}
	}
}

// Connect establishes the connection, retrying within the retry budget.
// It is idempotent while connected and is also the explicit way back from
// the unreachable state.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == messaging.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = messaging.StateConnecting
	c.mu.Unlock()

	return c.establish(ctx, "connect")
}

// establish runs the shared dial-with-retry loop. Each failed attempt
// surfaces as a failed event; exceeding retryLimit attempts or the failAfter
// deadline transitions to unreachable.
func (c *Connection) establish(ctx context.Context, op string) error {
	start := time.Now()
	deadline := start.Add(c.opts.FailAfter)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attempt > c.opts.RetryLimit || time.Now().After(deadline) {
				c.mu.Lock()
				c.state = messaging.StateUnreachable
				c.mu.Unlock()

				c.logger.Error("retry budget exhausted",
					"connection", c.opts.Name,
					"attempts", attempt,
					"elapsed", time.Since(start),
				)
				c.emit(contracts.EventUnreachable, nil)
				return &ConnectionError{
					Op:       op,
					URL:      SanitizeURL(c.opts.URI),
					Err:      ErrUnreachable,
					Attempts: attempt,
					Elapsed:  time.Since(start),
				}
			}

			delay := backoff(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		conn, err := c.dialWithTimeout(ctx)
		if err != nil {
			c.logger.Warn("connection attempt failed",
				"connection", c.opts.Name,
				"url", SanitizeURL(c.opts.URI),
				"attempt", attempt+1,
				"error", err,
			)
			c.emit(contracts.EventFailed, err)
			continue
		}

		done := make(chan struct{})
		notifyClose := make(chan *amqp.Error, 1)
		conn.NotifyClose(notifyClose)

		c.mu.Lock()
		c.conn = conn
		c.state = messaging.StateConnected
		c.done = done
		c.mu.Unlock()

		c.logger.Info("connected",
			"connection", c.opts.Name,
			"url", SanitizeURL(c.opts.URI),
			"attempts", attempt+1,
		)
		c.emit(contracts.EventConnected, nil)

		go c.monitor(notifyClose, done)
		return nil
	}
}

func (c *Connection) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	connCh := make(chan *amqp.Connection)
	errCh := make(chan error, 1)

	go func() {
		conn, err := c.dial(c.opts.URI)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case connCh <- conn:
		case <-dialCtx.Done():
			// Nobody is waiting for this dial anymore; don't leak the
			// socket.
			conn.Close()
		}
	}()

	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	case <-dialCtx.Done():
		return nil, dialCtx.Err()
	}
}

// monitor watches for unexpected closure and drives reconnection.
func (c *Connection) monitor(notifyClose chan *amqp.Error, done chan struct{}) {
	select {
	case <-done:
		return
	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			// Deliberate close, handled by Close.
			return
		}

		c.logger.Warn("connection lost",
			"connection", c.opts.Name,
			"error", amqpErr,
		)

		c.mu.Lock()
		c.conn = nil
		c.state = messaging.StateFailed
		c.mu.Unlock()

		c.emit(contracts.EventFailed, amqpErr)

		if err := c.establish(context.Background(), "reconnect"); err != nil {
			c.logger.Error("reconnect abandoned",
				"connection", c.opts.Name,
				"error", err,
			)
		}
	}
}

// Close shuts the connection down deliberately.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == messaging.StateClosed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	done := c.done
	c.conn = nil
	c.state = messaging.StateClosed
	c.done = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	c.logger.Info("connection closed", "connection", c.opts.Name)
	c.emit(contracts.EventClosed, nil)
	return err
}

// current returns the live amqp connection.
func (c *Connection) current() (*amqp.Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != messaging.StateConnected || c.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return c.conn, nil
}

// backoff returns the exponential delay before the given attempt, capped at
// ten seconds.
func backoff(attempt int) time.Duration {
	base := 500 * time.Millisecond
	max := 10 * time.Second

	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max {
		delay = max
	}
	return delay
}
