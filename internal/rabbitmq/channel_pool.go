package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const poolWaitTimeout = 5 * time.Second

// ChannelPool manages a bounded set of AMQP channels on one connection.
// Channels are lazily created up to maxSize and recycled through Put. A
// channel that died while borrowed is discarded instead of returned.
type ChannelPool struct {
	conn    *Connection
	maxSize int

	channels chan *amqp.Channel

	mu     sync.Mutex
	active int
	closed bool
}

// NewChannelPool creates a pool bound to the given connection.
func NewChannelPool(conn *Connection, maxSize int) (*ChannelPool, error) {
	if conn == nil {
		return nil, ErrInvalidConfiguration
	}
	if maxSize < 1 {
		return nil, fmt.Errorf("%w: pool size must be at least 1", ErrInvalidConfiguration)
	}

	return &ChannelPool{
		conn:     conn,
		maxSize:  maxSize,
		channels: make(chan *amqp.Channel, maxSize),
	}, nil
}

// Get borrows a channel, creating one when the pool is under capacity.
func (cp *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch.IsClosed() {
			cp.discard()
			return cp.create()
		}
		return ch, nil
	default:
	}

	cp.mu.Lock()
	underCapacity := cp.active < cp.maxSize
	cp.mu.Unlock()
	if underCapacity {
		return cp.create()
	}

	select {
	case ch := <-cp.channels:
		if ch.IsClosed() {
			cp.discard()
			return cp.create()
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(poolWaitTimeout):
		return nil, fmt.Errorf("rabbitmq: channel pool exhausted after %s", poolWaitTimeout)
	}
}

// Put returns a borrowed channel. Dead or surplus channels are closed.
func (cp *ChannelPool) Put(ch *amqp.Channel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		cp.discard()
		if !ch.IsClosed() {
			ch.Close()
		}
		return
	}

	select {
	case cp.channels <- ch:
	default:
		ch.Close()
		cp.discard()
	}
}

// Execute borrows a channel, runs fn with it, and returns it to the pool.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)
	return fn(ch)
}

// Close drains and closes every pooled channel.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	close(cp.channels)
	for ch := range cp.channels {
		if !ch.IsClosed() {
			ch.Close()
		}
	}
	return nil
}

func (cp *ChannelPool) create() (*amqp.Channel, error) {
	conn, err := cp.conn.current()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	cp.mu.Lock()
	cp.active++
	cp.mu.Unlock()
	return ch, nil
}

func (cp *ChannelPool) discard() {
	cp.mu.Lock()
	if cp.active > 0 {
		cp.active--
	}
	cp.mu.Unlock()
}
