package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenmq/warren/contracts"
)

// ackRecorder counts acknowledgment outcomes on a delivery.
type ackRecorder struct {
	acked    atomic.Int32
	nacked   atomic.Int32
	requeued atomic.Bool
	rejected atomic.Int32
}

func (a *ackRecorder) bind(d *contracts.Delivery) {
	d.BindAck(
		func() error {
			a.acked.Add(1)
			return nil
		},
		func(requeue bool) error {
			a.nacked.Add(1)
			a.requeued.Store(requeue)
			return nil
		},
		func() error {
			a.rejected.Add(1)
			return nil
		},
	)
}

func delivery(queue, messageType string) (*contracts.Delivery, *ackRecorder) {
	d := &contracts.Delivery{Queue: queue, Type: messageType}
	rec := &ackRecorder{}
	rec.bind(d)
	return d, rec
}

func TestSanitizeQueue(t *testing.T) {
	assert.Equal(t, "orders-incoming", SanitizeQueue("orders.incoming"))
	assert.Equal(t, "plain", SanitizeQueue("plain"))
	assert.Equal(t, "a-b-c", SanitizeQueue("a.b.c"))
}

func TestSubscriptionTopic(t *testing.T) {
	r := NewRouter()

	sub := r.Handle("order.created", nil)
	assert.Equal(t, "*.order.created", sub.Topic())

	sub = r.HandleQueue("order.created", nil, "orders.incoming")
	assert.Equal(t, "orders-incoming.order.created", sub.Topic())

	sub = r.Handle("", nil)
	assert.Equal(t, "*", sub.Topic())
}

func TestRouterRoute(t *testing.T) {
	t.Run("exact type on any queue", func(t *testing.T) {
		r := NewRouter()
		var calls atomic.Int32
		r.Handle("order.created", func(ctx context.Context, d *contracts.Delivery) error {
			calls.Add(1)
			return nil
		})

		d, rec := delivery("orders", "order.created")
		require.NoError(t, r.Route(context.Background(), d))

		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, int32(1), rec.acked.Load())
	})

	t.Run("queue-scoped handler only sees its queue", func(t *testing.T) {
		r := NewRouter()
		var calls atomic.Int32
		r.HandleQueue("order.created", func(ctx context.Context, d *contracts.Delivery) error {
			calls.Add(1)
			return nil
		}, "orders.incoming")

		d, _ := delivery("orders.incoming", "order.created")
		require.NoError(t, r.Route(context.Background(), d))
		assert.Equal(t, int32(1), calls.Load())

		other, otherRec := delivery("billing", "order.created")
		require.NoError(t, r.Route(context.Background(), other))
		assert.Equal(t, int32(1), calls.Load(), "handler must not fire for other queues")
		assert.Equal(t, int32(1), otherRec.nacked.Load(), "unmatched delivery is nacked by default")
	})

	t.Run("empty type matches all types", func(t *testing.T) {
		r := NewRouter()
		var types []string
		var mu sync.Mutex
		r.Handle("", func(ctx context.Context, d *contracts.Delivery) error {
			mu.Lock()
			types = append(types, d.Type)
			mu.Unlock()
			return nil
		})

		for _, mt := range []string{"order.created", "order.cancelled", ""} {
			d, _ := delivery("orders", mt)
			require.NoError(t, r.Route(context.Background(), d))
		}

		assert.Len(t, types, 3)
	})

	t.Run("all matching handlers run and delivery acked once", func(t *testing.T) {
		r := NewRouter()
		var calls atomic.Int32
		handler := func(ctx context.Context, d *contracts.Delivery) error {
			calls.Add(1)
			return nil
		}
		r.Handle("order.created", handler)
		r.Handle("", handler)
		r.HandleQueue("order.created", handler, "orders")

		d, rec := delivery("orders", "order.created")
		require.NoError(t, r.Route(context.Background(), d))

		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, int32(1), rec.acked.Load())
	})

	t.Run("removed subscription no longer fires", func(t *testing.T) {
		r := NewRouter()
		var calls atomic.Int32
		sub := r.Handle("order.created", func(ctx context.Context, d *contracts.Delivery) error {
			calls.Add(1)
			return nil
		})

		sub.Remove()

		d, rec := delivery("orders", "order.created")
		require.NoError(t, r.Route(context.Background(), d))
		assert.Equal(t, int32(0), calls.Load())
		assert.Equal(t, int32(1), rec.nacked.Load())
	})

	t.Run("handler error is logged not acted on by default", func(t *testing.T) {
		r := NewRouter()
		r.Handle("order.created", func(ctx context.Context, d *contracts.Delivery) error {
			return errors.New("boom")
		})

		d, rec := delivery("orders", "order.created")
		require.NoError(t, r.Route(context.Background(), d))

		assert.Equal(t, int32(0), rec.acked.Load())
		assert.Equal(t, int32(0), rec.nacked.Load())
	})

	t.Run("nack on error policy", func(t *testing.T) {
		r := NewRouter()
		r.NackOnError()
		r.Handle("order.created", func(ctx context.Context, d *contracts.Delivery) error {
			return errors.New("boom")
		})

		d, rec := delivery("orders", "order.created")
		require.NoError(t, r.Route(context.Background(), d))

		assert.Equal(t, int32(1), rec.nacked.Load())
		assert.True(t, rec.requeued.Load())
	})

	t.Run("one failure among several handlers prevents the ack", func(t *testing.T) {
		r := NewRouter()
		r.Handle("order.created", func(ctx context.Context, d *contracts.Delivery) error {
			return nil
		})
		r.Handle("order.created", func(ctx context.Context, d *contracts.Delivery) error {
			return errors.New("boom")
		})

		d, rec := delivery("orders", "order.created")
		require.NoError(t, r.Route(context.Background(), d))
		assert.Equal(t, int32(0), rec.acked.Load())
	})
}

func TestRouterUnhandled(t *testing.T) {
	t.Run("default nacks for redelivery", func(t *testing.T) {
		r := NewRouter()

		d, rec := delivery("orders", "order.created")
		require.NoError(t, r.Route(context.Background(), d))

		assert.Equal(t, int32(1), rec.nacked.Load())
		assert.True(t, rec.requeued.Load())
	})

	t.Run("reject strategy", func(t *testing.T) {
		r := NewRouter()
		r.RejectUnhandled()

		d, rec := delivery("orders", "order.created")
		require.NoError(t, r.Route(context.Background(), d))

		assert.Equal(t, int32(1), rec.rejected.Load())
		assert.Equal(t, int32(0), rec.nacked.Load())
	})

	t.Run("custom callback", func(t *testing.T) {
		r := NewRouter()
		var got *contracts.Delivery
		r.OnUnhandled(func(ctx context.Context, d *contracts.Delivery) error {
			got = d
			return nil
		})

		d, rec := delivery("orders", "order.created")
		require.NoError(t, r.Route(context.Background(), d))

		require.NotNil(t, got)
		assert.Equal(t, "orders", got.Queue)
		assert.Equal(t, int32(0), rec.nacked.Load())
	})

	t.Run("strategies replace each other", func(t *testing.T) {
		r := NewRouter()
		r.RejectUnhandled()
		r.NackUnhandled()

		d, rec := delivery("orders", "order.created")
		require.NoError(t, r.Route(context.Background(), d))

		assert.Equal(t, int32(1), rec.nacked.Load())
		assert.Equal(t, int32(0), rec.rejected.Load())
	})
}

func TestRouterClear(t *testing.T) {
	r := NewRouter()
	r.RejectUnhandled()
	r.NackOnError()
	r.Handle("order.created", func(ctx context.Context, d *contracts.Delivery) error {
		return nil
	})

	r.Clear()

	d, rec := delivery("orders", "order.created")
	require.NoError(t, r.Route(context.Background(), d))

	// Back to the default unhandled strategy with no subscriptions.
	assert.Equal(t, int32(1), rec.nacked.Load())
	assert.Equal(t, int32(0), rec.rejected.Load())
}
