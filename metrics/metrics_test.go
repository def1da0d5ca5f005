package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpSatisfiesCollector(t *testing.T) {
	var c Collector = NoOp{}
	c.MessagePublished("orders", "order.created")
	c.MessageDelivered("orders.incoming", "order.created")
	c.MessageUnhandled("orders.incoming")
	c.HandlerError("orders.incoming", "order.created")
	c.AckFlush()
	c.ConnectionState("default", "connected")
}

func TestPrometheusCollector(t *testing.T) {
	t.Run("register is idempotent", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := NewPrometheusCollector(reg)

		require.NoError(t, c.Register())
		require.NoError(t, c.Register())
	})

	t.Run("counters increment", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := NewPrometheusCollector(reg)
		require.NoError(t, c.Register())

		c.MessagePublished("orders", "order.created")
		c.MessagePublished("orders", "order.created")
		c.MessageUnhandled("orders.incoming")
		c.AckFlush()

		assert.Equal(t, 2.0, testutil.ToFloat64(c.publishedTotal.WithLabelValues("orders", "order.created")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.unhandledTotal.WithLabelValues("orders.incoming")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.ackFlushes))
	})

	t.Run("connection state is exclusive", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := NewPrometheusCollector(reg)
		require.NoError(t, c.Register())

		c.ConnectionState("default", "connected")
		assert.Equal(t, 1.0, testutil.ToFloat64(c.connState.WithLabelValues("default", "connected")))
		assert.Equal(t, 0.0, testutil.ToFloat64(c.connState.WithLabelValues("default", "failed")))

		c.ConnectionState("default", "failed")
		assert.Equal(t, 0.0, testutil.ToFloat64(c.connState.WithLabelValues("default", "connected")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.connState.WithLabelValues("default", "failed")))
	})
}
