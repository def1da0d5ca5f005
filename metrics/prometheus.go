package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports broker activity as Prometheus metrics under
// the "warren" namespace.
type PrometheusCollector struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	publishedTotal *prometheus.CounterVec
	deliveredTotal *prometheus.CounterVec
	unhandledTotal *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	ackFlushes     prometheus.Counter
	connState      *prometheus.GaugeVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warren",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewPrometheusCollector creates a collector bound to the given registerer.
// A nil registerer falls back to the default one.
func NewPrometheusCollector(registerer prometheus.Registerer) *PrometheusCollector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PrometheusCollector{
		registerer:     registerer,
		publishedTotal: newCounterVec("messages_published_total", "Total number of messages published", []string{"exchange", "type"}),
		deliveredTotal: newCounterVec("messages_delivered_total", "Total number of messages routed to handlers", []string{"queue", "type"}),
		unhandledTotal: newCounterVec("messages_unhandled_total", "Total number of messages matching no subscription", []string{"queue"}),
		handlerErrors:  newCounterVec("handler_errors_total", "Total number of handler failures", []string{"queue", "type"}),
		ackFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "ack_flushes_total",
			Help:      "Total number of coalesced acknowledgment flush ticks",
		}),
		connState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "warren",
				Name:      "connection_state",
				Help:      "Connection lifecycle state (1 for the current state, 0 otherwise)",
			},
			[]string{"connection", "state"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *PrometheusCollector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		c.publishedTotal,
		c.deliveredTotal,
		c.unhandledTotal,
		c.handlerErrors,
		c.ackFlushes,
		c.connState,
	}

	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

func (c *PrometheusCollector) MessagePublished(exchange, messageType string) {
	c.publishedTotal.WithLabelValues(exchange, messageType).Inc()
}

func (c *PrometheusCollector) MessageDelivered(queue, messageType string) {
	c.deliveredTotal.WithLabelValues(queue, messageType).Inc()
}

func (c *PrometheusCollector) MessageUnhandled(queue string) {
	c.unhandledTotal.WithLabelValues(queue).Inc()
}

func (c *PrometheusCollector) HandlerError(queue, messageType string) {
	c.handlerErrors.WithLabelValues(queue, messageType).Inc()
}

func (c *PrometheusCollector) AckFlush() {
	c.ackFlushes.Inc()
}

var stateNames = []string{"disconnected", "connecting", "connected", "closed", "failed", "unreachable"}

func (c *PrometheusCollector) ConnectionState(connection, state string) {
	for _, s := range stateNames {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.connState.WithLabelValues(connection, s).Set(v)
	}
}
