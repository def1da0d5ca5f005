// Package metrics defines the collector interface the broker components
// report into, with a no-op default and a Prometheus-backed implementation.
package metrics

// Collector receives broker activity counters. Implementations must be safe
// for concurrent use.
type Collector interface {
	// MessagePublished records one outbound publish.
	MessagePublished(exchange, messageType string)

	// MessageDelivered records one inbound message routed to at least one
	// handler.
	MessageDelivered(queue, messageType string)

	// MessageUnhandled records one inbound message that matched no
	// subscription.
	MessageUnhandled(queue string)

	// HandlerError records one handler failure.
	HandlerError(queue, messageType string)

	// AckFlush records one coalesced acknowledgment flush tick.
	AckFlush()

	// ConnectionState records a lifecycle transition for a named
	// connection.
	ConnectionState(connection, state string)
}

// NoOp discards all metrics.
type NoOp struct{}

func (NoOp) MessagePublished(exchange, messageType string) {}
func (NoOp) MessageDelivered(queue, messageType string)    {}
func (NoOp) MessageUnhandled(queue string)                 {}
func (NoOp) HandlerError(queue, messageType string)        {}
func (NoOp) AckFlush()                                     {}
func (NoOp) ConnectionState(connection, state string)      {}
