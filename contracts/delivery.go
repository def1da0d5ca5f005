package contracts

import (
	"time"
)

// Delivery is an inbound message handed to subscription handlers. The
// transport binds the acknowledgment functions before dispatch; Body is
// decoded from Raw by the broker according to the content type.
type Delivery struct {
	// Queue names the queue the message was consumed from.
	Queue string

	// Type is the application-level message type.
	Type string

	// Body is the decoded payload.
	Body any

	// Raw is the payload as received from the transport.
	Raw []byte

	ContentType     string
	ContentEncoding string

	CorrelationID string
	ReplyTo       string

	// SequenceNo and SequenceEnd carry streaming-reply ordering. A reply
	// without SequenceEnd is a partial; the terminal reply sets it.
	SequenceNo  int
	SequenceEnd bool

	Timestamp time.Time
	Headers   map[string]any

	ackFn    func() error
	nackFn   func(requeue bool) error
	rejectFn func() error
}

// BindAck attaches the transport's acknowledgment operations. Deliveries
// constructed in tests may leave them unbound; the operations are then no-ops.
func (d *Delivery) BindAck(ack func() error, nack func(requeue bool) error, reject func() error) {
	d.ackFn = ack
	d.nackFn = nack
	d.rejectFn = reject
}

// Ack marks the message as successfully processed.
func (d *Delivery) Ack() error {
	if d.ackFn == nil {
		return nil
	}
	return d.ackFn()
}

// Nack returns the message to the broker, optionally requeueing it.
func (d *Delivery) Nack(requeue bool) error {
	if d.nackFn == nil {
		return nil
	}
	return d.nackFn(requeue)
}

// Reject refuses the message without requeue; broker dead-letter semantics
// apply.
func (d *Delivery) Reject() error {
	if d.rejectFn == nil {
		return nil
	}
	return d.rejectFn()
}
