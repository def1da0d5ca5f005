package contracts

import (
	"time"
)

// Header keys used to carry streaming-reply metadata across the wire.
const (
	HeaderSequenceNo  = "x-sequence-no"
	HeaderSequenceEnd = "x-sequence-end"
)

// Publishing is the canonical outbound message record. Positional publish
// arguments are normalized into this shape before serialization; Request
// builds one directly.
type Publishing struct {
	// AppID identifies the publishing application.
	AppID string

	// Type is the application-level message type, matched against
	// subscription topics on the consuming side.
	Type string

	// Body is the unserialized payload. The publish pipeline encodes it
	// into Raw using the target exchange's content type.
	Body any

	// Raw is the serialized payload handed to the transport. Set by the
	// publish pipeline; callers normally leave it empty.
	Raw []byte

	RoutingKey    string
	CorrelationID string
	ReplyTo       string

	// SequenceNo orders the parts of a multi-part streaming reply.
	SequenceNo int

	// SequenceEnd marks the terminal part of a streaming reply.
	SequenceEnd bool

	// Timestamp defaults to the publish time when zero.
	Timestamp time.Time

	Headers map[string]any

	ContentType     string
	ContentEncoding string

	// ConnectionName selects the connection to publish on. Empty means
	// the default connection.
	ConnectionName string

	// Expiration bounds the transport-level publish. Copied from the
	// connection's configured publish timeout when unset.
	Expiration time.Duration
}

// Normalize fills derived defaults on the record. It is idempotent.
func (p *Publishing) Normalize() {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	if p.Headers == nil {
		p.Headers = make(map[string]any)
	}
}
