package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrUnreachable        = errors.New("rabbitmq: retry budget exhausted, connection unreachable")

	ErrChannelPoolClosed    = errors.New("rabbitmq: channel pool is closed")
	ErrNotSubscribed        = errors.New("rabbitmq: queue has no active subscription")
	ErrAlreadySubscribed    = errors.New("rabbitmq: queue already has an active subscription")
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError wraps a dial or reconnect failure with attempt context.
type ConnectionError struct {
	Op       string
	URL      string // sanitized
	Err      error
	Attempts int
	Elapsed  time.Duration
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq: %s failed after %d attempts (%s): %v", e.Op, e.Attempts, e.Elapsed, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SanitizeURL strips credentials from a connection URI before logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
