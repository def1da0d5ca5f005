package contracts

import "fmt"

// ConfigurationError reports synchronous operational misuse: invalid or
// missing options, or referencing topology that was never declared. It is
// returned to the caller directly and never retried.
type ConfigurationError struct {
	Op     string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("warren: %s: %s", e.Op, e.Detail)
}

// NewConfigurationError builds a ConfigurationError for the given operation.
func NewConfigurationError(op, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Op: op, Detail: fmt.Sprintf(format, args...)}
}
