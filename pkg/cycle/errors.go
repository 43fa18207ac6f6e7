package cycle

import (
	"errors"
	"fmt"
)

// ErrTimeout is the outcome error of a cycle that did not finish before its
// deadline.
var ErrTimeout = errors.New("cycle timed out")

// ConfigError is returned when the cycle cannot start because of missing or
// invalid configuration. No network call is made.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("missing required configuration %q", e.Field)
	}
	return fmt.Sprintf("invalid configuration %q: %s", e.Field, e.Reason)
}

// StoreError wraps a failed state store call.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("state store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
