package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrFilterRequired    = sterrors.New("frameflow: at least one filter is required")
	ErrProcessorRequired = sterrors.New("frameflow: processor function is required")
	ErrConfigRequired    = sterrors.New("frameflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("frameflow: logger is required")
	ErrTopicRequired     = sterrors.New("frameflow: topic is required")
	ErrClosed            = sterrors.New("frameflow: message queue is closed")
)

// ConfigError marks a configuration problem detected during normalization
// or Init, before the stage loop starts. It is always fatal.
type ConfigError struct {
	Err error
}

func (e ConfigError) Error() string {
	return "frameflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a ConfigError, or returns nil for a nil err.
func NewConfigError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigError{Err: err}
}

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) error {
	return ConfigError{Err: fmt.Errorf(format, args...)}
}

// transientError marks the benign "keep looping" error class. The stage
// loop logs these and continues; everything else terminates the stage.
type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }

func (e transientError) Unwrap() error { return e.err }

// Transient marks err as benign for the stage loop. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Transientf builds a transient error from a format string.
func Transientf(format string, args ...any) error {
	return transientError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err or anything it wraps was marked Transient.
func IsTransient(err error) bool {
	var te transientError
	return sterrors.As(err, &te)
}

// PropagatedExit distinguishes "a peer announced an error and policy says
// to obey it" from a fresh failure, so the exit announcement is made only
// once per pipeline incident.
type PropagatedExit struct {
	Reason string
}

func (e PropagatedExit) Error() string {
	return "frameflow: exiting on propagated " + e.Reason + " announcement"
}

// IsPropagatedExit reports whether err carries a PropagatedExit marker.
func IsPropagatedExit(err error) bool {
	var pe PropagatedExit
	return sterrors.As(err, &pe)
}
