package config

import (
	"strings"

	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
)

// ExitPolicy is a 2-bit set selecting which termination reasons matter.
// It is used on three independent axes: which of its own exits a stage
// announces, which announced peer exits a stage obeys, and which child
// exit reasons make the supervisor stop the whole pipeline.
type ExitPolicy uint8

const (
	ExitNone  ExitPolicy = 0
	ExitClean ExitPolicy = 1
	ExitError ExitPolicy = 2
	ExitAll   ExitPolicy = ExitClean | ExitError
)

// ExitReason is the announced termination reason of a stage.
type ExitReason string

const (
	ReasonClean ExitReason = "clean"
	ReasonError ExitReason = "error"
)

// Flag returns the policy bit corresponding to the reason.
func (r ExitReason) Flag() ExitPolicy {
	if r == ReasonError {
		return ExitError
	}
	return ExitClean
}

// Matches reports whether the policy covers the given reason.
func (p ExitPolicy) Matches(r ExitReason) bool {
	return p&r.Flag() != 0
}

func (p ExitPolicy) String() string {
	switch p {
	case ExitNone:
		return "none"
	case ExitClean:
		return "clean"
	case ExitError:
		return "error"
	case ExitAll:
		return "all"
	}
	return "invalid"
}

// ParseExitPolicy converts "none", "clean", "error" or "all" into an
// ExitPolicy.
func ParseExitPolicy(s string) (ExitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return ExitNone, nil
	case "clean":
		return ExitClean, nil
	case "error":
		return ExitError, nil
	case "all":
		return ExitAll, nil
	}
	return ExitNone, fferrors.Configf("invalid exit policy %q, can only be one of: none, clean, error, all", s)
}

// MQLogMode controls how the MQ client logs the batches it moves.
type MQLogMode string

const (
	MQLogNone   MQLogMode = "none"
	MQLogPretty MQLogMode = "pretty"
	MQLogImage  MQLogMode = "image"
)

// IsNone reports whether batch logging is disabled. The zero value
// counts as disabled.
func (m MQLogMode) IsNone() bool { return m == MQLogNone || m == "" }

// WithImages reports whether image details should be logged too.
func (m MQLogMode) WithImages() bool { return m == MQLogImage }

// ParseMQLogMode accepts the mode names plus boolean-ish aliases the
// option grammar may produce (true -> pretty, false -> none).
func ParseMQLogMode(v any) (MQLogMode, error) {
	switch val := v.(type) {
	case nil:
		return MQLogNone, nil
	case bool:
		if val {
			return MQLogPretty, nil
		}
		return MQLogNone, nil
	case MQLogMode:
		return ParseMQLogMode(string(val))
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "none", "false":
			return MQLogNone, nil
		case "pretty", "true":
			return MQLogPretty, nil
		case "image":
			return MQLogImage, nil
		}
	}
	return MQLogNone, fferrors.Configf("invalid mq log mode %v, must be one of: none, pretty, image", v)
}
