// Package config holds the typed stage configuration, its idempotent
// normalization, and the address option/topic grammar shared by the MQ
// client and the stage runtime.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FilterConfig is the normalized configuration of one pipeline stage.
// Zero values mean "not set"; both timeout budgets default to unbounded.
type FilterConfig struct {
	// ID identifies the stage in logs, metrics and control messages.
	// Defaulted to "<FilterType>-<random>" by the runtime when empty.
	ID string

	// PipelineID and DeviceName form the shared pipeline identity and are
	// injected by the supervisor before spawn.
	PipelineID string
	DeviceName string

	Environment string

	// Sources are input addresses, each optionally carrying '!' options
	// and ';' topic mappings.
	Sources           []string
	SourcesBalance    bool
	SourcesTimeout    time.Duration // 0 = block indefinitely
	SourcesLowLatency *bool

	// Outputs are output addresses.
	Outputs           []string
	OutputsBalance    bool
	OutputsTimeout    time.Duration // 0 = block indefinitely
	OutputsRequired   []string
	OutputsMetrics    bool
	OutputsCompressed bool

	// Scheduled exit: at most one of ExitAfter (relative) and ExitAt
	// (absolute) may be set.
	ExitAfter time.Duration
	ExitAt    time.Time

	MetricsInterval time.Duration
	MetricsPort     int
	ExtraMetrics    map[string]any

	MQLog MQLogMode

	// AnnouncePolicy and ObeyPolicy override the process-wide defaults
	// when non-nil.
	AnnouncePolicy *ExitPolicy
	ObeyPolicy     *ExitPolicy
}

// Normalize returns a canonical copy of cfg: comma-joined address lists
// are split into elements, whitespace is trimmed, empty entries dropped
// and enum fields validated. It never mutates its input and is
// idempotent: Normalize(Normalize(c)) == Normalize(c).
func Normalize(cfg FilterConfig) (FilterConfig, error) {
	out := cfg

	out.Sources = splitCommas(cfg.Sources)
	out.Outputs = splitCommas(cfg.Outputs)
	out.OutputsRequired = splitCommas(cfg.OutputsRequired)

	if cfg.ExtraMetrics != nil {
		out.ExtraMetrics = make(map[string]any, len(cfg.ExtraMetrics))
		for k, v := range cfg.ExtraMetrics {
			out.ExtraMetrics[k] = v
		}
	}

	mqLog, err := ParseMQLogMode(cfg.MQLog)
	if err != nil {
		return FilterConfig{}, err
	}
	out.MQLog = mqLog

	if err := out.Validate(); err != nil {
		return FilterConfig{}, err
	}

	return out, nil
}

// Validate checks field-level constraints. Address scheme validation is
// deliberately left to Init so that transports stay pluggable in tests.
func (c *FilterConfig) Validate() error {
	var errs []error

	if c.SourcesTimeout < 0 {
		errs = append(errs, errors.New("sources: timeout cannot be negative"))
	}
	if c.OutputsTimeout < 0 {
		errs = append(errs, errors.New("outputs: timeout cannot be negative"))
	}
	if c.ExitAfter < 0 {
		errs = append(errs, errors.New("exit_after: interval cannot be negative"))
	}
	if c.ExitAfter > 0 && !c.ExitAt.IsZero() {
		errs = append(errs, errors.New("exit_after: relative interval and absolute deadline are mutually exclusive"))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.MetricsInterval < 0 {
		errs = append(errs, errors.New("metrics: interval cannot be negative"))
	}
	for _, req := range c.OutputsRequired {
		if req == "" {
			errs = append(errs, errors.New("outputs_required: empty entry"))
		}
	}

	return errors.Join(errs...)
}

// Deadline resolves the scheduled-exit configuration against now.
// The second return value is false when no exit is scheduled.
func (c *FilterConfig) Deadline(now time.Time) (time.Time, bool) {
	if !c.ExitAt.IsZero() {
		return c.ExitAt, true
	}
	if c.ExitAfter > 0 {
		return now.Add(c.ExitAfter), true
	}
	return time.Time{}, false
}

func (c FilterConfig) String() string {
	redacted := c
	redacted.Sources = redactAll(c.Sources)
	redacted.Outputs = redactAll(c.Outputs)
	type alias FilterConfig
	return fmt.Sprintf("%+v", alias(redacted))
}

func redactAll(addrs []string) []string {
	if addrs == nil {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = RedactAddr(a)
	}
	return out
}

// splitCommas flattens entries that carry embedded commas, trims
// whitespace and drops empty elements. nil stays nil so normalization is
// a no-op on an already-normalized config.
func splitCommas(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
