package config

import (
	"strings"
	"time"

	"github.com/spf13/cast"

	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
)

// EnvPrefix is the prefix of environment variables that configure a
// stage, e.g. FILTER_SOURCES or FILTER_OUTPUTS_TIMEOUT.
const EnvPrefix = "FILTER_"

// FromEnv builds a FilterConfig from FILTER_* entries of environ (as
// returned by os.Environ). Timeout values are in milliseconds, matching
// the wire-level poll granularity; metrics_interval is in seconds.
func FromEnv(environ []string, utc bool) (FilterConfig, error) {
	var cfg FilterConfig

	for _, kv := range environ {
		key, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(key, EnvPrefix) || value == "" {
			continue
		}
		name := strings.ToLower(key[len(EnvPrefix):])

		var err error
		switch name {
		case "id":
			cfg.ID = value
		case "pipeline_id":
			cfg.PipelineID = value
		case "device_name":
			cfg.DeviceName = value
		case "environment":
			cfg.Environment = value
		case "sources":
			cfg.Sources = []string{value}
		case "sources_balance":
			cfg.SourcesBalance, err = cast.ToBoolE(value)
		case "sources_timeout":
			cfg.SourcesTimeout, err = millisecondsE(value)
		case "sources_low_latency":
			var b bool
			if b, err = cast.ToBoolE(value); err == nil {
				cfg.SourcesLowLatency = &b
			}
		case "outputs":
			cfg.Outputs = []string{value}
		case "outputs_balance":
			cfg.OutputsBalance, err = cast.ToBoolE(value)
		case "outputs_timeout":
			cfg.OutputsTimeout, err = millisecondsE(value)
		case "outputs_required":
			cfg.OutputsRequired = []string{value}
		case "outputs_metrics":
			cfg.OutputsMetrics, err = cast.ToBoolE(value)
		case "outputs_compressed", "outputs_jpg":
			cfg.OutputsCompressed, err = cast.ToBoolE(value)
		case "exit_after":
			cfg.ExitAfter, cfg.ExitAt, err = ParseExitSpec(value, utc)
		case "metrics_interval":
			var secs float64
			if secs, err = cast.ToFloat64E(value); err == nil {
				cfg.MetricsInterval = time.Duration(secs * float64(time.Second))
			}
		case "metrics_port":
			cfg.MetricsPort, err = cast.ToIntE(value)
		case "mq_log":
			cfg.MQLog, err = ParseMQLogMode(value)
		case "announce_exit":
			var p ExitPolicy
			if p, err = ParseExitPolicy(value); err == nil {
				cfg.AnnouncePolicy = &p
			}
		case "obey_exit":
			var p ExitPolicy
			if p, err = ParseExitPolicy(value); err == nil {
				cfg.ObeyPolicy = &p
			}
		default:
			// Unknown FILTER_ variables are left for stage-specific
			// configuration layers.
			continue
		}
		if err != nil {
			return FilterConfig{}, fferrors.Configf("invalid %s value %q: %v", key, value, err)
		}
	}

	return Normalize(cfg)
}

func millisecondsE(value string) (time.Duration, error) {
	ms, err := cast.ToInt64E(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
