// Package runtime implements the stage execution loop and the
// multi-process supervisor on top of the mq client.
package runtime

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/frameflow/frameflow/internal/runtime/config"
	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
)

// EnvPrefix namespaces the process-wide settings variables. Per-stage
// configuration uses config.EnvPrefix instead.
const EnvPrefix = "FRAMEFLOW_"

// Settings is the immutable process-wide configuration, constructed once
// at process entry and threaded explicitly into Run, RunMulti and every
// stage. There is no ambient global state.
type Settings struct {
	// PollTimeout is the cooperative cancellation quantum: every
	// blocking wait checks the stop token at most this late.
	PollTimeout time.Duration

	LogLevel slog.Level

	// AnnounceExit and ObeyExit are the defaults a stage uses when its
	// configuration does not override them; StopExit gates pipeline-wide
	// shutdown in the supervisor.
	AnnounceExit config.ExitPolicy
	ObeyExit     config.ExitPolicy
	StopExit     config.ExitPolicy

	// ContinueOnError broadens the benign error class: any transform
	// error is logged and the loop keeps going. Default is fail-fast
	// with only marked-transient errors tolerated.
	ContinueOnError bool

	// AutoDownload materializes remote configuration values through the
	// download cache before Setup.
	AutoDownload bool

	Environment string

	// UTC interprets configured wall-clock deadlines as UTC.
	UTC bool

	// ExitGrace is how long the supervisor waits for a signalled child
	// before force-terminating it.
	ExitGrace time.Duration
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		PollTimeout:  30 * time.Millisecond,
		LogLevel:     slog.LevelInfo,
		AnnounceExit: config.ExitAll,
		ObeyExit:     config.ExitAll,
		StopExit:     config.ExitError,
		ExitGrace:    10 * time.Second,
	}
}

// LoadSettings loads a .env file when present, then builds Settings from
// the process environment.
func LoadSettings() (Settings, error) {
	_ = godotenv.Load()
	return SettingsFromEnviron(os.Environ())
}

// SettingsFromEnviron builds Settings from FRAMEFLOW_* variables in the
// given environment, starting from the defaults.
func SettingsFromEnviron(environ []string) (Settings, error) {
	s := DefaultSettings()

	for _, kv := range environ {
		key, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}

		var err error
		switch strings.TrimPrefix(key, EnvPrefix) {
		case "POLL_MS":
			var ms int
			if ms, err = cast.ToIntE(value); err == nil {
				s.PollTimeout = time.Duration(ms) * time.Millisecond
			}
		case "LOG_LEVEL":
			err = s.LogLevel.UnmarshalText([]byte(value))
		case "ANNOUNCE_EXIT":
			s.AnnounceExit, err = config.ParseExitPolicy(value)
		case "OBEY_EXIT":
			s.ObeyExit, err = config.ParseExitPolicy(value)
		case "STOP_EXIT":
			s.StopExit, err = config.ParseExitPolicy(value)
		case "CONTINUE_ON_ERROR":
			s.ContinueOnError, err = cast.ToBoolE(value)
		case "AUTO_DOWNLOAD":
			s.AutoDownload, err = cast.ToBoolE(value)
		case "ENVIRONMENT":
			s.Environment = value
		case "UTC":
			s.UTC, err = cast.ToBoolE(value)
		case "EXIT_GRACE_MS":
			var ms int
			if ms, err = cast.ToIntE(value); err == nil {
				s.ExitGrace = time.Duration(ms) * time.Millisecond
			}
		}
		if err != nil {
			return Settings{}, fferrors.Configf("%s: %v", key, err)
		}
	}

	if s.PollTimeout <= 0 {
		return Settings{}, fferrors.Configf("%sPOLL_MS must be positive", EnvPrefix)
	}
	return s, nil
}
