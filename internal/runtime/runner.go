package runtime

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cast"

	"github.com/frameflow/frameflow/internal/runtime/config"
	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
	"github.com/frameflow/frameflow/internal/runtime/ids"
	"github.com/frameflow/frameflow/internal/runtime/logging"
)

// Child-process handshake variables. The supervisor re-executes its own
// binary; the child recognises its stage index and the shared pipeline
// identity from these.
const (
	envStageIndex = EnvPrefix + "STAGE"
	envPipelineID = EnvPrefix + "PIPELINE_ID"
	envDeviceName = EnvPrefix + "DEVICE_NAME"
)

// StageSpec pairs one filter with its configuration.
type StageSpec struct {
	Filter Filter
	Config config.FilterConfig
}

// Identity is the shared pipeline identity injected into every stage.
type Identity struct {
	PipelineID string
	DeviceName string
}

func newIdentity() Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return Identity{PipelineID: ids.NewULID(), DeviceName: host}
}

// process is one supervised child. The os-backed implementation wraps
// exec.Cmd; tests substitute fakes through startStage.
type process interface {
	// Signal requests a cooperative stop.
	Signal() error
	// Kill force-terminates after the grace deadline.
	Kill() error
	// ExitCode polls without blocking.
	ExitCode() (code int, exited bool)
	// Wait joins the process and returns its exit code.
	Wait() int
}

// startStage spawns one stage process; overridable for tests.
var startStage = func(index int, identity Identity) (process, error) {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		envStageIndex+"="+cast.ToString(index),
		envPipelineID+"="+identity.PipelineID,
		envDeviceName+"="+identity.DeviceName,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = 1
			if state := cmd.ProcessState; state != nil && state.ExitCode() >= 0 {
				code = state.ExitCode()
			}
		}
		p.code.Store(int64(code))
	}()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	code atomic.Int64
}

func (p *osProcess) Signal() error { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p *osProcess) Kill() error   { return p.cmd.Process.Kill() }

func (p *osProcess) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return int(p.code.Load()), true
	default:
		return 0, false
	}
}

func (p *osProcess) Wait() int {
	<-p.done
	return int(p.code.Load())
}

// RunnerState tracks the supervisor lifecycle.
type RunnerState int

const (
	RunnerCreated RunnerState = iota
	RunnerStarted
	RunnerStopping
	RunnerStopped
)

// Runner supervises one OS process per stage: it spawns them with the
// shared pipeline identity, polls their liveness, applies the stop
// policy and force-terminates stragglers after the grace deadline.
type Runner struct {
	settings Settings
	logger   logging.ServiceLogger
	identity Identity

	mu       sync.Mutex
	state    RunnerState
	procs    []process
	codes    []int
	exited   []bool
	observed config.ExitPolicy
	watchdog *time.Timer
}

// NewRunner spawns every stage and returns the supervisor. A spawn
// failure tears down the already-started children.
func NewRunner(specs []StageSpec, settings Settings, logger logging.ServiceLogger) (*Runner, error) {
	if len(specs) == 0 {
		return nil, fferrors.ErrFilterRequired
	}
	if settings.PollTimeout <= 0 {
		settings = DefaultSettings()
	}
	if logger == nil {
		logger = logging.Nop()
	}

	r := &Runner{
		settings: settings,
		identity: newIdentity(),
		codes:    make([]int, len(specs)),
		exited:   make([]bool, len(specs)),
	}
	r.logger = logger.With(logging.LogFields{"pipeline": r.identity.PipelineID})

	for i := range specs {
		p, err := startStage(i, r.identity)
		if err != nil {
			for _, started := range r.procs {
				_ = started.Kill()
			}
			return nil, err
		}
		r.procs = append(r.procs, p)
	}

	r.state = RunnerStarted
	r.logger.Info("pipeline started", logging.LogFields{
		"stages": len(specs),
		"device": r.identity.DeviceName,
	})
	return r, nil
}

// Identity returns the shared pipeline identity.
func (r *Runner) Identity() Identity { return r.identity }

// State returns the supervisor state.
func (r *Runner) State() RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Step polls child liveness once, without blocking. It classifies fresh
// exits into the clean/error flags and, when the stop policy intersects
// them or no children remain, transitions to stopping. Once every child
// has exited it reports (exit codes in stage order, true).
func (r *Runner) Step() ([]int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	running := 0
	for i, p := range r.procs {
		if r.exited[i] {
			continue
		}
		code, exited := p.ExitCode()
		if !exited {
			running++
			continue
		}
		r.exited[i] = true
		r.codes[i] = code

		reason := config.ReasonClean
		if code != 0 {
			reason = config.ReasonError
		}
		r.observed |= reason.Flag()
		r.logger.Info("stage exited", logging.LogFields{
			"stage_index": i,
			"code":        code,
			"reason":      string(reason),
		})
	}

	if r.state == RunnerStarted && (running == 0 || r.settings.StopExit&r.observed != 0) {
		r.stopLocked()
	}

	if running == 0 && r.state != RunnerStopped {
		r.state = RunnerStopped
		if r.watchdog != nil {
			r.watchdog.Stop()
		}
		r.logger.Info("pipeline stopped", logging.LogFields{"codes": append([]int(nil), r.codes...)})
	}

	if r.state == RunnerStopped {
		return append([]int(nil), r.codes...), true
	}
	return nil, false
}

// Stop signals every running child to exit and arms the force-kill
// watchdog. Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Runner) stopLocked() {
	if r.state != RunnerStarted {
		return
	}
	r.state = RunnerStopping
	r.logger.Info("stopping pipeline", nil)

	for i, p := range r.procs {
		if r.exited[i] {
			continue
		}
		if err := p.Signal(); err != nil {
			r.logger.Error("stop signal failed", err, logging.LogFields{"stage_index": i})
		}
	}

	if grace := r.settings.ExitGrace; grace > 0 {
		r.watchdog = time.AfterFunc(grace, r.forceKill)
	}
}

func (r *Runner) forceKill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.procs {
		if r.exited[i] {
			continue
		}
		if _, exited := p.ExitCode(); exited {
			continue
		}
		r.logger.Info("force terminating stage", logging.LogFields{"stage_index": i})
		_ = p.Kill()
	}
}

// Join blocks until every child has exited and returns the exit codes
// in stage order.
func (r *Runner) Join() []int {
	for {
		if codes, done := r.Step(); done {
			return codes
		}
		time.Sleep(r.settings.PollTimeout)
	}
}

// childStageIndex reports whether this process is a supervised child
// and, if so, which stage it runs.
func childStageIndex() (int, bool) {
	v, ok := os.LookupEnv(envStageIndex)
	if !ok {
		return 0, false
	}
	idx, err := cast.ToIntE(v)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// RunMulti is the synchronous multi-process driver. In the parent it
// spawns one process per stage and polls until all have exited,
// returning the exit codes in stage order. Re-executed children detect
// their stage index from the environment, run that single stage
// in-process and return a one-element code slice.
//
// hook, when non-nil, is invoked once per supervisor poll iteration.
func RunMulti(ctx context.Context, specs []StageSpec, opts RunOptions, hook func()) ([]int, error) {
	if len(specs) == 0 {
		return nil, fferrors.ErrFilterRequired
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if idx, isChild := childStageIndex(); isChild {
		if idx >= len(specs) {
			return nil, fferrors.Configf("stage index %d out of range (%d stages)", idx, len(specs))
		}
		spec := specs[idx]
		spec.Config.PipelineID = os.Getenv(envPipelineID)
		spec.Config.DeviceName = os.Getenv(envDeviceName)

		if err := Run(sigCtx, spec.Filter, spec.Config, opts); err != nil {
			return []int{1}, err
		}
		return []int{0}, nil
	}

	settings := opts.Settings
	if settings.PollTimeout <= 0 {
		settings = DefaultSettings()
	}

	r, err := NewRunner(specs, settings, opts.Logger)
	if err != nil {
		return nil, err
	}

	signalled := false
	for {
		if codes, done := r.Step(); done {
			return codes, nil
		}
		if hook != nil {
			hook()
		}
		select {
		case <-sigCtx.Done():
			if !signalled {
				signalled = true
				r.Stop()
			}
			time.Sleep(settings.PollTimeout)
		case <-time.After(settings.PollTimeout):
		}
	}
}
