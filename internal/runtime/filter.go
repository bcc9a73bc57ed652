package runtime

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/frameflow/frameflow/internal/runtime/config"
	"github.com/frameflow/frameflow/internal/runtime/frame"
	"github.com/frameflow/frameflow/internal/runtime/ids"
)

// Filter is one pipeline stage's transform. Process receives the
// assembled topic->frame mapping (possibly empty) and answers with what
// to send downstream. Received frames are read-only; mutate a copy.
type Filter interface {
	Process(ctx context.Context, frames map[string]*frame.Frame) (Output, error)
}

// Setupper is implemented by filters that acquire external resources
// before the loop starts. Setup failures terminate the stage with an
// error before any data flows.
type Setupper interface {
	Setup(ctx context.Context, cfg config.FilterConfig) error
}

// Shutdowner is implemented by filters that release resources after the
// loop ends. Shutdown runs exactly once, even after a failed Setup.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ConfigNormalizer lets a filter adjust its configuration before the
// runtime normalizes and validates it.
type ConfigNormalizer interface {
	NormalizeConfig(cfg config.FilterConfig) (config.FilterConfig, error)
}

// RemoteConfigurer is implemented by filters carrying remote-URI
// configuration values of their own. When auto-download is enabled the
// runtime calls it before Setup with a resolver that maps a remote URI
// to a local cached path.
type RemoteConfigurer interface {
	ResolveRemote(ctx context.Context, resolve func(ctx context.Context, uri string) (string, error)) error
}

// Producer defers frame creation until downstream actually wants data.
// Returning a nil mapping means "nothing to send this round"; an empty
// non-nil mapping is a heartbeat and is forwarded.
type Producer func(ctx context.Context) (map[string]*frame.Frame, error)

type outputKind int

const (
	outputProduced outputKind = iota
	outputDeferred
	outputSuppressed
)

// Output is the tagged result of a transform: frames to send now, a
// deferred producer invoked during the send phase, or an explicit
// "send nothing".
type Output struct {
	kind     outputKind
	frames   map[string]*frame.Frame
	producer Producer
}

// Produce sends the mapping as-is. A nil mapping becomes an empty one,
// which downstream receives as a present, zero-entry batch.
func Produce(frames map[string]*frame.Frame) Output {
	if frames == nil {
		frames = map[string]*frame.Frame{}
	}
	return Output{kind: outputProduced, frames: frames}
}

// ProduceFrame sends a single frame under the default topic.
func ProduceFrame(f *frame.Frame) Output {
	return Produce(map[string]*frame.Frame{config.DefaultTopic: f})
}

// Defer postpones production to the send phase; the producer is invoked
// at most once per loop iteration.
func Defer(p Producer) Output {
	return Output{kind: outputDeferred, producer: p}
}

// Suppress sends nothing downstream this iteration.
func Suppress() Output {
	return Output{kind: outputSuppressed}
}

// Frames returns the mapping carried by a produced output; nil for
// deferred and suppressed outputs.
func (o Output) Frames() map[string]*frame.Frame { return o.frames }

// StopRequest is returned (wrapped or bare) from a lifecycle callback to
// request a controlled stage exit. It is a control signal, not a
// failure.
type StopRequest struct {
	Reason config.ExitReason
}

func (s StopRequest) Error() string {
	return "frameflow: stop requested (" + string(s.Reason) + ")"
}

// RequestStop builds the control signal for a clean or error exit.
func RequestStop(reason config.ExitReason) error {
	return StopRequest{Reason: reason}
}

// StopToken is the shared cooperative termination flag of one stage. The
// first Request wins; later requests keep the original reason. Its
// context cancels every blocking operation wired to the token.
type StopToken struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	reason     config.ExitReason
	propagated bool
	requested  bool
}

// NewStopToken derives a stage stop token from parent.
func NewStopToken(parent context.Context) *StopToken {
	ctx, cancel := context.WithCancel(parent)
	return &StopToken{ctx: ctx, cancel: cancel}
}

// Request sets the flag. It reports whether this call was the first, so
// the caller announces the exit exactly once. propagated marks a stop
// obeying a peer's announcement rather than a fresh local reason.
func (t *StopToken) Request(reason config.ExitReason, propagated bool) bool {
	t.mu.Lock()
	first := !t.requested
	if first {
		t.requested = true
		t.reason = reason
		t.propagated = propagated
	}
	t.mu.Unlock()

	if first {
		t.cancel()
	}
	return first
}

// Requested returns the resolved reason and whether a stop is pending.
func (t *StopToken) Requested() (config.ExitReason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.requested
}

// Propagated reports whether the stop obeys a peer announcement.
func (t *StopToken) Propagated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.propagated
}

// Context is cancelled as soon as a stop is requested.
func (t *StopToken) Context() context.Context { return t.ctx }

// Done mirrors Context().Done() for select loops.
func (t *StopToken) Done() <-chan struct{} { return t.ctx.Done() }

// defaultStageID derives "<FilterType>-<suffix>" for stages configured
// without an explicit id.
func defaultStageID(f Filter) string {
	t := reflect.TypeOf(f)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := "filter"
	if t != nil && t.Name() != "" {
		name = strings.ToLower(t.Name())
	}
	return fmt.Sprintf("%s-%s", name, ids.ShortSuffix(6))
}
