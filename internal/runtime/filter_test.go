package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/frameflow/frameflow/internal/runtime/config"
	"github.com/frameflow/frameflow/internal/runtime/frame"
)

func TestOutputConstructors(t *testing.T) {
	if out := Produce(nil); out.kind != outputProduced || out.frames == nil || len(out.frames) != 0 {
		t.Errorf("Produce(nil) should carry an empty mapping: %+v", out)
	}

	f := frame.NewData(map[string]any{"k": "v"})
	out := ProduceFrame(f)
	if out.frames[config.DefaultTopic] != f {
		t.Errorf("ProduceFrame should key by the default topic: %+v", out.frames)
	}

	if out := Suppress(); out.kind != outputSuppressed {
		t.Errorf("Suppress kind = %v", out.kind)
	}

	d := Defer(func(context.Context) (map[string]*frame.Frame, error) { return nil, nil })
	if d.kind != outputDeferred || d.producer == nil {
		t.Errorf("Defer not tagged: %+v", d)
	}
}

func TestStopTokenFirstRequestWins(t *testing.T) {
	tok := NewStopToken(context.Background())

	if _, requested := tok.Requested(); requested {
		t.Fatal("fresh token should not be requested")
	}

	if !tok.Request(config.ReasonError, true) {
		t.Fatal("first request should report first")
	}
	if tok.Request(config.ReasonClean, false) {
		t.Fatal("second request should not report first")
	}

	reason, requested := tok.Requested()
	if !requested || reason != config.ReasonError || !tok.Propagated() {
		t.Fatalf("token lost the first request: %v %v %v", reason, requested, tok.Propagated())
	}

	select {
	case <-tok.Done():
	default:
		t.Fatal("context not cancelled after request")
	}
}

func TestStopTokenFollowsParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	tok := NewStopToken(parent)
	cancel()

	select {
	case <-tok.Done():
	default:
		t.Fatal("token must observe parent cancellation")
	}
	if _, requested := tok.Requested(); requested {
		t.Fatal("parent cancellation is not an explicit request")
	}
}

type edgeDetector struct{}

func (edgeDetector) Process(context.Context, map[string]*frame.Frame) (Output, error) {
	return Suppress(), nil
}

func TestDefaultStageID(t *testing.T) {
	id := defaultStageID(&edgeDetector{})
	if !strings.HasPrefix(id, "edgedetector-") {
		t.Errorf("id = %q", id)
	}
	if other := defaultStageID(&edgeDetector{}); other == id {
		t.Errorf("ids should be unique: %q", id)
	}
}
