package mq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/frameflow/frameflow/internal/runtime/config"
	"github.com/frameflow/frameflow/internal/runtime/frame"
	"github.com/frameflow/frameflow/transport"
	_ "github.com/frameflow/frameflow/transport/channel"
)

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	q, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func dataFrame(seq int) *frame.Frame {
	return frame.NewData(map[string]any{"seq": int64(seq)})
}

func seqOf(t *testing.T, f *frame.Frame) int64 {
	t.Helper()
	if f == nil {
		t.Fatal("nil frame")
	}
	seq, ok := f.Data["seq"].(int64)
	if !ok {
		t.Fatalf("frame data missing seq: %#v", f.Data)
	}
	return seq
}

func TestSendRecvRoundTrip(t *testing.T) {
	consumer := newClient(t, Options{ID: "b", Sources: []string{"inproc://round-trip"}})
	producer := newClient(t, Options{ID: "a", Outputs: []string{"inproc://round-trip"}})

	if !producer.Send(map[string]*frame.Frame{"main": dataFrame(1)}, time.Second) {
		t.Fatal("send reported failure")
	}

	frames, ok := consumer.Recv(time.Second)
	if !ok {
		t.Fatal("recv timed out")
	}
	if got := seqOf(t, frames["main"]); got != 1 {
		t.Fatalf("seq = %d, want 1", got)
	}
	if !frames["main"].ReadOnly() {
		t.Error("received frame should be read-only")
	}
}

func TestEmptyBatchIsDelivered(t *testing.T) {
	consumer := newClient(t, Options{ID: "b", Sources: []string{"inproc://empty-batch"}})
	producer := newClient(t, Options{ID: "a", Outputs: []string{"inproc://empty-batch"}})

	if !producer.Send(map[string]*frame.Frame{}, time.Second) {
		t.Fatal("send reported failure")
	}

	frames, ok := consumer.Recv(time.Second)
	if !ok {
		t.Fatal("empty batch must arrive as a present, zero-entry mapping")
	}
	if len(frames) != 0 {
		t.Fatalf("expected zero entries, got %d", len(frames))
	}
}

func TestRecvTimeoutThenResume(t *testing.T) {
	consumer := newClient(t, Options{ID: "b", Sources: []string{"inproc://resume"}})
	producer := newClient(t, Options{ID: "a", Outputs: []string{"inproc://resume"}})

	if _, ok := consumer.Recv(30 * time.Millisecond); ok {
		t.Fatal("recv should time out with no upstream data")
	}

	// Upstream producing after the timeout resumes delivery.
	if !producer.Send(map[string]*frame.Frame{"main": dataFrame(7)}, time.Second) {
		t.Fatal("send reported failure")
	}
	frames, ok := consumer.Recv(time.Second)
	if !ok {
		t.Fatal("recv should succeed once data arrives")
	}
	if got := seqOf(t, frames["main"]); got != 7 {
		t.Fatalf("seq = %d, want 7", got)
	}
}

func TestTopicMappingFiltersAndRenames(t *testing.T) {
	consumer := newClient(t, Options{ID: "b", Sources: []string{"inproc://mapped;a>b"}})
	producer := newClient(t, Options{ID: "a", Outputs: []string{"inproc://mapped"}})

	producer.Send(map[string]*frame.Frame{
		"a": dataFrame(1),
		"c": dataFrame(2),
	}, time.Second)

	frames, ok := consumer.Recv(time.Second)
	if !ok {
		t.Fatal("recv timed out")
	}
	if len(frames) != 1 {
		t.Fatalf("expected only the mapped topic, got %v", topicsOf(frames))
	}
	if got := seqOf(t, frames["b"]); got != 1 {
		t.Fatalf("renamed topic seq = %d, want 1", got)
	}
}

func TestOutputTopicSuffixFilters(t *testing.T) {
	consumer := newClient(t, Options{ID: "b", Sources: []string{"inproc://out-filtered;x"}})
	producer := newClient(t, Options{ID: "a", Outputs: []string{"inproc://out-filtered;main>x"}})

	producer.Send(map[string]*frame.Frame{
		"main":  dataFrame(1),
		"other": dataFrame(2),
	}, time.Second)

	frames, ok := consumer.Recv(time.Second)
	if !ok {
		t.Fatal("recv timed out")
	}
	if len(frames) != 1 || frames["x"] == nil {
		t.Fatalf("expected only topic x, got %v", topicsOf(frames))
	}
}

func TestExitAnnouncement(t *testing.T) {
	var mu sync.Mutex
	var gotSender, gotReason string

	consumer := newClient(t, Options{
		ID:      "b",
		Sources: []string{"inproc://exit-ann"},
		OnExit: func(sender, reason string) {
			mu.Lock()
			gotSender, gotReason = sender, reason
			mu.Unlock()
		},
	})
	producer := newClient(t, Options{ID: "a", Outputs: []string{"inproc://exit-ann"}})

	producer.SendExitAnnouncement(string(config.ReasonError))

	// The announcement marks the source done; Recv idles on timeout
	// instead of waiting for data that will never come.
	if _, ok := consumer.Recv(200 * time.Millisecond); ok {
		t.Fatal("recv should not assemble from an exited source")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSender != "a" || gotReason != string(config.ReasonError) {
		t.Fatalf("callback got (%q, %q)", gotSender, gotReason)
	}
}

func TestLowLatencyKeepsNewest(t *testing.T) {
	consumer := newClient(t, Options{ID: "b", Sources: []string{"inproc://low-lat!low_latency"}})
	producer := newClient(t, Options{ID: "a", Outputs: []string{"inproc://low-lat"}})

	for seq := 1; seq <= 3; seq++ {
		if !producer.Send(map[string]*frame.Frame{"main": dataFrame(seq)}, time.Second) {
			t.Fatalf("send %d failed", seq)
		}
	}
	time.Sleep(100 * time.Millisecond) // let all three arrive

	frames, ok := consumer.Recv(time.Second)
	if !ok {
		t.Fatal("recv timed out")
	}
	if got := seqOf(t, frames["main"]); got != 3 {
		t.Fatalf("low latency should keep the newest batch, got seq %d", got)
	}
}

func TestMultipleSourcesJoin(t *testing.T) {
	consumer := newClient(t, Options{ID: "c", Sources: []string{
		"inproc://join-a;main>left",
		"inproc://join-b;main>right",
	}})
	prodA := newClient(t, Options{ID: "a", Outputs: []string{"inproc://join-a"}})
	prodB := newClient(t, Options{ID: "b", Outputs: []string{"inproc://join-b"}})

	prodA.Send(map[string]*frame.Frame{"main": dataFrame(1)}, time.Second)

	// One of two sources delivered: not assembled yet.
	if _, ok := consumer.Recv(50 * time.Millisecond); ok {
		t.Fatal("recv must wait for every live source")
	}

	prodB.Send(map[string]*frame.Frame{"main": dataFrame(2)}, time.Second)

	frames, ok := consumer.Recv(time.Second)
	if !ok {
		t.Fatal("recv timed out with both sources delivered")
	}
	if seqOf(t, frames["left"]) != 1 || seqOf(t, frames["right"]) != 2 {
		t.Fatalf("join mismatch: %v", topicsOf(frames))
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"unknown source option", Options{Sources: []string{"inproc://x!bogus"}}},
		{"unknown output option", Options{Outputs: []string{"inproc://x!bogus"}}},
		{"duplicate dest across sources", Options{Sources: []string{"inproc://x1;a>t", "inproc://x2;b>t"}}},
		{"duplicate dest across outputs", Options{Outputs: []string{"inproc://y1;t", "inproc://y2;a>t"}}},
		{"bad address", Options{Sources: []string{"no-scheme-here"}}},
		{"unregistered scheme", Options{Sources: []string{"bogus://addr"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := New(context.Background(), tt.opts)
			if err == nil {
				q.Close()
				t.Fatal("expected a configuration error")
			}
		})
	}
}

// busyTransport always reports busy, standing in for a wedged peer.
func busyTransport(t *testing.T) *transport.Registry {
	t.Helper()
	r := transport.NewRegistry()
	r.Register("busy", func(_ context.Context, _ transport.Endpoint, _ watermill.LoggerAdapter) (transport.Connection, error) {
		return transport.Connection{Publisher: busyPublisher{}}, nil
	})
	return r
}

type busyPublisher struct{}

func (busyPublisher) Publish(string, ...*message.Message) error { return transport.ErrBusy }
func (busyPublisher) Close() error                              { return nil }

func TestSendDropsOnBudgetExhaustion(t *testing.T) {
	q := newClient(t, Options{
		ID:       "a",
		Outputs:  []string{"busy://peer"},
		Registry: busyTransport(t),
		PollStep: 5 * time.Millisecond,
	})

	start := time.Now()
	ok := q.Send(map[string]*frame.Frame{"main": dataFrame(1)}, 40*time.Millisecond)
	if ok {
		t.Fatal("send to a wedged required output must report failure")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("send did not respect its budget: %v", elapsed)
	}
}

func TestSendBestEffortOutput(t *testing.T) {
	var stats Stats
	q := newClient(t, Options{
		ID:        "a",
		Outputs:   []string{"busy://peer!no-required"},
		Registry:  busyTransport(t),
		PollStep:  5 * time.Millisecond,
		OnMetrics: func(s Stats) { stats = s },
	})

	if !q.Send(map[string]*frame.Frame{"main": dataFrame(1)}, 30*time.Millisecond) {
		t.Fatal("best-effort output must not fail the send")
	}
	if len(stats.RequiredFailed) != 0 || stats.Outputs != 1 {
		t.Fatalf("stats mismatch: %+v", stats)
	}
}

func TestRequiredSubset(t *testing.T) {
	// Only topic "keep" is required; the busy output carries "other" and
	// is therefore best-effort.
	q := newClient(t, Options{
		ID:              "a",
		Outputs:         []string{"busy://peer;other"},
		OutputsRequired: []string{"keep"},
		Registry:        busyTransport(t),
		PollStep:        5 * time.Millisecond,
	})

	if !q.Send(map[string]*frame.Frame{"other": dataFrame(1)}, 30*time.Millisecond) {
		t.Fatal("non-required output must not fail the send")
	}
}

func TestSendWithNoOutputs(t *testing.T) {
	q := newClient(t, Options{ID: "sink"})
	if !q.Send(map[string]*frame.Frame{"main": dataFrame(1)}, time.Second) {
		t.Fatal("a sink stage's send is trivially successful")
	}
}

func TestRecvWithNoSources(t *testing.T) {
	q := newClient(t, Options{ID: "source"})
	frames, ok := q.Recv(time.Second)
	if !ok || len(frames) != 0 {
		t.Fatalf("a producer stage assembles an empty mapping immediately: %v %v", frames, ok)
	}
}

func TestCloseUnblocksRecv(t *testing.T) {
	q := newClient(t, Options{ID: "b", Sources: []string{"inproc://close-unblock"}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := q.Recv(0); ok {
			t.Error("recv should report absent after close")
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock on close")
	}
}

func topicsOf(frames map[string]*frame.Frame) []string {
	out := make([]string, 0, len(frames))
	for topic := range frames {
		out = append(out, topic)
	}
	return out
}
