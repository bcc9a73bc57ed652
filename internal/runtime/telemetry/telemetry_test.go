package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStageMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStageMetrics(reg)

	if err := m.Register(); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := m.Register(); err != nil {
		t.Fatalf("second register failed: %v", err)
	}

	m.RecordReceive("s1", 3)
	m.RecordSend("s1", true, 5*time.Millisecond)
	m.RecordSend("s1", false, time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families collected")
	}
}

func TestRecorderDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int

	r := NewRecorder("s1", func(stage string, m map[string]any) {
		if stage != "s1" {
			t.Errorf("stage = %q", stage)
		}
		mu.Lock()
		got = append(got, m["n"].(int))
		mu.Unlock()
	}, 8, nil)

	for i := 0; i < 5; i++ {
		r.Record(map[string]any{"n": i})
	}
	r.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("delivered %d entries, want 5", len(got))
	}
	for i, n := range got {
		if n != i {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	first := make(chan struct{})
	var once sync.Once

	r := NewRecorder("s1", func(string, map[string]any) {
		once.Do(func() { close(first) })
		<-block
	}, 1, nil)

	r.Record(map[string]any{}) // consumed, then blocks in the sink
	<-first
	r.Record(map[string]any{}) // fills the queue
	r.Record(map[string]any{}) // dropped

	if r.Dropped() == 0 {
		t.Fatal("expected drops once the queue is full")
	}

	close(block)
	r.Close()
}

func TestRecorderRecordAfterClose(t *testing.T) {
	r := NewRecorder("s1", func(string, map[string]any) {}, 4, nil)
	r.Close()
	r.Record(map[string]any{}) // must not panic
	r.Close()                  // idempotent
}

func TestHeartbeatTicksAndStops(t *testing.T) {
	var beats atomic.Int32
	h := StartHeartbeat(context.Background(), 10*time.Millisecond, func(uptime time.Duration) {
		if uptime <= 0 {
			t.Error("uptime should be positive")
		}
		beats.Add(1)
	})

	deadline := time.After(time.Second)
	for beats.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("heartbeat never ticked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	h.Stop()
	settled := beats.Load()
	time.Sleep(50 * time.Millisecond)
	if beats.Load() != settled {
		t.Fatal("heartbeat kept ticking after Stop")
	}
}
