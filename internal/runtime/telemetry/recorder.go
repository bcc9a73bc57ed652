package telemetry

import (
	"sync"

	"github.com/frameflow/frameflow/internal/runtime/logging"
)

// Sink receives derived per-batch metrics for one stage.
type Sink func(stageID string, metrics map[string]any)

// Recorder feeds per-batch metadata to a Sink from a single background
// consumer. Record never blocks the stage loop: when the queue is full
// the entry is dropped and counted instead.
type Recorder struct {
	stageID string
	sink    Sink
	logger  logging.ServiceLogger

	queue chan map[string]any

	mu      sync.Mutex
	dropped int
	closed  bool

	done chan struct{}
}

// NewRecorder starts the consumer. queueLen bounds in-flight entries;
// values below 1 get a small default.
func NewRecorder(stageID string, sink Sink, queueLen int, logger logging.ServiceLogger) *Recorder {
	if queueLen < 1 {
		queueLen = 16
	}
	if logger == nil {
		logger = logging.Nop()
	}

	r := &Recorder{
		stageID: stageID,
		sink:    sink,
		logger:  logger,
		queue:   make(chan map[string]any, queueLen),
		done:    make(chan struct{}),
	}
	go r.consume()
	return r
}

func (r *Recorder) consume() {
	defer close(r.done)
	for metrics := range r.queue {
		r.sink(r.stageID, metrics)
	}
}

// Record enqueues one metrics mapping, dropping it when the consumer is
// behind.
func (r *Recorder) Record(metrics map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- metrics:
	default:
		r.dropped++
		if r.dropped%100 == 1 {
			r.logger.Debug("metrics recorder behind, dropping entries", logging.LogFields{
				"stage":   r.stageID,
				"dropped": r.dropped,
			})
		}
	}
}

// Dropped reports how many entries were discarded so far.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close drains the queue and joins the consumer. Safe to call twice.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	<-r.done
}
