package mq

import (
	"time"

	"github.com/frameflow/frameflow/internal/runtime/frame"
	"github.com/frameflow/frameflow/internal/runtime/logging"
)

// Recv assembles the next frame mapping: one data batch from every live
// source, merged through each source's topic mappings. It blocks up to
// timeout (0 means indefinitely) and reports false when the budget ran
// out with an incomplete set; partial batches stay queued for the next
// call. A stage with no sources assembles an empty mapping immediately.
//
// Exit announcements never surface here: they fire the OnExit callback
// and mark their source as done, so a half-stopped pipeline keeps the
// remaining stages looping on whatever still produces.
func (q *Client) Recv(timeout time.Duration) (map[string]*frame.Frame, bool) {
	var timeC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeC = timer.C
	}

	for {
		// Absorb everything already delivered before assembling, so
		// low-latency sources can shed their stale backlog first.
		for drained := false; !drained; {
			select {
			case sm := <-q.inbox:
				q.store(sm)
			default:
				drained = true
			}
		}

		if frames, ok := q.assemble(); ok {
			q.logBatch("received", frames)
			return frames, true
		}

		select {
		case sm := <-q.inbox:
			q.store(sm)
		case <-timeC:
			return nil, false
		case <-q.ctx.Done():
			return nil, false
		}
	}
}

func (q *Client) store(sm sourceMsg) {
	src := q.sources[sm.idx]

	if sm.batch.IsExit() {
		src.done = true
		q.logger.Info("peer exit announcement", logging.LogFields{
			"sender": sm.batch.Sender,
			"reason": sm.batch.Reason,
			"source": src.addr,
		})
		if q.onExit != nil {
			q.onExit(sm.batch.Sender, sm.batch.Reason)
		}
		return
	}

	if src.lowLatency && len(src.queue) > 0 {
		q.logger.Trace("low latency: dropping stale batches", logging.LogFields{
			"source":  src.addr,
			"dropped": len(src.queue),
		})
		src.queue = src.queue[:0]
	}
	src.queue = append(src.queue, sm.batch)
}

// assemble pops one batch from every live source and merges the mapped
// topics. Sources whose upstream already exited are skipped; when every
// source is gone the stage idles on the timeout path instead.
func (q *Client) assemble() (map[string]*frame.Frame, bool) {
	live := 0
	for _, src := range q.sources {
		if src.done {
			continue
		}
		if len(src.queue) == 0 {
			return nil, false
		}
		live++
	}
	if live == 0 && len(q.sources) > 0 {
		return nil, false
	}

	out := make(map[string]*frame.Frame)
	for _, src := range q.sources {
		if src.done {
			continue
		}
		batch := src.queue[0]
		src.queue = src.queue[1:]
		for _, m := range src.mappings {
			if f, ok := batch.Frames[m.Source]; ok {
				out[m.Dest] = f
			}
		}
	}
	return out, true
}
