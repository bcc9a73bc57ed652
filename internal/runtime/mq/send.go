package mq

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
	"github.com/frameflow/frameflow/internal/runtime/frame"
	"github.com/frameflow/frameflow/internal/runtime/logging"
)

// exitAnnounceAttempts bounds how long SendExitAnnouncement retries a
// busy output; announcements are best-effort because the supervisor's
// process-exit observation backs them up.
const exitAnnounceAttempts = 8

// Send publishes frames as one batch to every output, retrying busy
// outputs every PollStep until timeout (0 means indefinitely; the stop
// context still unblocks it). It reports whether all required outputs
// accepted the batch; on budget exhaustion the batch is dropped, which
// is the configured degradation, not an error.
//
// An empty mapping is a legitimate batch and is delivered downstream as
// such.
func (q *Client) Send(frames map[string]*frame.Frame, timeout time.Duration) bool {
	if len(q.outputs) == 0 {
		return true
	}

	start := time.Now()
	batch := frame.NewBatch(q.id, frames)

	var full []byte // shared by outputs that forward every topic
	pending := make([]*output, 0, len(q.outputs))
	payloads := make(map[*output][]byte, len(q.outputs))
	var failed []string

	for _, o := range q.outputs {
		payload, err := q.outputPayload(batch, o, &full)
		if err != nil {
			q.logger.Error("marshal batch", err, logging.LogFields{"output": o.addr})
			if o.required {
				failed = append(failed, o.addr)
			}
			continue
		}
		payloads[o] = payload
		pending = append(pending, o)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}

	for len(pending) > 0 {
		next := pending[:0]
		for _, o := range pending {
			err := o.conn.Publisher.Publish(TopicFrames, message.NewMessage(batch.ID, payloads[o]))
			switch {
			case err == nil:
			case fferrors.IsTransient(err):
				next = append(next, o)
			default:
				q.logger.Error("send failed", err, logging.LogFields{"output": o.addr})
				if o.required {
					failed = append(failed, o.addr)
				}
			}
		}
		pending = next
		if len(pending) == 0 {
			break
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			for _, o := range pending {
				q.logger.Debug("send timed out, dropping batch", logging.LogFields{"output": o.addr})
				if o.required {
					failed = append(failed, o.addr)
				}
			}
			pending = nil
			break
		}

		select {
		case <-time.After(q.pollStep):
		case <-q.ctx.Done():
			for _, o := range pending {
				if o.required {
					failed = append(failed, o.addr)
				}
			}
			pending = nil
		}
	}

	if q.onMetrics != nil {
		q.onMetrics(Stats{
			BatchID:        batch.ID,
			Outputs:        len(q.outputs),
			Accepted:       len(q.outputs) - len(failed),
			RequiredFailed: failed,
			Elapsed:        time.Since(start),
		})
	}
	if len(failed) == 0 {
		q.logBatch("sent", frames)
	}
	return len(failed) == 0
}

// outputPayload marshals the batch for one output, filtering and
// renaming topics when the output carries a topic suffix. Outputs
// without a suffix share one full marshal.
func (q *Client) outputPayload(batch *frame.Batch, o *output, full *[]byte) ([]byte, error) {
	if o.mappings == nil {
		if *full == nil {
			payload, err := frame.MarshalBatch(batch, q.codec, q.compress)
			if err != nil {
				return nil, err
			}
			*full = payload
		}
		return *full, nil
	}

	filtered := &frame.Batch{ID: batch.ID, Sender: batch.Sender, Kind: batch.Kind,
		Frames: make(map[string]*frame.Frame, len(o.mappings))}
	for _, m := range o.mappings {
		if f, ok := batch.Frames[m.Source]; ok {
			filtered.Frames[m.Dest] = f
		}
	}
	return frame.MarshalBatch(filtered, q.codec, q.compress)
}

// SendExitAnnouncement publishes the in-band exit control message to
// every output. Best-effort: a few bounded retries per output, then give
// up and rely on the out-of-band process exit code.
func (q *Client) SendExitAnnouncement(reason string) {
	if len(q.outputs) == 0 {
		return
	}

	batch := frame.NewExitBatch(q.id, reason)
	payload, err := frame.MarshalBatch(batch, nil, false)
	if err != nil {
		q.logger.Error("marshal exit announcement", err, nil)
		return
	}

	for _, o := range q.outputs {
		var lastErr error
		for attempt := 0; attempt < exitAnnounceAttempts; attempt++ {
			lastErr = o.conn.Publisher.Publish(TopicControl, message.NewMessage(batch.ID, payload))
			if lastErr == nil || !fferrors.IsTransient(lastErr) {
				break
			}
			time.Sleep(q.pollStep)
		}
		if lastErr != nil && !errors.Is(lastErr, fferrors.ErrClosed) {
			q.logger.Error("exit announcement not delivered", lastErr, logging.LogFields{"output": o.addr})
		}
	}
	q.logger.Info("exit announced", logging.LogFields{"reason": reason})
}

// logBatch implements the mq_log verbosity levels for batch traffic.
func (q *Client) logBatch(verb string, frames map[string]*frame.Frame) {
	if q.mqLog.IsNone() {
		return
	}

	fields := logging.LogFields{"topics": len(frames)}
	for topic, f := range frames {
		if q.mqLog.WithImages() && f.HasImage() {
			fields[topic] = logging.LogFields{"data": f.Data, "format": f.Format}
			continue
		}
		fields[topic] = f.Data
	}
	q.logger.Info("batch "+verb, fields)
}
