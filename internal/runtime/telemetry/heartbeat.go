package telemetry

import (
	"context"
	"sync"
	"time"
)

// Heartbeat invokes beat on a fixed interval until its context is
// cancelled, carrying the stage uptime. The first beat fires after one
// full interval.
type Heartbeat struct {
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// StartHeartbeat begins the periodic beat. beat runs on the heartbeat
// goroutine and must not block for long.
func StartHeartbeat(ctx context.Context, interval time.Duration, beat func(uptime time.Duration)) *Heartbeat {
	hctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{stop: cancel}
	start := time.Now()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				beat(time.Since(start))
			}
		}
	}()
	return h
}

// Stop cancels the heartbeat and waits for the goroutine to finish.
func (h *Heartbeat) Stop() {
	h.stop()
	h.wg.Wait()
}
