// Package telemetry carries the stage-side observability workers: the
// Prometheus collectors with their exposition endpoint, the bounded
// metadata recorder and the liveness heartbeat.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frameflow/frameflow/internal/runtime/logging"
)

// StageMetrics tracks batch traffic for one stage.
type StageMetrics struct {
	batchesReceived *prometheus.CounterVec
	batchesSent     *prometheus.CounterVec
	batchesDropped  *prometheus.CounterVec
	framesMoved     *prometheus.CounterVec
	sendSeconds     *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newStageCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frameflow",
			Subsystem: "stage",
			Name:      name,
			Help:      help,
		},
		[]string{"stage"},
	)
}

// NewStageMetrics creates the stage collectors. A nil registerer uses the
// Prometheus default.
func NewStageMetrics(registerer prometheus.Registerer) *StageMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &StageMetrics{
		registerer:      registerer,
		batchesReceived: newStageCounterVec("batches_received_total", "Total batches assembled from upstream sources"),
		batchesSent:     newStageCounterVec("batches_sent_total", "Total batches accepted by all required outputs"),
		batchesDropped:  newStageCounterVec("batches_dropped_total", "Total batches dropped after the send budget ran out"),
		framesMoved:     newStageCounterVec("frames_total", "Total frames moved through the stage"),
		sendSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "frameflow",
				Subsystem: "stage",
				Name:      "send_seconds",
				Help:      "Time spent delivering one batch to all outputs",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"stage"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *StageMetrics) Register() error {
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.batchesReceived,
		m.batchesSent,
		m.batchesDropped,
		m.framesMoved,
		m.sendSeconds,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordReceive counts one assembled batch and its frames.
func (m *StageMetrics) RecordReceive(stage string, frames int) {
	m.batchesReceived.WithLabelValues(stage).Inc()
	m.framesMoved.WithLabelValues(stage).Add(float64(frames))
}

// RecordSend counts one completed send attempt.
func (m *StageMetrics) RecordSend(stage string, ok bool, elapsed time.Duration) {
	if ok {
		m.batchesSent.WithLabelValues(stage).Inc()
	} else {
		m.batchesDropped.WithLabelValues(stage).Inc()
	}
	m.sendSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ServeMetrics exposes the Prometheus endpoint on the given port until
// ctx is cancelled. It returns immediately; the server runs in the
// background and shuts down gracefully.
func ServeMetrics(ctx context.Context, port int, logger logging.ServiceLogger) {
	if logger == nil {
		logger = logging.Nop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		logger.Info("metrics endpoint listening", logging.LogFields{"port": port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics endpoint failed", err, logging.LogFields{"port": port})
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
