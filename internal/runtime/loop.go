package runtime

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/frameflow/frameflow/internal/runtime/config"
	"github.com/frameflow/frameflow/internal/runtime/dlcache"
	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
	"github.com/frameflow/frameflow/internal/runtime/frame"
	"github.com/frameflow/frameflow/internal/runtime/logging"
	"github.com/frameflow/frameflow/internal/runtime/mq"
	"github.com/frameflow/frameflow/internal/runtime/telemetry"
	"github.com/frameflow/frameflow/transport"
)

// RunOptions carries the runtime collaborators of one stage. Zero value
// works: default settings, no logging, no metrics sink, no image codec.
type RunOptions struct {
	Settings Settings
	Logger   logging.ServiceLogger

	// MetricsSink receives per-batch delivery statistics through the
	// bounded recorder.
	MetricsSink telemetry.Sink

	// Codec decodes received images and encodes outgoing ones when the
	// stage is configured to compress.
	Codec frame.ImageCodec

	// Registry overrides the transport registry, mainly for tests.
	Registry *transport.Registry
}

// stage bundles the loop state of one running filter.
type stage struct {
	filter   Filter
	cfg      config.FilterConfig
	settings Settings
	logger   logging.ServiceLogger
	q        *mq.Client
	stop     *StopToken
	tracer   trace.Tracer
	metrics  *telemetry.StageMetrics

	deadline    time.Time
	hasDeadline bool
}

// Run drives one filter through its full lifecycle: normalize and
// validate configuration, wire the mq client, Setup, loop, announce the
// exit and Shutdown. It returns nil for a clean exit and an error for
// any error exit, including one obeyed from a peer.
func Run(ctx context.Context, f Filter, cfg config.FilterConfig, opts RunOptions) error {
	if f == nil {
		return fferrors.ErrFilterRequired
	}

	settings := opts.Settings
	if settings.PollTimeout <= 0 {
		settings = DefaultSettings()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	if cn, ok := f.(ConfigNormalizer); ok {
		var err error
		if cfg, err = cn.NormalizeConfig(cfg); err != nil {
			return fferrors.NewConfigError(err)
		}
	}
	cfg, err := config.Normalize(cfg)
	if err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = defaultStageID(f)
	}
	logger = logger.With(logging.LogFields{"stage": cfg.ID, "pipeline": cfg.PipelineID})

	if err := validateAddrs("source", cfg.Sources); err != nil {
		return err
	}
	if err := validateAddrs("output", cfg.Outputs); err != nil {
		return err
	}

	info := ReadBuildInfo("")
	logger.Info("stage starting", logging.LogFields{
		"version": info.Version,
		"commit":  info.Commit,
		"config":  cfg.String(),
	})

	stop := NewStopToken(ctx)
	defer stop.Request(config.ReasonClean, false)

	if settings.AutoDownload {
		cache := dlcache.New("", logger)
		if cfg.ExtraMetrics != nil {
			if err := cache.ResolveValues(stop.Context(), cfg.ExtraMetrics); err != nil {
				return err
			}
		}
		if rc, ok := f.(RemoteConfigurer); ok {
			if err := rc.ResolveRemote(stop.Context(), cache.Resolve); err != nil {
				return err
			}
		}
	}

	announce := settings.AnnounceExit
	if cfg.AnnouncePolicy != nil {
		announce = *cfg.AnnouncePolicy
	}
	obey := settings.ObeyExit
	if cfg.ObeyPolicy != nil {
		obey = *cfg.ObeyPolicy
	}

	var metrics *telemetry.StageMetrics
	if cfg.MetricsPort > 0 || cfg.OutputsMetrics {
		metrics = telemetry.NewStageMetrics(nil)
		if err := metrics.Register(); err != nil {
			return err
		}
	}
	if cfg.MetricsPort > 0 {
		telemetry.ServeMetrics(stop.Context(), cfg.MetricsPort, logger)
	}

	var recorder *telemetry.Recorder
	if opts.MetricsSink != nil {
		recorder = telemetry.NewRecorder(cfg.ID, opts.MetricsSink, 32, logger)
		defer recorder.Close()
	}

	st := &stage{
		filter:   f,
		cfg:      cfg,
		settings: settings,
		logger:   logger,
		stop:     stop,
		tracer:   otel.Tracer("frameflow/stage"),
		metrics:  metrics,
	}
	st.deadline, st.hasDeadline = cfg.Deadline(time.Now())

	q, err := mq.New(stop.Context(), mq.Options{
		ID:                cfg.ID,
		Sources:           cfg.Sources,
		Outputs:           cfg.Outputs,
		SourcesBalance:    cfg.SourcesBalance,
		SourcesLowLatency: cfg.SourcesLowLatency != nil && *cfg.SourcesLowLatency,
		OutputsBalance:    cfg.OutputsBalance,
		OutputsRequired:   cfg.OutputsRequired,
		Compress:          cfg.OutputsCompressed,
		Codec:             opts.Codec,
		MQLog:             cfg.MQLog,
		PollStep:          settings.PollTimeout,
		Registry:          opts.Registry,
		Logger:            logger,
		OnExit: func(sender, reason string) {
			r := config.ExitReason(reason)
			if !obey.Matches(r) {
				return
			}
			if stop.Request(r, true) {
				logger.Info("obeying peer exit", logging.LogFields{"sender": sender, "reason": reason})
			}
		},
		OnMetrics: func(s mq.Stats) {
			if metrics != nil {
				metrics.RecordSend(cfg.ID, len(s.RequiredFailed) == 0, s.Elapsed)
			}
			if recorder != nil {
				recorder.Record(map[string]any{
					"batch_id":        s.BatchID,
					"outputs":         s.Outputs,
					"accepted":        s.Accepted,
					"required_failed": len(s.RequiredFailed),
					"elapsed_ms":      s.Elapsed.Milliseconds(),
				})
			}
		},
	})
	if err != nil {
		return err
	}
	st.q = q
	defer q.Close()

	var heartbeat *telemetry.Heartbeat
	if cfg.MetricsInterval > 0 {
		heartbeat = telemetry.StartHeartbeat(stop.Context(), cfg.MetricsInterval, func(uptime time.Duration) {
			logger.Debug("heartbeat", logging.LogFields{"uptime": uptime.String()})
		})
	}

	var fatal error
	if s, ok := f.(Setupper); ok {
		if err := s.Setup(stop.Context(), cfg); err != nil {
			fatal = st.classifyTerminal(err)
		}
	}
	if fatal == nil {
		fatal = st.runLoop()
	}

	reason, requested := stop.Requested()
	if !requested {
		reason = config.ReasonClean
	}

	if heartbeat != nil {
		heartbeat.Stop()
	}

	if announce.Matches(reason) {
		q.SendExitAnnouncement(string(reason))
	}

	if sd, ok := f.(Shutdowner); ok {
		if err := sd.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown failed", err, nil)
		}
	}

	logger.Info("stage stopped", logging.LogFields{"reason": string(reason), "propagated": stop.Propagated()})

	if fatal != nil {
		return fatal
	}
	if reason == config.ReasonError {
		return fferrors.PropagatedExit{Reason: string(reason)}
	}
	return nil
}

// classifyTerminal records a terminal lifecycle error on the stop token
// and returns what Run should report. StopRequest control signals are
// not failures.
func (st *stage) classifyTerminal(err error) error {
	var sr StopRequest
	if errors.As(err, &sr) {
		st.stop.Request(sr.Reason, false)
		if sr.Reason == config.ReasonError {
			return sr
		}
		return nil
	}
	st.stop.Request(config.ReasonError, false)
	return err
}

// runLoop repeats receive -> transform -> send -> deadline check until a
// stop is requested. It returns the fatal error, if any.
func (st *stage) runLoop() error {
	for {
		if _, stopped := st.stop.Requested(); stopped {
			return nil
		}
		select {
		case <-st.stop.Done():
			// Parent context cancelled without an explicit request.
			st.stop.Request(config.ReasonClean, false)
			return nil
		default:
		}

		frames, ok := st.receive()
		if !ok {
			continue
		}

		out, err := st.process(frames)
		if err != nil {
			if st.tolerate(err) {
				continue
			}
			return st.classifyTerminal(err)
		}

		toSend, err := st.resolveOutput(out)
		if err != nil {
			if st.tolerate(err) {
				continue
			}
			return st.classifyTerminal(err)
		}
		if toSend != nil {
			if !st.q.Send(toSend, st.cfg.OutputsTimeout) {
				st.logger.Debug("batch dropped after send budget", logging.LogFields{"topics": len(toSend)})
			}
		}

		if st.hasDeadline && !time.Now().Before(st.deadline) {
			st.logger.Info("scheduled exit reached", nil)
			st.stop.Request(config.ReasonClean, false)
			return nil
		}
	}
}

// tolerate reports whether err is benign for this stage: transient
// errors always are, everything else only with ContinueOnError.
func (st *stage) tolerate(err error) bool {
	var sr StopRequest
	if errors.As(err, &sr) {
		return false
	}
	if fferrors.IsTransient(err) {
		st.logger.Debug("transient error, continuing", logging.LogFields{"error": err.Error()})
		return true
	}
	if st.settings.ContinueOnError {
		st.logger.Error("transform failed, continuing", err, nil)
		return true
	}
	return false
}

// receive collects the next frame mapping in poll-quantum steps so the
// stop token is observed promptly. Exhausting a finite source budget
// substitutes an empty mapping: upstream having nothing is idleness, not
// failure.
func (st *stage) receive() (map[string]*frame.Frame, bool) {
	budget := st.cfg.SourcesTimeout
	var elapsed time.Duration

	for {
		if _, stopped := st.stop.Requested(); stopped {
			return nil, false
		}
		if st.stop.Context().Err() != nil {
			return nil, false
		}

		step := st.settings.PollTimeout
		if budget > 0 {
			remaining := budget - elapsed
			if remaining <= 0 {
				return map[string]*frame.Frame{}, true
			}
			if step > remaining {
				step = remaining
			}
		}

		start := time.Now()
		frames, ok := st.q.Recv(step)
		if ok {
			if st.metrics != nil {
				st.metrics.RecordReceive(st.cfg.ID, len(frames))
			}
			return frames, true
		}
		elapsed += time.Since(start)
	}
}

// process invokes the transform inside a tracing span.
func (st *stage) process(frames map[string]*frame.Frame) (Output, error) {
	ctx, span := st.tracer.Start(st.stop.Context(), "stage.process",
		trace.WithAttributes(
			attribute.String("stage.id", st.cfg.ID),
			attribute.Int("frames.in", len(frames)),
		))
	defer span.End()

	out, err := st.filter.Process(ctx, frames)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

// resolveOutput turns the transform result into the mapping to send, or
// nil when nothing goes downstream this iteration. A deferred producer
// is invoked here, once, during the send phase.
func (st *stage) resolveOutput(out Output) (map[string]*frame.Frame, error) {
	switch out.kind {
	case outputSuppressed:
		return nil, nil
	case outputDeferred:
		if out.producer == nil {
			return nil, nil
		}
		return out.producer(st.stop.Context())
	default:
		return out.frames, nil
	}
}

// Permitted transport schemes for stage addresses: the two pipeline
// schemes plus the in-process channel used by single-process pipelines
// and tests.
func validateAddrs(kind string, addrs []string) error {
	for _, addr := range addrs {
		base, _ := config.ParseOptions(addr)
		base, _, err := config.ParseTopics(base, 0, true, "")
		if err != nil {
			return err
		}
		ep, err := transport.ParseAddr(base, transport.DirInput)
		if err != nil {
			return err
		}
		switch ep.Scheme {
		case transport.SchemeTCP, transport.SchemeIPC, transport.SchemeChannel:
		default:
			return fferrors.Configf("%s %q: scheme %q is not a pipeline transport (use tcp:// or ipc://)",
				kind, config.RedactAddr(addr), ep.Scheme)
		}
	}
	return nil
}
