// Package mq implements the per-stage message queue client: a uniform
// timeout-bounded receive/send surface over any number of configured
// input and output bindings, plus the in-band control channel used for
// exit announcements.
package mq

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/spf13/cast"

	"github.com/frameflow/frameflow/internal/runtime/config"
	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
	"github.com/frameflow/frameflow/internal/runtime/frame"
	"github.com/frameflow/frameflow/internal/runtime/logging"
	"github.com/frameflow/frameflow/transport"
)

// Wire topics. Data batches and control announcements travel over the
// same connections but on separate topics, so a subscriber can tell them
// apart before unmarshaling.
const (
	TopicFrames  = "frames"
	TopicControl = "control"
)

const defaultPollStep = 10 * time.Millisecond

// Stats describes one completed send, for the optional metrics callback.
type Stats struct {
	BatchID        string
	Outputs        int
	Accepted       int
	RequiredFailed []string
	Elapsed        time.Duration
}

// Options configures a Client. Per-address '!' option suffixes override
// the direction-wide flags for that one address.
type Options struct {
	// ID is the owning stage's id, stamped on every outgoing batch.
	ID string

	Sources []string
	Outputs []string

	SourcesBalance    bool
	SourcesLowLatency bool
	OutputsBalance    bool

	// OutputsRequired names the destination topics whose outputs must
	// accept a batch for Send to report success. Empty means all outputs
	// are required.
	OutputsRequired []string

	// Compress encodes raw images through Codec before sending.
	Compress bool

	Codec frame.ImageCodec
	MQLog config.MQLogMode

	// PollStep bounds the internal retry sleep of Send and the exit
	// announcement; the stop context is checked at least this often.
	PollStep time.Duration

	Registry *transport.Registry
	Logger   logging.ServiceLogger

	// OnExit is invoked when a peer's exit announcement arrives.
	OnExit func(sender, reason string)
	// OnMetrics is invoked after every send when set.
	OnMetrics func(Stats)
}

type source struct {
	addr       string
	conn       transport.Connection
	mappings   []config.TopicMapping
	lowLatency bool

	// queue holds data batches awaiting assembly; done marks an upstream
	// that announced exit and will never produce again.
	queue []*frame.Batch
	done  bool
}

type output struct {
	addr     string
	conn     transport.Connection
	mappings []config.TopicMapping // nil forwards every topic
	required bool
}

// Client is one stage's message queue endpoint.
type Client struct {
	id       string
	logger   logging.ServiceLogger
	codec    frame.ImageCodec
	compress bool
	mqLog    config.MQLogMode
	pollStep time.Duration

	sources []*source
	outputs []*output

	inbox chan sourceMsg

	onExit    func(sender, reason string)
	onMetrics func(Stats)

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	pumps     sync.WaitGroup
}

type sourceMsg struct {
	idx   int
	batch *frame.Batch
}

// New parses the configured addresses, builds a connection per binding
// through the transport registry and starts the receive pumps.
func New(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	pollStep := opts.PollStep
	if pollStep <= 0 {
		pollStep = defaultPollStep
	}

	cctx, cancel := context.WithCancel(ctx)
	q := &Client{
		id:        opts.ID,
		logger:    logger.With(logging.LogFields{"stage": opts.ID}),
		codec:     opts.Codec,
		compress:  opts.Compress,
		mqLog:     opts.MQLog,
		pollStep:  pollStep,
		inbox:     make(chan sourceMsg, 64),
		onExit:    opts.OnExit,
		onMetrics: opts.OnMetrics,
		ctx:       cctx,
		cancel:    cancel,
	}

	if err := q.bindSources(opts, registry); err != nil {
		q.Close()
		return nil, err
	}
	if err := q.bindOutputs(opts, registry); err != nil {
		q.Close()
		return nil, err
	}

	return q, nil
}

func (q *Client) bindSources(opts Options, registry *transport.Registry) error {
	wmLogger := logging.NewWatermillAdapter(q.logger)
	dstSeen := make(map[string]string)

	type pumpStart struct {
		idx int
		ch  <-chan *message.Message
	}
	var starts []pumpStart

	for _, addr := range opts.Sources {
		base, options := config.ParseOptions(addr)
		base, mappings, err := config.ParseTopics(base, 0, true, "")
		if err != nil {
			return err
		}
		if mappings == nil {
			mappings = []config.TopicMapping{{Source: config.DefaultTopic, Dest: config.DefaultTopic}}
		}

		balance := opts.SourcesBalance
		lowLatency := opts.SourcesLowLatency
		for name, value := range options {
			switch name {
			case "balance":
				if balance, err = cast.ToBoolE(value); err != nil {
					return fferrors.Configf("source %q: balance: %v", config.RedactAddr(addr), err)
				}
			case "low_latency":
				if lowLatency, err = cast.ToBoolE(value); err != nil {
					return fferrors.Configf("source %q: low_latency: %v", config.RedactAddr(addr), err)
				}
			default:
				return fferrors.Configf("source %q: unknown option %q", config.RedactAddr(addr), name)
			}
		}

		for _, m := range mappings {
			if prev, dup := dstSeen[m.Dest]; dup {
				return fferrors.Configf("topic %q mapped by both %q and %q",
					m.Dest, config.RedactAddr(prev), config.RedactAddr(addr))
			}
			dstSeen[m.Dest] = addr
		}

		ep, err := transport.ParseAddr(base, transport.DirInput)
		if err != nil {
			return err
		}
		ep.Balance = balance

		conn, err := registry.Build(q.ctx, ep, wmLogger)
		if err != nil {
			return err
		}
		src := &source{addr: base, conn: conn, mappings: mappings, lowLatency: lowLatency}
		q.sources = append(q.sources, src)

		for _, topic := range []string{TopicFrames, TopicControl} {
			ch, err := conn.Subscriber.Subscribe(q.ctx, topic)
			if err != nil {
				return err
			}
			starts = append(starts, pumpStart{idx: len(q.sources) - 1, ch: ch})
		}
	}

	// Pumps start only once the source slice is final.
	for _, s := range starts {
		q.pumps.Add(1)
		go q.pump(s.idx, s.ch)
	}
	return nil
}

func (q *Client) bindOutputs(opts Options, registry *transport.Registry) error {
	wmLogger := logging.NewWatermillAdapter(q.logger)
	dstSeen := make(map[string]string)

	for _, addr := range opts.Outputs {
		base, options := config.ParseOptions(addr)
		base, mappings, err := config.ParseTopics(base, 0, true, "")
		if err != nil {
			return err
		}

		balance := opts.OutputsBalance
		required := true
		if len(opts.OutputsRequired) > 0 {
			required = outputListed(opts.OutputsRequired, mappings)
		}
		for name, value := range options {
			switch name {
			case "balance":
				if balance, err = cast.ToBoolE(value); err != nil {
					return fferrors.Configf("output %q: balance: %v", config.RedactAddr(addr), err)
				}
			case "required":
				if required, err = cast.ToBoolE(value); err != nil {
					return fferrors.Configf("output %q: required: %v", config.RedactAddr(addr), err)
				}
			default:
				return fferrors.Configf("output %q: unknown option %q", config.RedactAddr(addr), name)
			}
		}

		for _, m := range mappings {
			if prev, dup := dstSeen[m.Dest]; dup {
				return fferrors.Configf("topic %q published by both %q and %q",
					m.Dest, config.RedactAddr(prev), config.RedactAddr(addr))
			}
			dstSeen[m.Dest] = addr
		}

		ep, err := transport.ParseAddr(base, transport.DirOutput)
		if err != nil {
			return err
		}
		ep.Balance = balance

		conn, err := registry.Build(q.ctx, ep, wmLogger)
		if err != nil {
			return err
		}
		q.outputs = append(q.outputs, &output{addr: base, conn: conn, mappings: mappings, required: required})
	}
	return nil
}

// outputListed reports whether any of the output's topics appears in the
// required list. An output without a topic suffix publishes everything and
// counts as carrying the default topic.
func outputListed(required []string, mappings []config.TopicMapping) bool {
	topics := mappings
	if topics == nil {
		topics = []config.TopicMapping{{Source: config.DefaultTopic, Dest: config.DefaultTopic}}
	}
	for _, m := range topics {
		for _, want := range required {
			if m.Dest == want {
				return true
			}
		}
	}
	return false
}

// pump moves messages from one subscription into the shared inbox,
// unmarshaling and acking as they arrive. Malformed payloads are logged
// and dropped.
func (q *Client) pump(idx int, ch <-chan *message.Message) {
	defer q.pumps.Done()
	for m := range ch {
		b, err := frame.UnmarshalBatch(m.Payload, q.codec)
		m.Ack()
		if err != nil {
			q.logger.Error("dropping undecodable batch", err, logging.LogFields{"source": q.sources[idx].addr})
			continue
		}
		select {
		case q.inbox <- sourceMsg{idx: idx, batch: b}:
		case <-q.ctx.Done():
			return
		}
	}
}

// Close stops the pumps and closes every connection. Safe to call more
// than once.
func (q *Client) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.cancel()
		for _, s := range q.sources {
			if cerr := s.conn.Close(); err == nil {
				err = cerr
			}
		}
		for _, o := range q.outputs {
			if cerr := o.conn.Close(); err == nil {
				err = cerr
			}
		}
		q.pumps.Wait()
	})
	return err
}
