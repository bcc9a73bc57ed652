// Package zeromq provides the tcp:// and ipc:// transports on top of
// pure-Go ZeroMQ sockets. Broadcast outputs use PUB/SUB socket pairs;
// balanced outputs use PUSH/PULL, whose round-robin distribution between
// connected peers implements the balancing contract.
package zeromq

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-zeromq/zmq4"

	"github.com/frameflow/frameflow/transport"
)

// sendQueueLen bounds how many batches a publisher buffers while a peer
// is slow or absent. A full queue surfaces as transport.ErrBusy so the
// caller's timeout budget, not the socket, decides when to drop.
const sendQueueLen = 16

// subscribeBufLen is the per-subscription delivery buffer.
const subscribeBufLen = 64

// SocketFactory builds the underlying sockets; tests may override it.
var SocketFactory = func(ctx context.Context, ep transport.Endpoint) zmq4.Socket {
	switch {
	case ep.Dir == transport.DirOutput && ep.Balance:
		return zmq4.NewPush(ctx)
	case ep.Dir == transport.DirOutput:
		return zmq4.NewPub(ctx)
	case ep.Balance:
		return zmq4.NewPull(ctx)
	default:
		return zmq4.NewSub(ctx)
	}
}

func init() {
	transport.Register(transport.SchemeTCP, Build)
	transport.Register(transport.SchemeIPC, Build)
}

// Build creates a ZeroMQ-backed connection for the endpoint: outputs
// bind their address and expose a Publisher, inputs connect and expose a
// Subscriber.
func Build(ctx context.Context, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Connection, error) {
	sock := SocketFactory(ctx, ep)

	if ep.Dir == transport.DirOutput {
		if err := sock.Listen(ep.URL()); err != nil {
			return transport.Connection{}, err
		}
		return transport.Connection{Publisher: newPublisher(sock, logger)}, nil
	}

	if err := sock.Dial(ep.URL()); err != nil {
		return transport.Connection{}, err
	}
	return transport.Connection{Subscriber: newSubscriber(sock, logger)}, nil
}

type publisher struct {
	sock   zmq4.Socket
	logger watermill.LoggerAdapter

	queue chan zmq4.Msg
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newPublisher(sock zmq4.Socket, logger watermill.LoggerAdapter) *publisher {
	p := &publisher{
		sock:   sock,
		logger: logger,
		queue:  make(chan zmq4.Msg, sendQueueLen),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.pump()
	return p
}

// Publish enqueues messages for the socket pump. It never blocks: when
// the queue is full (a peer is stalled or absent) it returns
// transport.ErrBusy and the caller retries within its own budget.
func (p *publisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		m := zmq4.NewMsgFrom([]byte(topic), msg.Payload)
		select {
		case <-p.done:
			return transport.ErrClosed
		case p.queue <- m:
		default:
			return transport.ErrBusy
		}
	}
	return nil
}

func (p *publisher) pump() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case m := <-p.queue:
			if err := p.sock.Send(m); err != nil {
				select {
				case <-p.done:
					return
				default:
				}
				p.logger.Error("zeromq send failed", err, nil)
			}
		}
	}
}

func (p *publisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.sock.Close()
		p.wg.Wait()
	})
	return err
}

type subscription struct {
	topic string
	ch    chan *message.Message
}

type subscriber struct {
	sock   zmq4.Socket
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	subs    []*subscription
	started bool

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newSubscriber(sock zmq4.Socket, logger watermill.LoggerAdapter) *subscriber {
	return &subscriber{sock: sock, logger: logger, closing: make(chan struct{})}
}

// Subscribe registers interest in a wire topic; an empty topic matches
// everything. The receive loop starts on the first subscription.
func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.sock.Type() == zmq4.Sub {
		if err := s.sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			return nil, err
		}
	}

	entry := &subscription{topic: topic, ch: make(chan *message.Message, subscribeBufLen)}

	s.mu.Lock()
	s.subs = append(s.subs, entry)
	if !s.started {
		s.started = true
		s.wg.Add(1)
		go s.recvLoop()
	}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.remove(entry)
		case <-s.closing:
		}
	}()

	return entry.ch, nil
}

func (s *subscriber) recvLoop() {
	defer s.wg.Done()
	for {
		msg, err := s.sock.Recv()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.logger.Error("zeromq receive failed", err, nil)
			}
			return
		}
		if len(msg.Frames) < 2 {
			s.logger.Debug("dropping malformed zeromq message", watermill.LogFields{"frames": len(msg.Frames)})
			continue
		}

		topic := string(msg.Frames[0])
		m := message.NewMessage(watermill.NewUUID(), msg.Frames[1])
		m.Metadata.Set(transport.TopicMetadataKey, topic)

		s.mu.Lock()
		subs := make([]*subscription, len(s.subs))
		copy(subs, s.subs)
		s.mu.Unlock()

		for _, entry := range subs {
			if entry.topic != "" && entry.topic != topic {
				continue
			}
			select {
			case entry.ch <- m:
			case <-s.closing:
				return
			}
		}
	}
}

func (s *subscriber) remove(entry *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.subs {
		if e == entry {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(entry.ch)
			return
		}
	}
}

func (s *subscriber) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		err = s.sock.Close()
		s.wg.Wait()

		s.mu.Lock()
		for _, entry := range s.subs {
			close(entry.ch)
		}
		s.subs = nil
		s.mu.Unlock()
	})
	return err
}
