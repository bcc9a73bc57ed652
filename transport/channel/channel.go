// Package channel provides the in-process inproc:// transport backed by
// watermill's gochannel pub/sub. Both ends of an address share one hub
// entry, so a single-process pipeline (or a test) wires up without any
// sockets. Unlike the socket transports, delivery is always broadcast;
// balanced endpoints behave like broadcast ones here.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/frameflow/frameflow/transport"
)

func init() {
	transport.Register(transport.SchemeChannel, Build)
}

type entry struct {
	name string
	refs int
	ch   *gochannel.GoChannel
}

var hub = struct {
	mu      sync.Mutex
	entries map[string]*entry
}{entries: make(map[string]*entry)}

func acquire(name string, logger watermill.LoggerAdapter) *entry {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	e, ok := hub.entries[name]
	if !ok {
		e = &entry{
			name: name,
			ch: gochannel.NewGoChannel(gochannel.Config{
				OutputChannelBuffer: 64,
			}, logger),
		}
		hub.entries[name] = e
	}
	e.refs++
	return e
}

func release(e *entry) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(hub.entries, e.name)
	return e.ch.Close()
}

// Build attaches a connection to the shared hub entry for the address.
func Build(_ context.Context, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Connection, error) {
	e := acquire(ep.Addr, logger)
	if ep.Dir == transport.DirOutput {
		return transport.Connection{Publisher: &publisher{entry: e}}, nil
	}
	return transport.Connection{Subscriber: &subscriber{entry: e}}, nil
}

type publisher struct {
	entry *entry
	once  sync.Once
}

func (p *publisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		msg.Metadata.Set(transport.TopicMetadataKey, topic)
	}
	return p.entry.ch.Publish(topic, messages...)
}

func (p *publisher) Close() error {
	var err error
	p.once.Do(func() { err = release(p.entry) })
	return err
}

type subscriber struct {
	entry *entry
	once  sync.Once
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.entry.ch.Subscribe(ctx, topic)
}

func (s *subscriber) Close() error {
	var err error
	s.once.Do(func() { err = release(s.entry) })
	return err
}
