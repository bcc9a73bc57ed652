package zeromq

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
	"github.com/frameflow/frameflow/transport"
)

type fakeSocket struct {
	typ zmq4.SocketType

	sent     chan zmq4.Msg
	incoming chan zmq4.Msg
	closed   chan struct{}
	stalled  atomic.Bool

	mu        sync.Mutex
	listened  string
	dialed    string
	subTopics []string
	closeOnce sync.Once
}

func newFakeSocket(typ zmq4.SocketType) *fakeSocket {
	return &fakeSocket{
		typ:      typ,
		sent:     make(chan zmq4.Msg, 128),
		incoming: make(chan zmq4.Msg, 128),
		closed:   make(chan struct{}),
	}
}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) Send(msg zmq4.Msg) error {
	if f.stalled.Load() {
		<-f.closed
		return net.ErrClosed
	}
	select {
	case f.sent <- msg:
		return nil
	case <-f.closed:
		return net.ErrClosed
	}
}

func (f *fakeSocket) SendMulti(msg zmq4.Msg) error { return f.Send(msg) }

func (f *fakeSocket) Recv() (zmq4.Msg, error) {
	select {
	case m := <-f.incoming:
		return m, nil
	case <-f.closed:
		return zmq4.Msg{}, net.ErrClosed
	}
}

func (f *fakeSocket) Listen(ep string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listened = ep
	return nil
}

func (f *fakeSocket) Dial(ep string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = ep
	return nil
}

func (f *fakeSocket) Type() zmq4.SocketType { return f.typ }
func (f *fakeSocket) Addr() net.Addr        { return nil }

func (f *fakeSocket) GetOption(string) (interface{}, error) { return nil, nil }

func (f *fakeSocket) SetOption(name string, value interface{}) error {
	if name == zmq4.OptionSubscribe {
		f.mu.Lock()
		f.subTopics = append(f.subTopics, value.(string))
		f.mu.Unlock()
	}
	return nil
}

func withFakeSockets(t *testing.T) map[transport.Direction]*fakeSocket {
	t.Helper()

	sockets := make(map[transport.Direction]*fakeSocket)
	prev := SocketFactory
	SocketFactory = func(_ context.Context, ep transport.Endpoint) zmq4.Socket {
		var typ zmq4.SocketType
		switch {
		case ep.Dir == transport.DirOutput && ep.Balance:
			typ = zmq4.Push
		case ep.Dir == transport.DirOutput:
			typ = zmq4.Pub
		case ep.Balance:
			typ = zmq4.Pull
		default:
			typ = zmq4.Sub
		}
		s := newFakeSocket(typ)
		sockets[ep.Dir] = s
		return s
	}
	t.Cleanup(func() { SocketFactory = prev })
	return sockets
}

func TestBuildOutputBindsAndPublishes(t *testing.T) {
	sockets := withFakeSockets(t)

	ep := transport.Endpoint{Scheme: transport.SchemeTCP, Addr: "*:5550", Dir: transport.DirOutput}
	conn, err := Build(context.Background(), ep, watermill.NopLogger{})
	require.NoError(t, err)
	defer conn.Close()

	sock := sockets[transport.DirOutput]
	assert.Equal(t, zmq4.Pub, sock.Type())
	assert.Equal(t, "tcp://0.0.0.0:5550", sock.listened)

	require.NoError(t, conn.Publisher.Publish("stream", message.NewMessage("1", []byte("payload"))))

	select {
	case m := <-sock.sent:
		require.Len(t, m.Frames, 2)
		assert.Equal(t, "stream", string(m.Frames[0]))
		assert.Equal(t, "payload", string(m.Frames[1]))
	case <-time.After(time.Second):
		t.Fatal("pump never sent the message")
	}
}

func TestBuildBalancedOutputUsesPush(t *testing.T) {
	sockets := withFakeSockets(t)

	ep := transport.Endpoint{Scheme: transport.SchemeIPC, Addr: "pipe", Dir: transport.DirOutput, Balance: true}
	conn, err := Build(context.Background(), ep, watermill.NopLogger{})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, zmq4.Push, sockets[transport.DirOutput].Type())
	assert.Equal(t, "ipc://pipe", sockets[transport.DirOutput].listened)
}

func TestPublishBusyWhenPeerStalled(t *testing.T) {
	sockets := withFakeSockets(t)

	ep := transport.Endpoint{Scheme: transport.SchemeTCP, Addr: "*:5551", Dir: transport.DirOutput}
	conn, err := Build(context.Background(), ep, watermill.NopLogger{})
	require.NoError(t, err)
	defer conn.Close()

	// Stall the socket: Send blocks, so the pump wedges and the
	// publisher queue backs up.
	sockets[transport.DirOutput].stalled.Store(true)

	var busy error
	for i := 0; i < sendQueueLen+4; i++ {
		if err := conn.Publisher.Publish("stream", message.NewMessage("x", []byte("p"))); err != nil {
			busy = err
			break
		}
	}
	require.Error(t, busy)
	assert.ErrorIs(t, busy, transport.ErrBusy)
	assert.True(t, fferrors.IsTransient(busy))
}

func TestSubscriberDeliversAndFilters(t *testing.T) {
	sockets := withFakeSockets(t)

	ep := transport.Endpoint{Scheme: transport.SchemeTCP, Addr: "127.0.0.1:5552", Dir: transport.DirInput}
	conn, err := Build(context.Background(), ep, watermill.NopLogger{})
	require.NoError(t, err)
	defer conn.Close()

	sock := sockets[transport.DirInput]
	assert.Equal(t, zmq4.Sub, sock.Type())
	assert.Equal(t, "tcp://127.0.0.1:5552", sock.dialed)

	ch, err := conn.Subscriber.Subscribe(context.Background(), "stream")
	require.NoError(t, err)
	assert.Contains(t, sock.subTopics, "stream")

	sock.incoming <- zmq4.NewMsgFrom([]byte("other"), []byte("skip"))
	sock.incoming <- zmq4.NewMsgFrom([]byte("short")) // malformed, dropped
	sock.incoming <- zmq4.NewMsgFrom([]byte("stream"), []byte("keep"))

	select {
	case m := <-ch:
		assert.Equal(t, "keep", string(m.Payload))
		assert.Equal(t, "stream", m.Metadata.Get(transport.TopicMetadataKey))
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestSubscriberCloseClosesChannels(t *testing.T) {
	withFakeSockets(t)

	ep := transport.Endpoint{Scheme: transport.SchemeIPC, Addr: "pipe2", Dir: transport.DirInput}
	conn, err := Build(context.Background(), ep, watermill.NopLogger{})
	require.NoError(t, err)

	ch, err := conn.Subscriber.Subscribe(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	select {
	case _, open := <-ch:
		assert.False(t, open, "channel should be closed after Close")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}

	require.NoError(t, conn.Close(), "Close is idempotent")
}

func TestPublishAfterClose(t *testing.T) {
	withFakeSockets(t)

	ep := transport.Endpoint{Scheme: transport.SchemeTCP, Addr: "*:5553", Dir: transport.DirOutput}
	conn, err := Build(context.Background(), ep, watermill.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	err = conn.Publisher.Publish("stream", message.NewMessage("1", []byte("p")))
	assert.ErrorIs(t, err, transport.ErrClosed)
}
