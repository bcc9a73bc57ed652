package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameflow/frameflow/transport"
)

func buildPair(t *testing.T, addr string) (transport.Connection, transport.Connection) {
	t.Helper()

	out, err := Build(context.Background(), transport.Endpoint{
		Scheme: transport.SchemeChannel, Addr: addr, Dir: transport.DirOutput,
	}, watermill.NopLogger{})
	require.NoError(t, err)

	in, err := Build(context.Background(), transport.Endpoint{
		Scheme: transport.SchemeChannel, Addr: addr, Dir: transport.DirInput,
	}, watermill.NopLogger{})
	require.NoError(t, err)

	return out, in
}

func TestRoundTrip(t *testing.T) {
	out, in := buildPair(t, "round-trip")
	defer out.Close()
	defer in.Close()

	ch, err := in.Subscriber.Subscribe(context.Background(), "stream")
	require.NoError(t, err)

	require.NoError(t, out.Publisher.Publish("stream", message.NewMessage("1", []byte("hello"))))

	select {
	case m := <-ch:
		assert.Equal(t, "hello", string(m.Payload))
		assert.Equal(t, "stream", m.Metadata.Get(transport.TopicMetadataKey))
		m.Ack()
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestSeparateAddressesAreIsolated(t *testing.T) {
	outA, inA := buildPair(t, "iso-a")
	outB, inB := buildPair(t, "iso-b")
	defer outA.Close()
	defer inA.Close()
	defer outB.Close()
	defer inB.Close()

	chB, err := inB.Subscriber.Subscribe(context.Background(), "stream")
	require.NoError(t, err)

	require.NoError(t, outA.Publisher.Publish("stream", message.NewMessage("1", []byte("a-only"))))

	select {
	case m := <-chB:
		t.Fatalf("message crossed addresses: %q", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRefCounting(t *testing.T) {
	out, in := buildPair(t, "refcount")

	hub.mu.Lock()
	_, alive := hub.entries["refcount"]
	hub.mu.Unlock()
	require.True(t, alive)

	require.NoError(t, out.Close())
	require.NoError(t, out.Close(), "Close is idempotent")

	hub.mu.Lock()
	_, alive = hub.entries["refcount"]
	hub.mu.Unlock()
	assert.True(t, alive, "entry stays while the input holds a ref")

	require.NoError(t, in.Close())

	hub.mu.Lock()
	_, alive = hub.entries["refcount"]
	hub.mu.Unlock()
	assert.False(t, alive, "entry released with the last ref")
}
