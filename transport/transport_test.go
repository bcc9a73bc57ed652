package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		addr    string
		scheme  string
		rest    string
		wantErr bool
	}{
		{addr: "tcp://host:5550", scheme: "tcp", rest: "host:5550"},
		{addr: "tcp://*:5550", scheme: "tcp", rest: "*:5550"},
		{addr: "ipc://my-pipe", scheme: "ipc", rest: "my-pipe"},
		{addr: "inproc://hub", scheme: "inproc", rest: "hub"},
		{addr: "no-scheme", wantErr: true},
		{addr: "tcp://", wantErr: true},
		{addr: "://rest", wantErr: true},
	}

	for _, tt := range tests {
		ep, err := ParseAddr(tt.addr, DirInput)
		if tt.wantErr {
			assert.Error(t, err, tt.addr)
			continue
		}
		require.NoError(t, err, tt.addr)
		assert.Equal(t, tt.scheme, ep.Scheme)
		assert.Equal(t, tt.rest, ep.Addr)
	}
}

func TestEndpointURLRewritesWildcard(t *testing.T) {
	ep := Endpoint{Scheme: SchemeTCP, Addr: "*:5550"}
	assert.Equal(t, "tcp://0.0.0.0:5550", ep.URL())

	ep = Endpoint{Scheme: SchemeIPC, Addr: "*:weird"}
	assert.Equal(t, "ipc://*:weird", ep.URL(), "only tcp gets the rewrite")
}

func TestIsPipelineAddr(t *testing.T) {
	assert.True(t, IsPipelineAddr("tcp://host:1"))
	assert.True(t, IsPipelineAddr("ipc://pipe"))
	assert.False(t, IsPipelineAddr("inproc://hub"))
	assert.False(t, IsPipelineAddr("nats://host"))
	assert.False(t, IsPipelineAddr("tcp://"))
	assert.False(t, IsPipelineAddr("plain-string"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Has("test"))

	var got Endpoint
	r.Register("test", func(_ context.Context, ep Endpoint, _ watermill.LoggerAdapter) (Connection, error) {
		got = ep
		return Connection{}, nil
	})

	assert.True(t, r.Has("test"))
	assert.Equal(t, []string{"test"}, r.Names())

	_, err := r.Build(context.Background(), Endpoint{Scheme: "test", Addr: "x"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "x", got.Addr)

	_, err = r.Build(context.Background(), Endpoint{Scheme: "missing"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "unknown transport scheme")
}
