// Package transport defines the endpoint model and registry for frameflow
// transports. Each transport implementation lives in its own sub-package
// and registers itself by address scheme.
package transport

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
)

// TopicMetadataKey carries the wire topic on delivered messages.
const TopicMetadataKey = "frameflow_topic"

var (
	// ErrBusy means the transport cannot accept the message right now;
	// callers retry within their own timeout budget.
	ErrBusy = fferrors.Transientf("transport busy")
	// ErrClosed means the connection has been shut down.
	ErrClosed = fferrors.ErrClosed
)

// Permitted pipeline address schemes. Stage configuration rejects
// anything else eagerly; additional schemes (such as the in-memory
// channel transport) exist only for tests and single-process use.
const (
	SchemeTCP     = "tcp"
	SchemeIPC     = "ipc"
	SchemeChannel = "inproc"
)

// Direction selects which side of a connection an endpoint needs.
type Direction int

const (
	// DirOutput endpoints publish; they bind their address so that any
	// number of downstream stages can connect.
	DirOutput Direction = iota
	// DirInput endpoints subscribe; they connect to an upstream output.
	DirInput
)

// Endpoint is one parsed transport address plus the policy bits the
// transport needs at socket-creation time.
type Endpoint struct {
	Scheme string
	Addr   string // tcp: "host:port" or "*:port"; ipc: socket path
	Dir    Direction

	// Balance selects round-robin distribution (one receiver per batch)
	// instead of broadcast to every connected receiver.
	Balance bool
}

// URL reassembles the endpoint address for the underlying socket layer.
// A tcp wildcard host is rewritten so the bind side listens everywhere.
func (e Endpoint) URL() string {
	addr := e.Addr
	if e.Scheme == SchemeTCP && strings.HasPrefix(addr, "*:") {
		addr = "0.0.0.0" + addr[1:]
	}
	return e.Scheme + "://" + addr
}

// ParseAddr splits "scheme://rest" into an endpoint. It does not check
// that the scheme is registered; IsPipelineAddr does the eager
// pipeline-level validation.
func ParseAddr(addr string, dir Direction) (Endpoint, error) {
	scheme, rest, found := strings.Cut(addr, "://")
	if !found || scheme == "" || rest == "" {
		return Endpoint{}, fferrors.Configf("invalid transport address %q", addr)
	}
	return Endpoint{Scheme: scheme, Addr: rest, Dir: dir}, nil
}

// IsPipelineAddr reports whether addr uses one of the two permitted
// pipeline schemes (tcp:// or ipc://).
func IsPipelineAddr(addr string) bool {
	scheme, rest, found := strings.Cut(addr, "://")
	return found && rest != "" && (scheme == SchemeTCP || scheme == SchemeIPC)
}

// Connection is the transport side built for one endpoint: the Publisher
// for outputs, the Subscriber for inputs. The unused side is nil.
type Connection struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close shuts down whichever sides are present.
func (c Connection) Close() error {
	var err error
	if c.Publisher != nil {
		err = c.Publisher.Close()
	}
	if c.Subscriber != nil {
		if cerr := c.Subscriber.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Builder creates a connection for an endpoint.
type Builder func(ctx context.Context, ep Endpoint, logger watermill.LoggerAdapter) (Connection, error)
