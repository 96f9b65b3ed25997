package runner

import (
	"context"
	"errors"

	"github.com/termrun/termrun/wire"
)

// ErrTransportClosed is returned by client operations attempted while no
// transport is active. Operations are never queued or retried here;
// reconnection belongs to whatever supervises the transport, which should
// call Client.NotifyReady once the transport is back.
var ErrTransportClosed = errors.New("transport is not active")

// ExecuteStream is one duplex execute stream bound to a single remote
// program execution. At most one goroutine may call Send and one may call
// Recv concurrently.
type ExecuteStream interface {
	Send(ctx context.Context, req *wire.ExecuteRequest) error

	// Recv returns the next response message in arrival order. It returns
	// io.EOF when the peer finished the stream cleanly, and any other error
	// when the stream broke.
	Recv(ctx context.Context) (*wire.ExecuteResponse, error)

	// Close releases the stream. Safe to call more than once.
	Close() error
}

// Transport supplies execute streams and the environment session RPCs. It is
// the collaborator owning the underlying connection; this package never
// dials, retries, or reconnects it.
type Transport interface {
	OpenExecuteStream(ctx context.Context) (ExecuteStream, error)

	CreateSession(ctx context.Context, envs []string, metadata map[string]string) (string, error)
	GetSession(ctx context.Context, id string) ([]string, error)
	DeleteSession(ctx context.Context, id string) error

	// Ready reports whether the transport is currently usable.
	Ready() bool
}
