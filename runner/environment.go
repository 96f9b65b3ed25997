package runner

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Environment is a handle to a remote execution context (working directory
// plus environment variables) that any number of sessions may share. It holds
// no local state beyond the remote session id; every variable read or write
// round-trips to the server.
type Environment struct {
	log       *zap.SugaredLogger
	transport Transport
	id        string

	detach      func()
	disposeOnce sync.Once
}

// ID returns the remote session id.
func (e *Environment) ID() string {
	return e.id
}

// Dispose deletes the remote session. It is idempotent.
func (e *Environment) Dispose() error {
	var err error
	e.disposeOnce.Do(func() {
		if e.detach != nil {
			e.detach()
		}
		e.log.Debugw("deleting environment session", "ID", e.id)
		if derr := e.transport.DeleteSession(context.Background(), e.id); derr != nil {
			err = fmt.Errorf("deleting environment session %s: %w", e.id, derr)
		}
	})
	return err
}
