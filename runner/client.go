// Package runner turns a duplex streaming execute transport into
// process-like session objects. A Client creates Environments and
// ProgramSessions over one shared transport; sessions multiplex their I/O
// across any number of registered terminal windows.
//
// This layer never retries or reconnects: a broken transport fails the
// affected operation or session, and recovery is the job of whatever
// supervises the transport.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/termrun/termrun/runner/events"
	"github.com/termrun/termrun/wire"
	"go.uber.org/zap"
)

type disposable interface {
	Dispose() error
}

// Client is the supervisor object: it owns the transport, creates child
// Environments and ProgramSessions, and cascades disposal to whatever
// children are still alive.
type Client struct {
	log       *zap.SugaredLogger
	transport Transport

	mu       sync.Mutex
	nextID   int
	children map[int]disposable

	onReady *events.Emitter[struct{}]
}

type ClientOption func(c *Client)

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.log = l.Named("runner").Sugar()
	}
}

func New(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		log:       zap.NewNop().Sugar(),
		transport: transport,
		children:  map[int]disposable{},
		onReady:   events.NewEmitter[struct{}](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnReady notifies when the transport (re)connects. The transport supervisor
// drives this through NotifyReady.
func (c *Client) OnReady(fn func()) events.Subscription {
	return c.onReady.Subscribe(func(struct{}) { fn() })
}

// NotifyReady re-fires the ready signal. Called by the transport supervisor
// once the transport is usable again.
func (c *Client) NotifyReady() {
	c.onReady.Emit(struct{}{})
}

// track registers a child for cascade disposal and returns its detach
// function. Children that dispose themselves detach so the cascade skips
// them.
func (c *Client) track(d disposable) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.children[id] = d
	return func() {
		c.mu.Lock()
		delete(c.children, id)
		c.mu.Unlock()
	}
}

// CreateEnvironment creates a remote execution context that sessions can
// share.
func (c *Client) CreateEnvironment(ctx context.Context, envs []string, metadata map[string]string) (*Environment, error) {
	if !c.transport.Ready() {
		return nil, ErrTransportClosed
	}
	id, err := c.transport.CreateSession(ctx, envs, metadata)
	if err != nil {
		return nil, fmt.Errorf("creating environment session: %w", err)
	}
	c.log.Debugw("created environment", "ID", id)
	env := &Environment{
		log:       c.log.Named("environment"),
		transport: c.transport,
		id:        id,
	}
	env.detach = c.track(env)
	return env, nil
}

// CreateProgramSession opens an execute stream and wraps it in a cold
// ProgramSession. No request is sent until the session starts through Run or
// the window barrier.
func (c *Client) CreateProgramSession(ctx context.Context, opts SessionOptions) (*ProgramSession, error) {
	if !c.transport.Ready() {
		return nil, ErrTransportClosed
	}
	stream, err := c.transport.OpenExecuteStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening execute stream: %w", err)
	}
	sess := newProgramSession(c.log, stream, opts)
	sess.detach = c.track(sess)
	return sess, nil
}

// GetEnvironmentVariables reads the environment's variables. Entries are
// split on the first '=' only; an entry with no value maps to the empty
// string.
func (c *Client) GetEnvironmentVariables(ctx context.Context, env *Environment) (map[string]string, error) {
	if !c.transport.Ready() {
		return nil, ErrTransportClosed
	}
	envs, err := c.transport.GetSession(ctx, env.ID())
	if err != nil {
		return nil, fmt.Errorf("getting environment session %s: %w", env.ID(), err)
	}
	return wire.ParseEnv(envs), nil
}

// SetEnvironmentVariables mutates the environment by running export commands
// in a short-lived non-tty session bound to it, and reports whether that
// session exited with code 0. Keys are exported in sorted order. Concurrent
// calls race last-writer-wins; callers serialize if they care.
func (c *Client) SetEnvironmentVariables(ctx context.Context, env *Environment, vars map[string]string) (bool, error) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	commands := make([]string, 0, len(keys))
	for _, k := range keys {
		commands = append(commands, fmt.Sprintf("export %s=%s", k, vars[k]))
	}

	sess, err := c.CreateProgramSession(ctx, SessionOptions{
		ProgramName: "bash",
		Exec:        ExecCommands(commands),
		Environment: env,
	})
	if err != nil {
		return false, err
	}
	defer func() {
		if err := sess.Dispose(); err != nil {
			c.log.Debugf("disposing env mutation session: %s", err)
		}
	}()
	if err := sess.Run(ctx); err != nil {
		return false, err
	}
	reason, err := sess.Wait(ctx)
	if err != nil {
		return false, err
	}
	return reason.Kind == ExitKindExit && reason.Code == 0, nil
}

// Dispose tears down all live children, best effort: child failures are
// logged and skipped, and children that already disposed themselves are no
// longer tracked.
func (c *Client) Dispose() error {
	c.mu.Lock()
	children := make([]disposable, 0, len(c.children))
	for _, d := range c.children {
		children = append(children, d)
	}
	c.children = map[int]disposable{}
	c.mu.Unlock()

	c.log.Debugf("disposing %d children", len(children))
	for _, d := range children {
		if err := d.Dispose(); err != nil {
			c.log.Debugf("disposing child: %s", err)
		}
	}
	return nil
}
