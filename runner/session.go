package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/termrun/termrun/runner/events"
	"github.com/termrun/termrun/wire"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyStarted is returned when an operation requires a session that
	// has not sent its initial execute request yet.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrSessionExited is returned when an operation requires a session that
	// has not reached its terminal state yet.
	ErrSessionExited = errors.New("session already exited")

	// ErrUnknownWindow is returned when a window name was never registered.
	ErrUnknownWindow = errors.New("unknown terminal window")
)

// PidState distinguishes the three pid situations a consumer can observe.
type PidState int

const (
	// PidStatePending means the pid is not known yet but will be reported.
	PidStatePending PidState = iota
	// PidStateKnown means Pid carries the real process id.
	PidStateKnown
	// PidStateNotApplicable means no pid will ever be reported; background
	// sessions are in this state from the start.
	PidStateNotApplicable
)

// PidNotice is a pid notification. Foreground sessions emit a Pending notice
// as soon as they start and a Known notice once the server reports the pid.
type PidNotice struct {
	State PidState
	Pid   int
}

type terminalWindow struct {
	name   string
	dims   *wire.Winsize
	opened bool
}

// ProgramSession is a client-side handle to one remote program execution
// bound to one execute stream. It multiplexes the program's I/O across any
// number of registered terminal windows and tracks the process lifecycle:
// Created -> Running -> Exited, with an orthogonal idempotent Disposed flag.
//
// All incoming stream messages are dispatched by a single goroutine in
// arrival order; the exit code is always the last signal consumed.
type ProgramSession struct {
	log    *zap.SugaredLogger
	opts   SessionOptions
	stream ExecuteStream

	mu           sync.Mutex
	windows      map[string]*terminalWindow
	activeWindow string
	initialized  bool
	exitReason   *ExitReason
	disposed     bool
	pidReported  bool

	exited chan struct{}

	onInternalErr *events.Emitter[error]
	onDidWrite    *events.Emitter[[]byte]
	onDidErr      *events.Emitter[[]byte]
	onStdoutRaw   *events.Emitter[[]byte]
	onStderrRaw   *events.Emitter[[]byte]
	onDidClose    *events.Emitter[int]
	onPid         *events.Emitter[PidNotice]
	pid           *events.Future[int]

	// detach removes the session from its parent client's child tracking.
	detach func()

	closeStreamOnce sync.Once
}

func newProgramSession(log *zap.SugaredLogger, stream ExecuteStream, opts SessionOptions) *ProgramSession {
	return &ProgramSession{
		log:           log.Named("program_session"),
		opts:          opts,
		stream:        stream,
		windows:       map[string]*terminalWindow{},
		exited:        make(chan struct{}),
		onInternalErr: events.NewEmitter[error](),
		onDidWrite:    events.NewEmitter[[]byte](),
		onDidErr:      events.NewEmitter[[]byte](),
		onStdoutRaw:   events.NewEmitter[[]byte](),
		onStderrRaw:   events.NewEmitter[[]byte](),
		onDidClose:    events.NewEmitter[int](),
		onPid:         events.NewEmitter[PidNotice](),
		pid:           events.NewFuture[int](),
	}
}

// OnInternalErr notifies of fatal stream failures. A failed session has
// already disposed itself by the time the listener runs.
func (s *ProgramSession) OnInternalErr(fn func(error)) events.Subscription {
	return s.onInternalErr.Subscribe(fn)
}

// OnDidWrite delivers stdout as displayable text, EOL-translated when
// configured.
func (s *ProgramSession) OnDidWrite(fn func([]byte)) events.Subscription {
	return s.onDidWrite.Subscribe(fn)
}

// OnDidErr delivers stderr as displayable text, EOL-translated when
// configured.
func (s *ProgramSession) OnDidErr(fn func([]byte)) events.Subscription {
	return s.onDidErr.Subscribe(fn)
}

// OnStdoutRaw delivers stdout bytes exactly as received.
func (s *ProgramSession) OnStdoutRaw(fn func([]byte)) events.Subscription {
	return s.onStdoutRaw.Subscribe(fn)
}

// OnStderrRaw delivers stderr bytes exactly as received.
func (s *ProgramSession) OnStderrRaw(fn func([]byte)) events.Subscription {
	return s.onStderrRaw.Subscribe(fn)
}

// OnDidClose notifies of the process exit code. It never fires for disposal
// without a prior exit.
func (s *ProgramSession) OnDidClose(fn func(code int)) events.Subscription {
	return s.onDidClose.Subscribe(fn)
}

// OnPid notifies of pid state changes, see PidNotice.
func (s *ProgramSession) OnPid(fn func(PidNotice)) events.Subscription {
	return s.onPid.Subscribe(fn)
}

// Pid is a settle-once future resolved with the real process id. It never
// settles for background sessions.
func (s *ProgramSession) Pid() *events.Future[int] {
	return s.pid
}

// HasExited returns the session's terminal state, or nil while it is still
// Created or Running. Once non-nil the reason never changes.
func (s *ProgramSession) HasExited() *ExitReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitReason
}

// Wait blocks until the session reaches its terminal state.
func (s *ProgramSession) Wait(ctx context.Context) (*ExitReason, error) {
	select {
	case <-s.exited:
		return s.HasExited(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RegisterTerminalWindow records a front-end consumer of this session's I/O.
// Windows can only be registered before the session starts. The first
// registered window becomes the active one.
func (s *ProgramSession) RegisterTerminalWindow(name string, dims *wire.Winsize) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrAlreadyStarted
	}
	if _, ok := s.windows[name]; ok {
		return fmt.Errorf("terminal window %q already registered", name)
	}
	s.windows[name] = &terminalWindow{name: name, dims: dims}
	if s.activeWindow == "" {
		s.activeWindow = name
	}
	return nil
}

// Open marks the named window as opened, optionally updating its dimensions.
// Once every registered window is open the session starts by sending its
// initial execute request, exactly once; an Open arriving after that is a
// pure dimension update.
func (s *ProgramSession) Open(ctx context.Context, dims *wire.Winsize, windowName string) error {
	s.mu.Lock()
	w, ok := s.windows[windowName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWindow, windowName)
	}
	w.opened = true
	if dims != nil {
		w.dims = dims
	}
	allOpen := true
	for _, w := range s.windows {
		if !w.opened {
			allOpen = false
			break
		}
	}
	start := allOpen && !s.initialized
	s.mu.Unlock()

	if !start {
		return nil
	}
	err := s.Run(ctx)
	if errors.Is(err, ErrAlreadyStarted) {
		// lost the race against another Open or an explicit Run
		return nil
	}
	return err
}

// Run sends the initial execute request and starts consuming the response
// stream. It succeeds at most once per session; a second call returns
// ErrAlreadyStarted. Sessions with registered windows normally start through
// the Open barrier instead.
func (s *ProgramSession) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.exitReason != nil {
		s.mu.Unlock()
		return ErrSessionExited
	}
	s.initialized = true
	req := s.buildInitialRequestLocked()
	s.mu.Unlock()

	s.log.Debugw("starting session", "Program", req.ProgramName, "TTY", req.TTY, "SessionID", req.SessionID)
	if err := s.stream.Send(ctx, req); err != nil {
		return fmt.Errorf("sending execute request: %w", err)
	}

	if s.opts.Background {
		s.onPid.Emit(PidNotice{State: PidStateNotApplicable})
	} else {
		// placeholder so consumers can tell "no pid yet" from "no pid ever"
		s.onPid.Emit(PidNotice{State: PidStatePending})
	}

	go s.readMessages()
	return nil
}

func (s *ProgramSession) buildInitialRequestLocked() *wire.ExecuteRequest {
	envs := make([]string, 0, len(s.opts.Envs)+1)
	envs = append(envs, s.opts.Envs...)
	if s.opts.TTY {
		envs = append(envs, "TERM=xterm-256color")
	} else {
		// explicitly clear TERM rather than inherit it
		envs = append(envs, "TERM=")
	}

	req := &wire.ExecuteRequest{
		ProgramName:     s.opts.ProgramName,
		Args:            s.opts.Args,
		Directory:       s.opts.Directory,
		Envs:            envs,
		TTY:             s.opts.TTY,
		Background:      s.opts.Background,
		StoreLastOutput: s.opts.StoreLastOutput,
	}
	if s.opts.Environment != nil {
		req.SessionID = s.opts.Environment.ID()
	}
	switch body := s.opts.Exec.(type) {
	case ExecCommands:
		req.Commands = body
	case ExecScript:
		req.Script = string(body)
	}
	if w, ok := s.windows[s.activeWindow]; ok && w.dims != nil {
		req.Winsize = w.dims
	}
	return req
}

// HandleInput forwards raw input bytes to the remote process.
func (s *ProgramSession) HandleInput(ctx context.Context, p []byte) error {
	s.mu.Lock()
	if s.exitReason != nil {
		s.mu.Unlock()
		return ErrSessionExited
	}
	s.mu.Unlock()
	if err := s.stream.Send(ctx, &wire.ExecuteRequest{InputData: p}); err != nil {
		return fmt.Errorf("sending input: %w", err)
	}
	return nil
}

// SetDimensions stores new dimensions for the named window. A winsize control
// message is only transmitted when the window is the active one and the
// session is running.
func (s *ProgramSession) SetDimensions(ctx context.Context, dims wire.Winsize, windowName string) error {
	s.mu.Lock()
	w, ok := s.windows[windowName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWindow, windowName)
	}
	w.dims = &dims
	send := windowName == s.activeWindow && s.initialized && s.exitReason == nil
	s.mu.Unlock()

	if !send {
		return nil
	}
	if err := s.stream.Send(ctx, &wire.ExecuteRequest{Winsize: &dims}); err != nil {
		return fmt.Errorf("sending winsize: %w", err)
	}
	return nil
}

// SetActiveTerminalWindow switches which window's dimensions govern the
// remote pty, re-sending that window's dimensions if the session is running.
func (s *ProgramSession) SetActiveTerminalWindow(ctx context.Context, windowName string) error {
	s.mu.Lock()
	w, ok := s.windows[windowName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWindow, windowName)
	}
	s.activeWindow = windowName
	var dims *wire.Winsize
	if s.initialized && s.exitReason == nil {
		dims = w.dims
	}
	s.mu.Unlock()

	if dims == nil {
		return nil
	}
	if err := s.stream.Send(ctx, &wire.ExecuteRequest{Winsize: dims}); err != nil {
		return fmt.Errorf("sending winsize: %w", err)
	}
	return nil
}

// Stop asks the server to stop the process: INTERRUPT for tty sessions, KILL
// otherwise. It is advisory; the session stays in its current state until the
// server confirms through the normal exit path.
func (s *ProgramSession) Stop(ctx context.Context) error {
	sig := wire.StopKill
	if s.opts.TTY {
		sig = wire.StopInterrupt
	}
	if err := s.stream.Send(ctx, &wire.ExecuteRequest{Stop: sig}); err != nil {
		return fmt.Errorf("sending stop: %w", err)
	}
	return nil
}

// Dispose tears the session down locally. It is idempotent. Disposal before
// any exit records the Disposed reason without firing the close notification:
// it is a cancellation, not a completion.
func (s *ProgramSession) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.setExitLocked(&ExitReason{Kind: ExitKindDisposed})
	s.mu.Unlock()

	if s.detach != nil {
		s.detach()
	}
	var err error
	s.closeStreamOnce.Do(func() {
		err = s.stream.Close()
	})
	if err != nil {
		return fmt.Errorf("closing execute stream: %w", err)
	}
	return nil
}

// setExitLocked records the terminal state. The first reason wins.
func (s *ProgramSession) setExitLocked(r *ExitReason) bool {
	if s.exitReason != nil {
		return false
	}
	s.exitReason = r
	close(s.exited)
	return true
}

// readMessages is the single consumer of the response stream. Messages are
// dispatched in arrival order; it returns right after consuming an exit code,
// so the exit code is always the last signal observed.
func (s *ProgramSession) readMessages() {
	for {
		msg, err := s.stream.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			// completion without an exit code is a transport failure, never a
			// clean finish
			s.fail(errors.New("stream completed without an exit code"))
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		if s.dispatch(msg) {
			return
		}
	}
}

// dispatch handles one response message, reporting whether it carried the
// exit code.
func (s *ProgramSession) dispatch(msg *wire.ExecuteResponse) bool {
	if len(msg.StdoutData) > 0 {
		s.onStdoutRaw.Emit(msg.StdoutData)
		s.onDidWrite.Emit(s.translate(msg.StdoutData))
	}
	if len(msg.StderrData) > 0 {
		s.onStderrRaw.Emit(msg.StderrData)
		s.onDidErr.Emit(s.translate(msg.StderrData))
	}
	if msg.Pid != nil {
		s.reportPid(*msg.Pid)
	}
	if msg.ExitCode != nil {
		s.handleExit(*msg.ExitCode)
		return true
	}
	return false
}

func (s *ProgramSession) reportPid(pid int) {
	s.mu.Lock()
	if s.pidReported {
		s.mu.Unlock()
		return
	}
	s.pidReported = true
	s.mu.Unlock()
	s.log.Debugf("got pid %d", pid)
	s.pid.Resolve(pid)
	s.onPid.Emit(PidNotice{State: PidStateKnown, Pid: pid})
}

func (s *ProgramSession) handleExit(code int) {
	s.mu.Lock()
	set := s.setExitLocked(&ExitReason{Kind: ExitKindExit, Code: code})
	s.mu.Unlock()
	if !set {
		return
	}
	s.log.Debugf("session exited with code %d", code)
	s.onDidClose.Emit(code)
	if err := s.Dispose(); err != nil {
		s.log.Debugf("disposing after exit: %s", err)
	}
}

// fail records a fatal stream failure and self-disposes. It is a no-op if the
// session already reached a terminal state.
func (s *ProgramSession) fail(cause error) {
	s.mu.Lock()
	set := s.setExitLocked(&ExitReason{Kind: ExitKindError, Cause: cause})
	s.mu.Unlock()
	if !set {
		return
	}
	s.log.Debugf("session stream failed: %s", cause)
	s.onInternalErr.Emit(cause)
	if err := s.Dispose(); err != nil {
		s.log.Debugf("disposing after stream failure: %s", err)
	}
}

// translate renders output bytes for display. TTY output is already
// terminal-shaped and passes through untouched.
func (s *ProgramSession) translate(p []byte) []byte {
	if s.opts.TTY || !s.opts.ConvertEOL {
		return p
	}
	return translateEOL(p)
}

// translateEOL inserts a carriage return before every newline.
func translateEOL(p []byte) []byte {
	n := bytes.Count(p, []byte{'\n'})
	if n == 0 {
		return p
	}
	out := make([]byte, 0, len(p)+n)
	for _, b := range p {
		if b == '\n' {
			out = append(out, '\r')
		}
		out = append(out, b)
	}
	return out
}
