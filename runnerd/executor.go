package runnerd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/termrun/termrun/wire"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// executor runs one program for one execute WebSocket. The first request
// message describes the program; the process lives and dies with the
// connection unless it was started as a background task.
type executor struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	store  *sessionStore

	sess           *envSession
	envCapturePath string
	background     bool

	cmd     *exec.Cmd
	ptyFile *os.File
	stdin   io.WriteCloser

	// pumpDone is closed once the pty output pump finished. Nil for non-tty
	// runs, whose output writers are drained by cmd.Wait itself.
	pumpDone chan struct{}

	closeConnOnce sync.Once
	wg            sync.WaitGroup
}

func (e *executor) run() {
	if err := e.readFirstMessageAndStart(); err != nil {
		e.log.Debugf("error starting process: %s", err)
		e.close(websocket.StatusInternalError, fmt.Sprintf("starting process: %s", err))
		e.cancel()
		return
	}

	pid := e.cmd.Process.Pid
	e.log.Debugw("process started", "Pid", pid)
	if err := wsjson.Write(e.ctx, e.conn, &wire.ExecuteResponse{Pid: &pid}); err != nil {
		e.log.Debugf("error sending pid: %s", err)
	}

	e.wg.Add(2)
	go e.readMessages()
	go e.waitAndWriteResult()
	e.wg.Wait()

	if e.ptyFile != nil {
		e.ptyFile.Close()
	}
}

func (e *executor) close(code websocket.StatusCode, reason string) {
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	e.closeConnOnce.Do(func() {
		if err := e.conn.Close(code, reason); err != nil {
			e.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (e *executor) readFirstMessageAndStart() error {
	var req wire.ExecuteRequest
	if err := wsjson.Read(e.ctx, e.conn, &req); err != nil {
		return fmt.Errorf("reading first message: %w", err)
	}
	e.log.Debugw("got first message", "Program", req.ProgramName, "TTY", req.TTY, "SessionID", req.SessionID)

	e.background = req.Background

	if len(req.Commands) > 0 && req.Script != "" {
		return errors.New("commands and script are mutually exclusive")
	}

	var sessEnvs []string
	if req.SessionID != "" {
		sess, ok := e.store.Get(req.SessionID)
		if !ok {
			return fmt.Errorf("unknown session id %q", req.SessionID)
		}
		e.sess = sess
		sessEnvs = sess.Envs()
	}

	script := req.Script
	if len(req.Commands) > 0 {
		script = strings.Join(req.Commands, "\n")
	}

	var cmd *exec.Cmd
	if script != "" {
		if e.sess != nil && len(req.Commands) > 0 {
			// capture the shell's final environment so exports persist in the
			// session
			f, err := os.CreateTemp("", "runnerd-env-*")
			if err != nil {
				return fmt.Errorf("creating env capture file: %w", err)
			}
			f.Close()
			e.envCapturePath = f.Name()
			script += "\nenv -0 > " + e.envCapturePath
		}
		prog := req.ProgramName
		if prog == "" {
			prog = "bash"
		}
		args := append(append([]string{}, req.Args...), "-c", script)
		cmd = exec.Command(prog, args...)
	} else {
		if req.ProgramName == "" {
			return errors.New("request contained no program")
		}
		cmd = exec.Command(req.ProgramName, req.Args...)
	}
	cmd.Dir = req.Directory

	env := os.Environ()
	env = append(env, sessEnvs...)
	env = append(env, req.Envs...)
	cmd.Env = env

	stdoutW := newMultiWriter(&wsWriter{
		log:  e.log.Named("stdout_writer"),
		ctx:  e.ctx,
		conn: e.conn,
		makeMsg: func(b []byte) *wire.ExecuteResponse {
			return &wire.ExecuteResponse{StdoutData: b}
		},
	})
	stderrW := newMultiWriter(&wsWriter{
		log:  e.log.Named("stderr_writer"),
		ctx:  e.ctx,
		conn: e.conn,
		makeMsg: func(b []byte) *wire.ExecuteResponse {
			return &wire.ExecuteResponse{StderrData: b}
		},
	})
	if req.StoreLastOutput && e.sess != nil {
		tail := e.sess.LastOutput()
		stdoutW.Add(tail)
		stderrW.Add(tail)
	}

	e.cmd = cmd

	if req.TTY {
		ws := &pty.Winsize{Rows: 24, Cols: 80}
		if req.Winsize != nil {
			ws.Rows = req.Winsize.Rows
			ws.Cols = req.Winsize.Cols
		}
		f, err := pty.StartWithSize(cmd, ws)
		if err != nil {
			return fmt.Errorf("starting process under pty: %w", err)
		}
		e.ptyFile = f
		e.stdin = f
		e.pumpDone = make(chan struct{})
		go func() {
			defer close(e.pumpDone)
			// the pty read fails once the child exits and the slave closes
			if _, err := io.Copy(stdoutW, f); err != nil {
				e.log.Debugf("pty pump finished: %s", err)
			}
		}()
		return nil
	}

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	// a real pipe, so Wait does not stall on a stdin copying goroutine when
	// the client keeps the stream open
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR
	e.stdin = stdinW
	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("starting process: %w", err)
	}
	stdinR.Close()
	return nil
}

func (e *executor) readMessages() {
	defer e.wg.Done()
	defer e.shutdown()

	for {
		var msg wire.ExecuteRequest
		err := wsjson.Read(e.ctx, e.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			e.log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			e.log.Debugf("message reader got error: %s", err)
			return
		}
		if len(msg.InputData) > 0 && e.stdin != nil {
			if _, err := e.stdin.Write(msg.InputData); err != nil {
				e.log.Debugf("error writing input: %s", err)
			}
		}
		if msg.Winsize != nil && e.ptyFile != nil {
			ws := &pty.Winsize{Rows: msg.Winsize.Rows, Cols: msg.Winsize.Cols}
			if err := pty.Setsize(e.ptyFile, ws); err != nil {
				e.log.Debugf("error resizing pty: %s", err)
			}
		}
		switch msg.Stop {
		case wire.StopInterrupt:
			e.signal(os.Interrupt)
		case wire.StopKill:
			e.signal(os.Kill)
		case "":
		default:
			e.log.Debugf("unknown stop signal %q, ignoring", msg.Stop)
		}
	}
}

func (e *executor) signal(sig os.Signal) {
	if e.cmd.Process == nil {
		return
	}
	if err := e.cmd.Process.Signal(sig); err != nil {
		e.log.Debugf("error signaling process: %s", err)
	}
}

func (e *executor) waitAndWriteResult() {
	defer e.wg.Done()
	defer e.shutdown()

	err := e.cmd.Wait()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			e.log.Debugf("unexpected exit error: %s", err)
		}
	}
	if e.pumpDone != nil {
		<-e.pumpDone
	}

	exitCode := e.cmd.ProcessState.ExitCode()
	e.captureSessionEnvs(exitCode)

	e.log.Debugf("process %d exited with code %d, sending message", e.cmd.Process.Pid, exitCode)
	if err := wsjson.Write(e.ctx, e.conn, &wire.ExecuteResponse{ExitCode: &exitCode}); err != nil {
		e.log.Debugf("error sending exit code: %s", err)
	}
	e.close(websocket.StatusNormalClosure, "")
}

// captureSessionEnvs reads the env dump left behind by a session-bound
// command run and stores it as the session's new variables.
func (e *executor) captureSessionEnvs(exitCode int) {
	if e.envCapturePath == "" {
		return
	}
	defer os.Remove(e.envCapturePath)
	if exitCode != 0 || e.sess == nil {
		return
	}
	b, err := os.ReadFile(e.envCapturePath)
	if err != nil {
		e.log.Debugf("error reading env capture: %s", err)
		return
	}
	var envs []string
	for _, entry := range bytes.Split(b, []byte{0}) {
		if len(entry) > 0 {
			envs = append(envs, string(entry))
		}
	}
	e.sess.SetEnvs(envs)
}

// shutdown releases the stream's process and input resources. The process
// dies with the connection unless it is a background task.
func (e *executor) shutdown() {
	e.cancel()
	if e.cmd != nil && e.cmd.Process != nil && !e.background {
		e.cmd.Process.Kill()
	}
	if e.stdin != nil && e.ptyFile == nil {
		e.stdin.Close()
	}
}
