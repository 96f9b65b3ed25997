package termrun

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/termrun/termrun/internal/netutil"
	"github.com/termrun/termrun/runner"
	"github.com/termrun/termrun/runnerd"
	"github.com/termrun/termrun/wire"
	"github.com/termrun/termrun/wstransport"
	"go.uber.org/zap/zapcore"
)

func startServer(t *testing.T) string {
	port, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	server, err := runnerd.New(
		runnerd.WithListenAddr(addr),
		runnerd.WithLogLevel(zapcore.InfoLevel),
	)
	require.NoError(t, err)

	go server.Run()
	t.Cleanup(func() {
		require.NoError(t, server.Stop())
	})
	return "http://" + addr
}

func newClient(t *testing.T) *runner.Client {
	baseURL := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	transport, err := wstransport.Dial(ctx, baseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, transport.Close())
	})
	client := runner.New(transport)
	t.Cleanup(func() {
		require.NoError(t, client.Dispose())
	})
	return client
}

type outputCollector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *outputCollector) write(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(b)
}

func (c *outputCollector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func TestRunEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := newClient(t)

	sess, err := client.CreateProgramSession(ctx, runner.SessionOptions{
		ProgramName: "bash",
		Exec:        runner.ExecCommands{"echo hi"},
	})
	require.NoError(t, err)

	var out outputCollector
	sess.OnDidWrite(out.write)
	closes := make(chan int, 1)
	sess.OnDidClose(func(code int) { closes <- code })

	require.NoError(t, sess.RegisterTerminalWindow("inline", &wire.Winsize{Cols: 80, Rows: 24}))
	require.NoError(t, sess.Open(ctx, nil, "inline"))

	reason, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, runner.ExitKindExit, reason.Kind)
	assert.Equal(t, 0, reason.Code)
	assert.Contains(t, out.String(), "hi")

	select {
	case code := <-closes:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("close notification never fired")
	}

	pid, err := sess.Pid().Wait(ctx)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)
}

func TestTTYEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := newClient(t)

	sess, err := client.CreateProgramSession(ctx, runner.SessionOptions{
		ProgramName: "bash",
		TTY:         true,
		Exec:        runner.ExecCommands{"echo hi"},
	})
	require.NoError(t, err)

	var out outputCollector
	sess.OnStdoutRaw(out.write)

	require.NoError(t, sess.Run(ctx))
	reason, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, runner.ExitKindExit, reason.Kind)
	assert.Equal(t, 0, reason.Code)
	assert.Contains(t, out.String(), "hi")
}

func TestInputStreaming(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := newClient(t)

	sess, err := client.CreateProgramSession(ctx, runner.SessionOptions{
		ProgramName: "cat",
	})
	require.NoError(t, err)

	var out outputCollector
	sess.OnStdoutRaw(out.write)

	require.NoError(t, sess.Run(ctx))
	require.NoError(t, sess.HandleInput(ctx, []byte("hello\n")))

	require.Eventually(t, func() bool {
		return out.String() == "hello\n"
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, sess.Stop(ctx))
	reason, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, runner.ExitKindExit, reason.Kind)
	assert.NotEqual(t, 0, reason.Code)
}

func TestStopKillsProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := newClient(t)

	sess, err := client.CreateProgramSession(ctx, runner.SessionOptions{
		ProgramName: "sleep",
		Args:        []string{"600"},
	})
	require.NoError(t, err)

	require.NoError(t, sess.Run(ctx))
	_, err = sess.Pid().Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, sess.Stop(ctx))
	reason, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, runner.ExitKindExit, reason.Kind)
	assert.NotEqual(t, 0, reason.Code)
}

func TestStoreLastOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	baseURL := startServer(t)
	transport, err := wstransport.Dial(ctx, baseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, transport.Close())
	})
	client := runner.New(transport)
	t.Cleanup(func() {
		require.NoError(t, client.Dispose())
	})

	env, err := client.CreateEnvironment(ctx, nil, nil)
	require.NoError(t, err)

	sess, err := client.CreateProgramSession(ctx, runner.SessionOptions{
		ProgramName:     "bash",
		Exec:            runner.ExecCommands{"echo remembered"},
		Environment:     env,
		StoreLastOutput: true,
	})
	require.NoError(t, err)
	require.NoError(t, sess.Run(ctx))
	reason, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, runner.ExitKindExit, reason.Kind)

	out, err := transport.LastOutput(ctx, env.ID())
	require.NoError(t, err)
	assert.Contains(t, string(out), "remembered")
}

func TestEnvironmentRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	client := newClient(t)

	env, err := client.CreateEnvironment(ctx, []string{"FOO=bar"}, map[string]string{"name": "integ"})
	require.NoError(t, err)

	vars, err := client.GetEnvironmentVariables(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "bar", vars["FOO"])

	ok, err := client.SetEnvironmentVariables(ctx, env, map[string]string{"BAZ": "qux"})
	require.NoError(t, err)
	require.True(t, ok)

	vars, err = client.GetEnvironmentVariables(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "qux", vars["BAZ"])

	require.NoError(t, env.Dispose())
	_, err = client.GetEnvironmentVariables(ctx, env)
	require.Error(t, err)
}

func TestSessionEnvsVisibleToProgram(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := newClient(t)

	env, err := client.CreateEnvironment(ctx, []string{"GREETING=hello"}, nil)
	require.NoError(t, err)

	sess, err := client.CreateProgramSession(ctx, runner.SessionOptions{
		ProgramName: "bash",
		Exec:        runner.ExecCommands{"echo $GREETING"},
		Environment: env,
	})
	require.NoError(t, err)

	var out outputCollector
	sess.OnStdoutRaw(out.write)

	require.NoError(t, sess.Run(ctx))
	reason, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, runner.ExitKindExit, reason.Kind)
	require.Equal(t, 0, reason.Code)
	assert.Contains(t, out.String(), "hello")
}
