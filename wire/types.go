/*
Package wire defines the message schema for the execute protocol, a duplex
stream of requests (client->server) and responses (server->client) carried
over a WebSocket connection.

Only the first request message on a stream carries the program, args,
environment, and execution body. Subsequent request messages carry only input
bytes, a window size change, or a stop signal. Only the last response message
of a stream carries the exit code; the first response message carries the pid.
*/
package wire

// StopSignal requests that the remote process be stopped.
type StopSignal string

const (
	StopInterrupt StopSignal = "INTERRUPT"
	StopKill      StopSignal = "KILL"
)

// Winsize is a terminal dimension control message.
type Winsize struct {
	Cols uint16
	Rows uint16
}

// ExecuteRequest is a request message on an execute stream.
// Commands and Script are mutually exclusive; at most one may be set.
type ExecuteRequest struct {
	ProgramName string
	Args        []string
	Directory   string
	Envs        []string
	TTY         bool
	SessionID   string
	Background  bool

	Commands []string
	Script   string

	Winsize   *Winsize
	InputData []byte
	Stop      StopSignal

	StoreLastOutput bool
}

// ExecuteResponse is a response message on an execute stream.
type ExecuteResponse struct {
	StdoutData []byte
	StderrData []byte

	// ExitCode is set on the last message of the stream, once the process exited.
	ExitCode *int

	// Pid is set on the first message of the stream, once the process started.
	Pid *int
}
