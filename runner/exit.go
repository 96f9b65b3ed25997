package runner

import "fmt"

// ExitKind discriminates the ways a session can reach its terminal state.
type ExitKind int

const (
	// ExitKindExit means the process exited and reported a code. A nonzero
	// code is not an error at this layer.
	ExitKindExit ExitKind = iota

	// ExitKindError means the stream failed before the process reported an
	// exit code.
	ExitKindError

	// ExitKindDisposed means the session was disposed locally before any
	// exit signal arrived.
	ExitKindDisposed
)

// ExitReason is the terminal state of a session. Once set it never changes.
type ExitReason struct {
	Kind ExitKind

	// Code is the process exit code. Valid only for ExitKindExit.
	Code int

	// Cause is the underlying failure. Valid only for ExitKindError.
	Cause error
}

func (r *ExitReason) String() string {
	switch r.Kind {
	case ExitKindExit:
		return fmt.Sprintf("exit(%d)", r.Code)
	case ExitKindError:
		return fmt.Sprintf("error(%s)", r.Cause)
	case ExitKindDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("unknown(%d)", int(r.Kind))
	}
}
