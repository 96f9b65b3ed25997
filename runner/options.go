package runner

// ExecBody is the execution body of a session: either a list of shell
// commands or a single script. The two are mutually exclusive, so the body is
// a sealed sum type rather than a pair of optional fields.
type ExecBody interface {
	execBody()
}

// ExecCommands runs the given commands in order.
type ExecCommands []string

func (ExecCommands) execBody() {}

// ExecScript runs the given script text.
type ExecScript string

func (ExecScript) execBody() {}

// SessionOptions configures a ProgramSession.
type SessionOptions struct {
	ProgramName string
	Args        []string
	Directory   string

	// Envs are additional "K=V" environment entries for the process.
	Envs []string

	// TTY runs the program under a pseudoterminal. Output arrives as a single
	// raw stream and is never EOL-translated.
	TTY bool

	// Background marks the session as a detached background task. Background
	// sessions never receive a pid notice.
	Background bool

	// Exec is the execution body. May be nil to run ProgramName/Args directly.
	Exec ExecBody

	// Environment optionally binds the session to a shared remote execution
	// context, contributing its working directory and variables.
	Environment *Environment

	// ConvertEOL inserts a carriage return before every newline on the
	// translated write/err channels. Ignored for TTY sessions.
	ConvertEOL bool

	// StoreLastOutput asks the server to retain the tail of the output.
	StoreLastOutput bool
}
