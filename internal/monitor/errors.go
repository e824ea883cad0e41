package monitor

// Error wraps a monitor-level failure with an optional underlying
// cause, the same msg+err shape as Daedaluz-goserial's error.go.
type Error struct {
	msg string
	err error
}

func (e Error) Error() string {
	if e.msg != "" {
		if e.err != nil {
			return e.msg + ": " + e.err.Error()
		}
		return e.msg
	}
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e Error) Unwrap() error { return e.err }

var (
	// ErrUnknownCommand is returned by HandleCommand for any token
	// outside the vocabulary of spec §4.3.
	ErrUnknownCommand = Error{msg: "unknown command"}
)
