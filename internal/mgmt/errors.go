package mgmt

import (
	"errors"
	"fmt"
)

// ErrAuth is returned when the daemon rejects the management password,
// or challenges for one that is not configured. Never retried.
var ErrAuth = errors.New("management authentication failed")

// ConnectError wraps a failure to reach the management endpoint. The
// orchestration layer retries these; every other failure is final.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a reply the client cannot interpret. Framing is
// lost afterwards, so the connection must not be reused.
type ProtocolError struct {
	// Command is the verb whose reply went wrong.
	Command string

	// DaemonMessage is the offending line, when one was read.
	DaemonMessage string

	// Truncated is set when the stream ended inside a multi-line reply.
	Truncated bool
}

func (e *ProtocolError) Error() string {
	if e.Truncated {
		return fmt.Sprintf("%s: reply truncated before terminator", e.Command)
	}
	return fmt.Sprintf("%s: unexpected reply %q", e.Command, e.DaemonMessage)
}
