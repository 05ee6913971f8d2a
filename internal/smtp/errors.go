package smtp

import (
	"fmt"
)

// ErrorKind classifies why a session ended without delivering its message.
type ErrorKind int

const (
	// ConnectionTimeout: the relay could not be reached, or the TLS
	// handshake did not complete in time.
	ConnectionTimeout ErrorKind = iota
	// ResponseTimeout: no complete reply arrived within the timeout.
	ResponseTimeout
	// SendDataTimeout: a command could not be written within the timeout.
	SendDataTimeout
	// AuthenticationFailed: the relay rejected the credentials, or the
	// mechanism could not produce a response.
	AuthenticationFailed
	// ServerError: the relay answered with a failure code or dropped the
	// connection.
	ServerError
	// ClientError: the reply did not fit the conversation, or a local
	// write failed.
	ClientError
)

var errorKindNames = map[ErrorKind]string{
	ConnectionTimeout:    "connection_timeout",
	ResponseTimeout:      "response_timeout",
	SendDataTimeout:      "send_data_timeout",
	AuthenticationFailed: "authentication_failed",
	ServerError:          "server_error",
	ClientError:          "client_error",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error_kind(%d)", int(k))
}

// Error is the failure reported by a session. Code and Reply are set when
// the failure was triggered by a relay reply.
type Error struct {
	Kind  ErrorKind
	State State
	Code  int
	Reply string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("smtp %s in state %s", e.Kind, e.State)
	if e.Code != 0 {
		msg += fmt.Sprintf(": reply %d %q", e.Code, e.Reply)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k})
// tests for a kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
