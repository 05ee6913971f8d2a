package smtp

// State is a position in the submission conversation.
type State int

const (
	StateInit State = iota
	StateTLSNegotiate
	StateHandshake
	StateAuth
	StateAuthUser
	StateAuthPass
	StateMail
	StateRcpt
	StateData
	StateBody
	StateQuit
	StateClosed
)

var stateNames = [...]string{
	StateInit:         "init",
	StateTLSNegotiate: "tls_negotiate",
	StateHandshake:    "handshake",
	StateAuth:         "auth",
	StateAuthUser:     "auth_user",
	StateAuthPass:     "auth_pass",
	StateMail:         "mail",
	StateRcpt:         "rcpt",
	StateData:         "data",
	StateBody:         "body",
	StateQuit:         "quit",
	StateClosed:       "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// authenticating reports whether a failing reply in this state means the
// credentials were refused.
func (s State) authenticating() bool {
	return s == StateAuthUser || s == StateAuthPass || s == StateMail
}
