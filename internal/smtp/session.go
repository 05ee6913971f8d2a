package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/google/uuid"

	"github.com/shineum/smtp-submit-lite/internal/email"
	"github.com/shineum/smtp-submit-lite/internal/transport"
)

// EventKind tells whether a session delivered its message.
type EventKind int

const (
	EventMessageSent EventKind = iota
	EventError
)

func (k EventKind) String() string {
	if k == EventMessageSent {
		return "message_sent"
	}
	return "smtp_error"
}

// Event is the single terminal notification of a session.
type Event struct {
	SessionID uuid.UUID
	Kind      EventKind
	// Err is set when Kind is EventError.
	Err *Error
}

// Session drives one connection through the submission conversation for
// exactly one message. All of its state is owned by the goroutine running
// Run.
type Session struct {
	id      uuid.UUID
	cfg     ConnectionConfig
	env     email.Envelope
	message []byte

	dialer  transport.Dialer
	conn    transport.Conn
	mech    sasl.Client
	state   State
	reply   []string
	done    bool
	logger  *slog.Logger
	metrics *Metrics

	// onDone is the completion hook, called exactly once.
	onDone func(*Session, Event)
}

// newSession builds a session and assembles its message. cfg must already
// be a snapshot.
func newSession(id uuid.UUID, cfg ConnectionConfig, env email.Envelope, dialer transport.Dialer, logger *slog.Logger, metrics *Metrics, onDone func(*Session, Event)) *Session {
	return &Session{
		id:      id,
		cfg:     cfg,
		env:     env,
		message: env.Assemble(),
		dialer:  dialer,
		state:   StateInit,
		logger:  logger.With("session", id.String()),
		metrics: metrics,
		onDone:  onDone,
	}
}

// ID returns the session handle.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Run connects and handles replies until the session is closed. It returns
// after the completion hook has been called.
func (s *Session) Run(ctx context.Context) {
	if err := s.connect(ctx); err != nil {
		s.finish(err)
		return
	}

	for !s.done {
		code, text, err := s.readReply()
		if err != nil {
			s.finish(err)
			return
		}

		s.metrics.observeReply(code)
		s.logger.Debug("smtp reply", "state", s.state, "code", code)

		if err := s.handle(ctx, code, text); err != nil {
			s.finish(err)
			return
		}
	}
}

// connect opens the transport. Nothing is written on this connection until
// the relay's greeting has been read.
func (s *Session) connect(ctx context.Context) *Error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	addr := s.cfg.Addr()
	implicit := s.cfg.Encryption == EncryptionImplicitTLS

	s.logger.Debug("connecting", "addr", addr, "encryption", s.cfg.Encryption)

	conn, err := s.dialer.Dial(dialCtx, addr, implicit)
	if err != nil {
		return &Error{Kind: ConnectionTimeout, State: s.state, Err: err}
	}
	s.conn = conn
	return nil
}

// handle applies the transition for (code, state). Every pair not listed
// closes the session.
func (s *Session) handle(ctx context.Context, code int, text string) *Error {
	switch {
	case code == 220 && s.state == StateInit:
		if err := s.cmd("EHLO " + s.cfg.LocalName); err != nil {
			return err
		}
		if s.cfg.Encryption == EncryptionSTARTTLS {
			s.state = StateTLSNegotiate
		} else {
			s.state = StateHandshake
		}

	case (code == 220 || code == 250) && s.state == StateHandshake:
		return s.decideHandshake(ctx)

	case code == 250 && s.state == StateTLSNegotiate:
		if err := s.cmd("STARTTLS"); err != nil {
			return err
		}
		s.state = StateHandshake

	case code == 250 && s.state == StateAuth:
		return s.startAuth()

	case code == 334 && s.state == StateAuthUser:
		if err := s.answerChallenge(text); err != nil {
			return err
		}
		s.state = StateAuthPass

	case code == 334 && s.state == StateAuthPass:
		if err := s.answerChallenge(text); err != nil {
			return err
		}
		s.state = StateMail

	case code == 235 && s.state == StateMail:
		if err := s.cmd("MAIL FROM:<" + s.env.From + ">"); err != nil {
			return err
		}
		s.state = StateRcpt

	case code == 250 && s.state == StateRcpt:
		if err := s.cmd("RCPT TO:<" + s.env.To + ">"); err != nil {
			return err
		}
		s.state = StateData

	case code == 250 && s.state == StateData:
		if err := s.cmd("DATA"); err != nil {
			return err
		}
		s.state = StateBody

	case code == 354 && s.state == StateBody:
		if err := s.write(string(s.message)+"\r\n.", "<message>"); err != nil {
			return err
		}
		s.state = StateQuit

	case code == 250 && s.state == StateQuit:
		// The relay accepted the message; a failing QUIT does not undo that.
		if err := s.cmd("QUIT"); err != nil {
			s.logger.Debug("QUIT not delivered", "error", err)
		}
		s.finish(nil)

	default:
		return s.unexpected(code, text)
	}

	return nil
}

// decideHandshake is reached from both 220 and 250 while in the handshake
// state. Plaintext sessions start authenticating right away; encrypted ones
// first make sure TLS is up and then greet again over it.
func (s *Session) decideHandshake(ctx context.Context) *Error {
	if s.cfg.Encryption == EncryptionPlain {
		return s.startAuth()
	}

	if !s.conn.Encrypted() {
		if err := s.upgrade(ctx); err != nil {
			return err
		}
	}

	if err := s.cmd("EHLO " + s.cfg.LocalName); err != nil {
		return err
	}
	s.state = StateAuth
	return nil
}

// upgrade runs the TLS handshake on the open connection, bounded by the
// session timeout.
func (s *Session) upgrade(ctx context.Context) *Error {
	tlsCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	s.logger.Debug("starting TLS")

	if err := s.conn.StartTLS(tlsCtx); err != nil {
		return &Error{Kind: ConnectionTimeout, State: s.state, Err: err}
	}
	return nil
}

// startAuth sends the AUTH command. Mechanisms with an initial response
// expect 235 straight away, the others expect challenges first.
func (s *Session) startAuth() *Error {
	mech, err := s.cfg.Auth(s.cfg.Username, s.cfg.Password)
	if err != nil {
		return &Error{Kind: AuthenticationFailed, State: s.state, Err: err}
	}

	name, ir, err := mech.Start()
	if err != nil {
		return &Error{Kind: AuthenticationFailed, State: s.state, Err: err}
	}
	s.mech = mech

	line := "AUTH " + name
	if ir != nil {
		line += " " + encodeResponse(ir)
	}

	if err := s.write(line, "AUTH "+name); err != nil {
		return err
	}

	if ir != nil {
		s.state = StateMail
	} else {
		s.state = StateAuthUser
	}
	return nil
}

// answerChallenge decodes a 334 challenge and sends the mechanism's answer.
func (s *Session) answerChallenge(text string) *Error {
	challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return &Error{Kind: AuthenticationFailed, State: s.state, Code: 334, Reply: text, Err: fmt.Errorf("bad challenge: %w", err)}
	}

	resp, err := s.mech.Next(challenge)
	if err != nil {
		return &Error{Kind: AuthenticationFailed, State: s.state, Code: 334, Reply: text, Err: err}
	}

	return s.write(base64.StdEncoding.EncodeToString(resp), "<credentials>")
}

// unexpected classifies a reply that has no transition in the current state.
func (s *Session) unexpected(code int, text string) *Error {
	kind := ClientError
	switch {
	case s.state.authenticating():
		kind = AuthenticationFailed
	case code < 200 || code >= 400:
		kind = ServerError
	}
	return &Error{Kind: kind, State: s.state, Code: code, Reply: text}
}

// maxReplyLines bounds the number of lines in one multi-line reply.
const maxReplyLines = 100

var errReplyTooLong = errors.New("reply has too many lines")

// readReply reads lines until the final line of a reply, i.e. one whose
// fourth character is a space. It returns the code of the final line and
// its text. Unparsable codes are returned as 0.
func (s *Session) readReply() (int, string, *Error) {
	s.reply = s.reply[:0]

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
			return 0, "", &Error{Kind: ServerError, State: s.state, Err: err}
		}

		line, err := s.conn.ReadLine()
		if err != nil {
			kind := ServerError
			if transport.IsTimeout(err) {
				kind = ResponseTimeout
			}
			return 0, "", &Error{Kind: kind, State: s.state, Err: err}
		}

		s.reply = append(s.reply, line)
		if len(line) < 4 || line[3] == ' ' {
			break
		}
		if len(s.reply) >= maxReplyLines {
			return 0, "", &Error{Kind: ServerError, State: s.state, Err: errReplyTooLong}
		}
	}

	last := s.reply[len(s.reply)-1]
	text := ""
	if len(last) > 4 {
		text = last[4:]
	}

	if len(last) < 3 {
		return 0, last, nil
	}
	code, err := strconv.Atoi(last[:3])
	if err != nil || code < 100 || code > 599 {
		return 0, last, nil
	}
	return code, text, nil
}

// cmd writes a protocol command and logs it.
func (s *Session) cmd(line string) *Error {
	return s.write(line, line)
}

// write sends one line with the session's write deadline. logAs is what
// appears in the log instead of line.
func (s *Session) write(line, logAs string) *Error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
		return &Error{Kind: ClientError, State: s.state, Err: err}
	}

	if err := s.conn.WriteLine(line); err != nil {
		kind := ClientError
		if transport.IsTimeout(err) {
			kind = SendDataTimeout
		}
		return &Error{Kind: kind, State: s.state, Err: err}
	}

	s.logger.Debug("smtp command", "state", s.state, "command", logAs)
	return nil
}

// finish moves the session to closed, reports the outcome once and releases
// the connection.
func (s *Session) finish(err *Error) {
	if s.done {
		return
	}
	s.done = true

	ev := Event{SessionID: s.id, Kind: EventMessageSent}
	if err != nil {
		ev.Kind = EventError
		ev.Err = err
		s.logger.Warn("session failed", "state", s.state, "kind", err.Kind, "error", err)
	} else {
		s.logger.Info("message sent", "to", s.env.To)
	}
	s.state = StateClosed

	if s.onDone != nil {
		s.onDone(s, ev)
	}

	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			s.logger.Debug("close failed", "error", cerr)
		}
		s.conn = nil
	}
	s.mech = nil
	s.message = nil
	s.reply = nil
}

// encodeResponse base64-encodes a SASL response; an empty response is "=".
func encodeResponse(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}
