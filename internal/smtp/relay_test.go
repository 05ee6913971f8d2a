package smtp

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	smtptls "github.com/shineum/smtp-submit-lite/internal/tls"
)

// relayBackend is an in-process go-smtp server that accepts mail from one
// account and keeps what it receives.
type relayBackend struct {
	username string
	password string

	mu       sync.Mutex
	received []receivedMail
}

type receivedMail struct {
	mech string
	from string
	to   []string
	data []byte
}

func (b *relayBackend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &relaySession{backend: b}, nil
}

func (b *relayBackend) Received() []receivedMail {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMail(nil), b.received...)
}

func (b *relayBackend) check(username, password string) error {
	if username != b.username || password != b.password {
		return &gosmtp.SMTPError{
			Code:         535,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication credentials invalid",
		}
	}
	return nil
}

type relaySession struct {
	backend *relayBackend
	mech    string
	from    string
	to      []string
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{"LOGIN", sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case "LOGIN":
		return &loginServer{authenticate: func(username, password string) error {
			if err := s.backend.check(username, password); err != nil {
				return err
			}
			s.mech = mech
			return nil
		}}, nil
	case sasl.Plain:
		return sasl.NewPlainServer(func(_, username, password string) error {
			if err := s.backend.check(username, password); err != nil {
				return err
			}
			s.mech = mech
			return nil
		}), nil
	default:
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
}

func (s *relaySession) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.mech == "" {
		return gosmtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.received = append(s.backend.received, receivedMail{
		mech: s.mech,
		from: s.from,
		to:   s.to,
		data: data,
	})
	return nil
}

func (s *relaySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *relaySession) Logout() error {
	return nil
}

// loginServer is the server half of the LOGIN mechanism.
type loginServer struct {
	authenticate func(username, password string) error
	username     string
	step         int
}

func (a *loginServer) Next(response []byte) ([]byte, bool, error) {
	a.step++
	switch a.step {
	case 1:
		return []byte("Username:"), false, nil
	case 2:
		a.username = string(response)
		return []byte("Password:"), false, nil
	default:
		return nil, true, a.authenticate(a.username, string(response))
	}
}

// startRelay runs a relay on a loopback port and returns a config pointing
// at it.
func startRelay(t *testing.T, enc Encryption) (*relayBackend, ConnectionConfig) {
	t.Helper()

	be := &relayBackend{username: "user@example.com", password: "s3cret"}

	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	serverTLS, clientTLS, err := smtptls.LoopbackPair()
	require.NoError(t, err)

	var l net.Listener
	l, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	switch enc {
	case EncryptionSTARTTLS:
		srv.TLSConfig = serverTLS
	case EncryptionImplicitTLS:
		l = tls.NewListener(l, serverTLS)
	}

	go func() {
		_ = srv.Serve(l)
	}()
	t.Cleanup(func() { _ = srv.Close() })

	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := NewConnectionConfig("127.0.0.1", port, "user@example.com", "s3cret", enc, 5000)
	cfg.TLSConfig = clientTLS
	return be, cfg
}

func sendOne(t *testing.T, cfg ConnectionConfig, body string) Event {
	t.Helper()

	m := NewManager(WithLogger(quietLogger()))
	m.Configure(cfg)

	ev := awaitEvent(t, m.SendMail(testFrom, testTo, testSubject, body))
	m.Wait()
	assert.Equal(t, 0, m.ActiveSessionCount())
	return ev
}

func TestRelay_Delivery(t *testing.T) {
	t.Parallel()

	body := "\nHello relay\n.\n.hidden\nBye"

	tests := []struct {
		name     string
		enc      Encryption
		auth     MechanismFactory
		wantMech string
	}{
		{name: "plain login", enc: EncryptionPlain, wantMech: "LOGIN"},
		{name: "starttls login", enc: EncryptionSTARTTLS, wantMech: "LOGIN"},
		{name: "implicit tls login", enc: EncryptionImplicitTLS, wantMech: "LOGIN"},
		{name: "starttls plain", enc: EncryptionSTARTTLS, auth: PlainAuth, wantMech: sasl.Plain},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			be, cfg := startRelay(t, tt.enc)
			cfg.Auth = tt.auth

			ev := sendOne(t, cfg, body)
			require.Equal(t, EventMessageSent, ev.Kind, "event error: %v", ev.Err)

			got := be.Received()
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantMech, got[0].mech)
			assert.Equal(t, testFrom, got[0].from)
			assert.Equal(t, []string{testTo}, got[0].to)

			data := strings.ReplaceAll(string(got[0].data), "\r\n", "\n")
			assert.Equal(t, "To: bob@example.com\nFrom: alice@example.com\nSubject: Hi\n"+body+"\n", data)

			msg, err := enmime.ReadEnvelope(bytes.NewReader(got[0].data))
			require.NoError(t, err)
			assert.Equal(t, testSubject, msg.GetHeader("Subject"))
			assert.Equal(t, testFrom, msg.GetHeader("From"))
			assert.Equal(t, testTo, msg.GetHeader("To"))
			assert.Contains(t, msg.Text, "Hello relay")
			assert.Contains(t, msg.Text, ".hidden")
			assert.NotContains(t, msg.Text, "..hidden")
		})
	}
}

func TestRelay_AuthenticationRejected(t *testing.T) {
	t.Parallel()

	for _, auth := range []MechanismFactory{LoginAuth, PlainAuth} {
		be, cfg := startRelay(t, EncryptionPlain)
		cfg.Password = "wrong"
		cfg.Auth = auth

		ev := sendOne(t, cfg, "\nbody")

		require.NotNil(t, ev.Err)
		assert.Equal(t, AuthenticationFailed, ev.Err.Kind)
		assert.Equal(t, 535, ev.Err.Code)
		assert.Empty(t, be.Received())
	}
}

func TestRelay_UntrustedCertificate(t *testing.T) {
	t.Parallel()

	_, cfg := startRelay(t, EncryptionSTARTTLS)
	cfg.TLSConfig = &tls.Config{ServerName: "localhost", MinVersion: tls.VersionTLS12}

	ev := sendOne(t, cfg, "\nbody")

	require.NotNil(t, ev.Err)
	assert.Equal(t, ConnectionTimeout, ev.Err.Kind)
	assert.Equal(t, StateHandshake, ev.Err.State)
}

func TestRelay_NothingListening(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	ev := sendOne(t, NewConnectionConfig("127.0.0.1", port, "u", "p", EncryptionPlain, 1000), "\nbody")

	require.NotNil(t, ev.Err)
	assert.Equal(t, ConnectionTimeout, ev.Err.Kind)
	assert.Equal(t, StateInit, ev.Err.State)
}

func TestRelay_SilentServer(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	// Accept and never answer.
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				_ = c.Close()
			}
		}()
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()

	port := l.Addr().(*net.TCPAddr).Port
	ev := sendOne(t, NewConnectionConfig("127.0.0.1", port, "u", "p", EncryptionPlain, 100), "\nbody")

	require.NotNil(t, ev.Err)
	assert.Equal(t, ResponseTimeout, ev.Err.Kind)
	assert.Equal(t, StateInit, ev.Err.State)
}

func TestRelay_ConcurrentSends(t *testing.T) {
	t.Parallel()

	const n = 10

	be, cfg := startRelay(t, EncryptionSTARTTLS)

	m := NewManager(WithLogger(quietLogger()))
	m.Configure(cfg)

	chans := make([]<-chan Event, n)
	for i := range chans {
		chans[i] = m.SendMail(testFrom, fmt.Sprintf("rcpt%d@example.com", i), fmt.Sprintf("msg %d", i), "\nbody")
	}

	for _, ch := range chans {
		ev := awaitEvent(t, ch)
		assert.Equal(t, EventMessageSent, ev.Kind, "event error: %v", ev.Err)
	}
	m.Wait()

	assert.Equal(t, 0, m.ActiveSessionCount())

	got := be.Received()
	require.Len(t, got, n)

	rcpts := make([]string, 0, n)
	for _, r := range got {
		rcpts = append(rcpts, r.to...)
	}
	for i := 0; i < n; i++ {
		assert.Contains(t, rcpts, fmt.Sprintf("rcpt%d@example.com", i))
	}
}
