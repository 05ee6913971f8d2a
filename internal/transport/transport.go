// Package transport provides the byte-stream connection used by submission
// sessions: connect with a deadline, line-oriented reads and writes, and an
// in-place TLS upgrade.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrAlreadyEncrypted is returned by StartTLS on a connection that is
// already running over TLS.
var ErrAlreadyEncrypted = errors.New("connection is already encrypted")

// ErrLineTooLong is returned by ReadLine for a line longer than MaxLineLength.
var ErrLineTooLong = errors.New("reply line too long")

// MaxLineLength bounds a received line, CRLF included. It is the RFC 5321
// text line limit, which also covers the 512 octet reply line.
const MaxLineLength = 1000

// Conn is a line-oriented connection to a mail relay.
type Conn interface {
	// ReadLine returns the next line without its line terminator.
	ReadLine() (string, error)

	// WriteLine writes line followed by CRLF and flushes it.
	WriteLine(line string) error

	// StartTLS performs a client TLS handshake over the existing stream.
	StartTLS(ctx context.Context) error

	// Encrypted reports whether the connection is running over TLS.
	Encrypted() bool

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens connections to a relay. When implicitTLS is set the TLS
// handshake is part of establishing the connection.
type Dialer interface {
	Dial(ctx context.Context, addr string, implicitTLS bool) (Conn, error)
}

// NetDialer dials TCP connections, optionally wrapped in TLS.
type NetDialer struct {
	// TLSConfig is used for implicit TLS and STARTTLS. A nil config
	// verifies the relay against the system roots.
	TLSConfig *tls.Config

	// KeepAlive is passed through to net.Dialer.
	KeepAlive time.Duration
}

// Dial connects to addr. The context bounds the TCP connect and, for
// implicit TLS, the handshake.
func (d *NetDialer) Dial(ctx context.Context, addr string, implicitTLS bool) (Conn, error) {
	nd := &net.Dialer{KeepAlive: d.KeepAlive}
	cfg := d.tlsConfigFor(addr)

	if implicitTLS {
		td := &tls.Dialer{NetDialer: nd, Config: cfg}
		nc, err := td.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tls dial %s: %w", addr, err)
		}
		return newNetConn(nc, cfg, true), nil
	}

	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newNetConn(nc, cfg, false), nil
}

// tlsConfigFor clones the dialer's TLS config and fills in ServerName from
// addr when the caller left it empty.
func (d *NetDialer) tlsConfigFor(addr string) *tls.Config {
	var cfg *tls.Config
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		cfg.ServerName = host
	}
	return cfg
}

// netConn adapts a net.Conn to Conn.
type netConn struct {
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	tlsConfig *tls.Config
	encrypted bool
}

func newNetConn(conn net.Conn, cfg *tls.Config, encrypted bool) *netConn {
	return &netConn{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		tlsConfig: cfg,
		encrypted: encrypted,
	}
}

func (c *netConn) ReadLine() (string, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineLength {
			return "", ErrLineTooLong
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}

func (c *netConn) WriteLine(line string) error {
	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// StartTLS upgrades the connection in place. Anything still buffered from
// the plaintext phase is discarded.
func (c *netConn) StartTLS(ctx context.Context) error {
	if c.encrypted {
		return ErrAlreadyEncrypted
	}

	tlsConn := tls.Client(c.conn, c.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.encrypted = true
	return nil
}

func (c *netConn) Encrypted() bool {
	return c.encrypted
}

func (c *netConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *netConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *netConn) Close() error {
	return c.conn.Close()
}

// IsTimeout reports whether err was caused by an expired deadline or context.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
