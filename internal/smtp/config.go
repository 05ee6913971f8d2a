// Package smtp implements an outbound SMTP submission client: a per-message
// protocol session and a manager that runs sessions concurrently.
package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every connect, TLS handshake, read and write of a
// session when ConnectionConfig.Timeout is zero.
const DefaultTimeout = 5000 * time.Millisecond

// defaultLocalName is the EHLO argument.
const defaultLocalName = "localhost"

// Encryption selects how the connection to the relay is protected.
type Encryption int

const (
	// EncryptionPlain never encrypts.
	EncryptionPlain Encryption = iota
	// EncryptionImplicitTLS runs TLS from the first byte (usually port 465).
	EncryptionImplicitTLS
	// EncryptionSTARTTLS upgrades a plaintext connection after EHLO
	// (usually port 587).
	EncryptionSTARTTLS
)

func (e Encryption) String() string {
	switch e {
	case EncryptionPlain:
		return "plain"
	case EncryptionImplicitTLS:
		return "tls"
	case EncryptionSTARTTLS:
		return "starttls"
	default:
		return fmt.Sprintf("encryption(%d)", int(e))
	}
}

// ParseEncryption accepts "plain" (or "none"), "tls" (or "ssl",
// "implicit") and "starttls", case-insensitively.
func ParseEncryption(s string) (Encryption, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "none", "":
		return EncryptionPlain, nil
	case "tls", "ssl", "implicit":
		return EncryptionImplicitTLS, nil
	case "starttls":
		return EncryptionSTARTTLS, nil
	default:
		return EncryptionPlain, fmt.Errorf("unknown encryption mode %q", s)
	}
}

// DefaultPort returns the conventional submission port for the mode.
func (e Encryption) DefaultPort() int {
	switch e {
	case EncryptionImplicitTLS:
		return 465
	case EncryptionSTARTTLS:
		return 587
	default:
		return 25
	}
}

// ConnectionConfig is everything a session needs to reach and log in to the
// relay. Sessions take a copy when they are created.
type ConnectionConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption Encryption

	// Timeout bounds each connect, handshake, read and write.
	Timeout time.Duration

	// LocalName is sent with EHLO. Defaults to "localhost".
	LocalName string

	// TLSConfig is used for implicit TLS and STARTTLS. Nil means
	// verification against the system roots with ServerName = Host.
	TLSConfig *tls.Config

	// Auth builds the authentication mechanism. Defaults to LoginAuth.
	Auth MechanismFactory
}

// NewConnectionConfig mirrors the positional configure call: host, port,
// credentials, encryption mode and a timeout in milliseconds.
func NewConnectionConfig(host string, port int, username, password string, enc Encryption, timeoutMillis int) ConnectionConfig {
	return ConnectionConfig{
		Host:       host,
		Port:       port,
		Username:   username,
		Password:   password,
		Encryption: enc,
		Timeout:    time.Duration(timeoutMillis) * time.Millisecond,
	}
}

// Addr returns host:port, falling back to the mode's default port.
func (c ConnectionConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = c.Encryption.DefaultPort()
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// snapshot returns a copy with defaults filled in that shares no mutable
// state with c.
func (c ConnectionConfig) snapshot() ConnectionConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.LocalName == "" {
		c.LocalName = defaultLocalName
	}
	if c.Auth == nil {
		c.Auth = LoginAuth
	}
	if c.TLSConfig != nil {
		c.TLSConfig = c.TLSConfig.Clone()
	}
	return c
}
