package smtp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// MechanismFactory creates the SASL client used by one session. It is
// called once per session, when the relay is ready for AUTH.
type MechanismFactory func(username, password string) (sasl.Client, error)

// TokenSource supplies bearer tokens for token based mechanisms.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", errors.New("empty token")
	}
	return string(t), nil
}

// LoginAuth is the LOGIN mechanism: "AUTH LOGIN" without an initial
// response, then the username and password as answers to two challenges.
func LoginAuth(username, password string) (sasl.Client, error) {
	return &loginClient{username: username, password: password}, nil
}

// PlainAuth is the PLAIN mechanism (RFC 4616) with the credentials sent as
// the initial response.
func PlainAuth(username, password string) (sasl.Client, error) {
	return sasl.NewPlainClient("", username, password), nil
}

// OAuthBearerAuth is the OAUTHBEARER mechanism (RFC 7628). The token is
// fetched when the session starts authenticating; the password is unused.
func OAuthBearerAuth(ts TokenSource) MechanismFactory {
	return func(username, _ string) (sasl.Client, error) {
		token, err := ts.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: username,
			Token:    token,
		}), nil
	}
}

// XOAuth2Auth is the XOAUTH2 mechanism used by Google and Microsoft
// relays. The password is unused.
func XOAuth2Auth(ts TokenSource) MechanismFactory {
	return func(username, _ string) (sasl.Client, error) {
		token, err := ts.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		return &xoauth2Client{username: username, token: token}, nil
	}
}

// MechanismByName maps a configured mechanism name to a factory. Token
// based mechanisms need ts.
func MechanismByName(name string, ts TokenSource) (MechanismFactory, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "LOGIN":
		return LoginAuth, nil
	case "PLAIN":
		return PlainAuth, nil
	case "OAUTHBEARER":
		if ts == nil {
			return nil, errors.New("OAUTHBEARER needs a token source")
		}
		return OAuthBearerAuth(ts), nil
	case "XOAUTH2":
		if ts == nil {
			return nil, errors.New("XOAUTH2 needs a token source")
		}
		return XOAuth2Auth(ts), nil
	default:
		return nil, fmt.Errorf("unsupported auth mechanism %q", name)
	}
}

type loginClient struct {
	username string
	password string
	step     int
}

func (a *loginClient) Start() (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginClient) Next(challenge []byte) ([]byte, error) {
	switch a.step {
	case 0:
		a.step++
		return []byte(a.username), nil
	case 1:
		a.step++
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected LOGIN challenge %q", challenge)
	}
}

type xoauth2Client struct {
	username string
	token    string
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"
	return "XOAUTH2", []byte(ir), nil
}

// Next is only reached when the relay rejects the token; the challenge
// then carries a JSON error description.
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("XOAUTH2 rejected: %s", challenge)
}
