// Package oauth fetches and caches OAuth2 access tokens for the token based
// SMTP mechanisms (XOAUTH2, OAUTHBEARER).
package oauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultScope requests SMTP send rights from Microsoft 365.
const DefaultScope = "https://outlook.office365.com/.default"

// Config identifies the client credentials grant to run.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Scope defaults to DefaultScope.
	Scope string
}

// TokenCache hands out the access token of a client credentials grant,
// fetching a new one shortly before the cached one expires. It satisfies
// smtp.TokenSource and is safe for concurrent use.
type TokenCache struct {
	src oauth2.TokenSource
}

// NewTokenCache creates a token cache for the given client credentials. A nil
// httpClient gets a client with a 30 second timeout.
func NewTokenCache(cfg Config, httpClient *http.Client) *TokenCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	scope := cfg.Scope
	if scope == "" {
		scope = DefaultScope
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	return &TokenCache{src: cc.TokenSource(ctx)}
}

// Token returns a valid access token.
func (tc *TokenCache) Token() (string, error) {
	tok, err := tc.src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to acquire access token: %w", err)
	}
	return tok.AccessToken, nil
}
