package rt

import (
	"context"
	"fmt"
	"net/http"
	"os"
)

// EnvAPIKey is the environment variable consulted when no explicit API key is
// provided.
const EnvAPIKey = "SPEECHMATICS_API_KEY"

// Auth supplies the bearer credential for a connection. Headers is called
// once per dial attempt, so implementations backed by short-lived tokens can
// refresh on every reconnect.
type Auth interface {
	Headers(ctx context.Context) (http.Header, error)
}

// StaticKeyAuth authenticates every connection with the same API key.
type StaticKeyAuth struct {
	apiKey string
}

// NewStaticKeyAuth creates a StaticKeyAuth from the given key, falling back
// to the SPEECHMATICS_API_KEY environment variable when key is empty.
func NewStaticKeyAuth(key string) (*StaticKeyAuth, error) {
	if key == "" {
		key = os.Getenv(EnvAPIKey)
	}
	if key == "" {
		return nil, ErrNoCredential
	}
	return &StaticKeyAuth{apiKey: key}, nil
}

// Headers returns the Authorization header for the static key.
func (a *StaticKeyAuth) Headers(context.Context) (http.Header, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.apiKey)
	return h, nil
}

// Token exposes the raw credential for query-parameter auth.
func (a *StaticKeyAuth) Token(context.Context) (string, error) {
	return a.apiKey, nil
}

// TokenFuncAuth obtains a fresh bearer token per connection from a callback.
// Use it with short-lived tokens minted outside this library.
type TokenFuncAuth struct {
	fn func(ctx context.Context) (string, error)
}

// NewTokenFuncAuth creates a TokenFuncAuth. fn must not be nil.
func NewTokenFuncAuth(fn func(ctx context.Context) (string, error)) *TokenFuncAuth {
	return &TokenFuncAuth{fn: fn}
}

// Headers invokes the token callback and returns the Authorization header.
func (a *TokenFuncAuth) Headers(ctx context.Context) (http.Header, error) {
	token, err := a.Token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// Token invokes the token callback.
func (a *TokenFuncAuth) Token(ctx context.Context) (string, error) {
	token, err := a.fn(ctx)
	if err != nil {
		return "", fmt.Errorf("rt: obtain token: %w", err)
	}
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// tokenProvider is implemented by auth methods that can expose a raw token
// for the ?jwt= query-parameter fallback.
type tokenProvider interface {
	Token(ctx context.Context) (string, error)
}
