package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const accessTokenQueryParameter = "access_token"

var (
	// ErrMissingCredential indicates a request that carried no bearer token or session cookie.
	ErrMissingCredential = errors.New("auth: credential required")
	errMissingValidator  = errors.New("auth: token validator required")
)

// TokenValidator resolves a bearer token into a principal.
type TokenValidator interface {
	ValidateToken(token string) (Principal, error)
}

// RequestValidator resolves request-scoped credentials such as cookies.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (Principal, error)
}

// RequestAuthenticator authenticates HTTP requests and websocket handshakes.
// A bearer token (header or access_token query parameter) takes precedence over
// the session cookie.
type RequestAuthenticator struct {
	tokens   TokenValidator
	sessions RequestValidator
}

// NewRequestAuthenticator wires bearer validation and an optional cookie validator.
func NewRequestAuthenticator(tokens TokenValidator, sessions RequestValidator) (*RequestAuthenticator, error) {
	if tokens == nil {
		return nil, errMissingValidator
	}
	return &RequestAuthenticator{tokens: tokens, sessions: sessions}, nil
}

// Authenticate returns the principal behind the request credential.
func (a *RequestAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	if r == nil {
		return Principal{}, ErrMissingCredential
	}
	if token := BearerToken(r); token != "" {
		return a.tokens.ValidateToken(token)
	}
	if a.sessions != nil {
		principal, err := a.sessions.ValidateRequest(r)
		if errors.Is(err, ErrMissingSessionToken) {
			return Principal{}, ErrMissingCredential
		}
		return principal, err
	}
	return Principal{}, ErrMissingCredential
}

// BearerToken extracts a bearer credential from the Authorization header or,
// for browser websocket clients that cannot set headers, the access_token query parameter.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if r.URL != nil {
		return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParameter))
	}
	return ""
}

// IsExpired reports whether err stems from an expired credential.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, ErrExpiredSessionToken)
}
