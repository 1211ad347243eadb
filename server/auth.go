package server

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNotAuthenticated is returned when a request carries no valid identity.
var ErrNotAuthenticated = errors.New("server: not authenticated")

// Authenticator produces an authenticated username for a request.
// Identity verification itself (OAuth, cookies, upstream proxies) is an
// external collaborator; the supervisor only consumes the result.
type Authenticator interface {
	Authenticate(r *http.Request) (username string, err error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) {
	return f(r)
}

// DevAuthenticator accepts every request as a fixed development user.
func DevAuthenticator(username string) Authenticator {
	return AuthenticatorFunc(func(*http.Request) (string, error) {
		return username, nil
	})
}

// TokenAuthenticator maps static bearer tokens to usernames. The token
// is read from the Authorization header or, for websocket clients that
// cannot set headers, the auth_token query parameter.
func TokenAuthenticator(tokens map[string]string) Authenticator {
	return AuthenticatorFunc(func(r *http.Request) (string, error) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("auth_token")
		}
		if user, ok := tokens[token]; ok && token != "" {
			return user, nil
		}
		return "", ErrNotAuthenticated
	})
}
