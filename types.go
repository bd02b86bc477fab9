package oauth

import (
	"net/http"
	"strings"

	"github.com/giantswarm/pod-oauth/storage"
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// SessionProvider is the external collaborator that knows who is logged in.
// It reports the user behind an authorization request, or nil, and whether
// that user approved the request.
type SessionProvider interface {
	Session(r *http.Request) (user *storage.User, approved bool)
}

// SessionFunc adapts a function to SessionProvider.
type SessionFunc func(r *http.Request) (*storage.User, bool)

// Session implements SessionProvider
func (f SessionFunc) Session(r *http.Request) (*storage.User, bool) {
	return f(r)
}

// HeaderSession trusts an authenticating reverse proxy that forwards the
// logged in user's WebID in header. Such users count as having approved
// the request. Only use it when the proxy strips the header from client
// requests.
func HeaderSession(header string) SessionProvider {
	return SessionFunc(func(r *http.Request) (*storage.User, bool) {
		subject := strings.TrimSpace(r.Header.Get(header))
		if subject == "" {
			return nil, false
		}
		return &storage.User{Subject: subject}, true
	})
}
