package manager

import (
	"fmt"
	"net/http"
)

// TokenSource is an http.RoundTripper that attaches the current credentials
// to outgoing requests: a bearer token with local storage, a CSRF header
// with opaque storage (the session cookie itself rides on the cookie jar).
// Requests fail when no usable credential can be produced.
type TokenSource struct {
	mgr  *Manager
	base http.RoundTripper
}

// NewTokenSource wraps base (http.DefaultTransport when nil) with credential
// injection backed by mgr.
func NewTokenSource(mgr *Manager, base http.RoundTripper) *TokenSource {
	if base == nil {
		base = http.DefaultTransport
	}
	return &TokenSource{mgr: mgr, base: base}
}

func (ts *TokenSource) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())

	if ts.mgr.UsingSecureCookies() {
		if !ts.mgr.HasTokens(req.Context()) {
			return nil, fmt.Errorf("no active session for %s", req.URL.Host)
		}
		if csrf := ts.mgr.CSRFToken(req.Context()); csrf != "" {
			out.Header.Set("X-CSRF-Token", csrf)
		}
		return ts.base.RoundTrip(out)
	}

	token := ts.mgr.GetOrRefreshToken(req.Context())
	if token == "" {
		return nil, fmt.Errorf("no valid access token for %s", req.URL.Host)
	}
	out.Header.Set("Authorization", "Bearer "+token)
	return ts.base.RoundTrip(out)
}
