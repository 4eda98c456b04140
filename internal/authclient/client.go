// Package authclient talks to the remote authority. The core only depends
// on the refresh function contract; this is the concrete client the daemon
// wires in.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dvcrn/tokenkeeper/internal/credential"
)

// DefaultTimeout bounds every call. It is deliberately below the
// coordinator's lock staleness window: a refresh that outlives the window
// would let a peer declare our rotation abandoned mid-flight.
const DefaultTimeout = 8 * time.Second

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type csrfResponse struct {
	Token string `json:"token"`
}

// Client is an HTTP client for the authority's refresh and CSRF endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// Refresh exchanges a refresh token for a new credential pair. The
// response shape is decoded but not validated here; the rotation manager
// rejects malformed pairs.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (credential.Pair, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return credential.Pair{}, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return credential.Pair{}, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return credential.Pair{}, fmt.Errorf("failed to make refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errorBody bytes.Buffer
		errorBody.ReadFrom(resp.Body)
		return credential.Pair{}, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, errorBody.String())
	}

	var pair credential.Pair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return credential.Pair{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	return pair, nil
}

// SessionPresent asks the authority whether a server-managed session
// exists for this client, the side channel the opaque storage variant
// relies on since it cannot read the cookie values.
func (c *Client) SessionPresent(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/session", nil)
	if err != nil {
		return false, fmt.Errorf("failed to build session request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to make session request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound, http.StatusUnauthorized:
		return false, nil
	default:
		return false, fmt.Errorf("session check failed with status %d", resp.StatusCode)
	}
}

// CSRFToken fetches a CSRF token for state-changing requests in cookie
// mode.
func (c *Client) CSRFToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/csrf", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build CSRF request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make CSRF request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("CSRF fetch failed with status %d", resp.StatusCode)
	}

	var out csrfResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode CSRF response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("CSRF endpoint returned empty token")
	}
	return out.Token, nil
}
