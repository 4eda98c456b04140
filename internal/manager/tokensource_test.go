package manager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/tokenkeeper/internal/credential"
	"github.com/dvcrn/tokenkeeper/internal/kv"
)

func TestTokenSourceAttachesBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	m := newTestManager(nil)
	defer m.Destroy()
	m.SetTokens(context.Background(), loginPair())

	client := &http.Client{Transport: NewTokenSource(m, nil)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer A1", gotAuth)
}

func TestTokenSourceFailsWithoutCredentials(t *testing.T) {
	m := newTestManager(nil)
	defer m.Destroy()

	client := &http.Client{Transport: NewTokenSource(m, nil)}
	_, err := client.Get("http://127.0.0.1:0/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid access token")
}

func TestTokenSourceAttachesCSRFInCookieMode(t *testing.T) {
	var gotCSRF, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCSRF = r.Header.Get("X-CSRF-Token")
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	coordCfg, rotCfg := fastConfigs()
	m := New(Options{
		Production:        true,
		Store:             kv.NewMemoryStore(),
		Probe:             staticProbe(true),
		FetchCSRF:         func(context.Context) (string, error) { return "csrf-1", nil },
		CoordinatorConfig: coordCfg,
		RotationConfig:    rotCfg,
		Logger:            zerolog.Nop(),
	})
	defer m.Destroy()
	m.SetTokens(context.Background(), credential.Pair{AccessToken: "ignored", RefreshToken: "ignored", ExpiresIn: 900, RefreshExpiresIn: 86400})

	client := &http.Client{Transport: NewTokenSource(m, nil)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "csrf-1", gotCSRF)
	assert.Empty(t, gotAuth, "cookie mode never exposes a bearer token")
}
