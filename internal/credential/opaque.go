package credential

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// csrfCacheTTL is how long a fetched CSRF token is reused before a new one
// is requested.
const csrfCacheTTL = 23 * time.Hour

// SessionProbe answers whether server-managed session credentials exist,
// via a script-visible side channel (the server keeps a non-HttpOnly flag
// alongside the HTTP-only cookies).
type SessionProbe interface {
	SessionPresent(ctx context.Context) (bool, error)
}

// CSRFFetcher retrieves a CSRF token from the remote endpoint.
type CSRFFetcher func(ctx context.Context) (string, error)

// OpaqueStore is the production storage strategy: token values are managed
// server-side as HTTP-only cookies and are never readable here. Presence
// and expiry questions are answered through the probe; reads of the values
// themselves always come back empty.
type OpaqueStore struct {
	probe      SessionProbe
	fetchCSRF  CSRFFetcher
	production bool
	logger     zerolog.Logger
	now        func() time.Time

	mu          sync.Mutex
	csrfToken   string
	csrfFetched time.Time
	group       singleflight.Group
}

func NewOpaqueStore(probe SessionProbe, fetchCSRF CSRFFetcher, production bool, logger zerolog.Logger) *OpaqueStore {
	return &OpaqueStore{
		probe:      probe,
		fetchCSRF:  fetchCSRF,
		production: production,
		logger:     logger,
		now:        time.Now,
	}
}

func (o *OpaqueStore) present(ctx context.Context) bool {
	if o.probe == nil {
		return false
	}
	ok, err := o.probe.SessionPresent(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("session probe failed, treating session as absent")
		return false
	}
	return ok
}

func (o *OpaqueStore) HasTokens(ctx context.Context) bool {
	return o.present(ctx)
}

// GetAccessToken always returns "": the value lives in an HTTP-only cookie.
func (o *OpaqueStore) GetAccessToken(context.Context) string { return "" }

// GetRefreshToken always returns "": the value lives in an HTTP-only cookie.
func (o *OpaqueStore) GetRefreshToken(context.Context) string { return "" }

// IsTokenExpired reports expiry from the side channel: the flag disappears
// when the server-side session does.
func (o *OpaqueStore) IsTokenExpired(ctx context.Context) bool {
	return !o.present(ctx)
}

func (o *OpaqueStore) IsRefreshTokenExpired(ctx context.Context) bool {
	return !o.present(ctx)
}

// SetTokens is a no-op: the server set the cookies on the response that
// carried the pair. The pair is still validated so a malformed response is
// noticed here too.
func (o *OpaqueStore) SetTokens(_ context.Context, pair Pair) {
	if err := pair.Validate(); err != nil {
		o.logger.Error().Err(err).Msg("remote authority returned invalid credential pair")
	}
}

// ClearTokens drops the cached CSRF token; the cookies themselves are
// cleared by the server on logout.
func (o *OpaqueStore) ClearTokens(context.Context) {
	o.mu.Lock()
	o.csrfToken = ""
	o.csrfFetched = time.Time{}
	o.mu.Unlock()
}

// OnTokenExpiring is a no-op: with opaque storage the expiry moment is not
// observable, so the nudge never fires and rotation relies on the
// scheduled horizon alone.
func (o *OpaqueStore) OnTokenExpiring(func()) {}

// CSRFToken returns a CSRF token for state-changing requests, fetching at
// most once per cache window and collapsing concurrent fetches into one
// in-flight request. Outside production it returns "".
func (o *OpaqueStore) CSRFToken(ctx context.Context) string {
	if !o.production || o.fetchCSRF == nil {
		return ""
	}
	o.mu.Lock()
	if o.csrfToken != "" && o.now().Sub(o.csrfFetched) < csrfCacheTTL {
		token := o.csrfToken
		o.mu.Unlock()
		return token
	}
	o.mu.Unlock()

	v, err, _ := o.group.Do("csrf", func() (interface{}, error) {
		token, err := o.fetchCSRF(ctx)
		if err != nil {
			return "", err
		}
		o.mu.Lock()
		o.csrfToken = token
		o.csrfFetched = o.now()
		o.mu.Unlock()
		return token, nil
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to fetch CSRF token")
		return ""
	}
	return v.(string)
}
