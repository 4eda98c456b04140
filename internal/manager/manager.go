// Package manager is the credential facade: the single surface the rest of
// the application calls to read, set and clear credentials, and to obtain
// a valid access token on demand. Everything else (storage variant, lock
// coordination, scheduled rotation) is composed behind it at construction.
package manager

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dvcrn/tokenkeeper/internal/broadcast"
	"github.com/dvcrn/tokenkeeper/internal/coordinator"
	"github.com/dvcrn/tokenkeeper/internal/credential"
	"github.com/dvcrn/tokenkeeper/internal/kv"
	"github.com/dvcrn/tokenkeeper/internal/rotation"
)

// CookieSessionToken is the sentinel GetOrRefreshToken returns in opaque
// mode when a server-managed session exists: the real bearer value lives
// in an HTTP-only cookie and is attached by the browser/transport, not by
// application code.
const CookieSessionToken = "cookie-session"

// Options configure the facade. Production selects the opaque storage
// variant; the choice is fixed for the process lifetime.
type Options struct {
	Production bool

	// Store is the shared credential/lock store (ignored token-wise in
	// production, still used for lock coordination).
	Store kv.Store
	// Broadcaster delivers rotation events between peers; nil degrades to
	// store-only coordination.
	Broadcaster broadcast.Broadcaster

	// Refresh performs the remote refresh call.
	Refresh rotation.RefreshFunc

	// Probe and FetchCSRF back the opaque variant; unused otherwise.
	Probe     credential.SessionProbe
	FetchCSRF credential.CSRFFetcher

	// CoordinatorConfig and RotationConfig override the default timings
	// when non-nil.
	CoordinatorConfig *coordinator.Config
	RotationConfig    *rotation.Config

	Logger zerolog.Logger
}

// Manager is the credential facade for one peer.
type Manager struct {
	strategy credential.Strategy
	local    *credential.LocalStore
	opaque   *credential.OpaqueStore
	rot      *rotation.Manager
	logger   zerolog.Logger

	group singleflight.Group
}

// New composes the facade: storage variant by environment, coordinator,
// rotation manager, and the wiring between them.
func New(opts Options) *Manager {
	m := &Manager{logger: opts.Logger}

	if opts.Production {
		m.opaque = credential.NewOpaqueStore(opts.Probe, opts.FetchCSRF, true, opts.Logger)
		m.strategy = m.opaque
	} else {
		m.local = credential.NewLocalStore(opts.Store, opts.Logger)
		m.strategy = m.local
	}

	coordCfg := coordinator.DefaultConfig()
	if opts.CoordinatorConfig != nil {
		coordCfg = *opts.CoordinatorConfig
	}
	coord := coordinator.New(opts.Store, opts.Broadcaster, coordCfg, opts.Logger)

	rotCfg := rotation.DefaultConfig()
	if opts.RotationConfig != nil {
		rotCfg = *opts.RotationConfig
	}
	m.rot = rotation.NewManager(coord, rotation.Deps{
		Refresh: opts.Refresh,
		Persist: func(ctx context.Context, pair credential.Pair) {
			m.strategy.SetTokens(ctx, pair)
		},
		CurrentRefreshToken: func(ctx context.Context) string {
			return m.strategy.GetRefreshToken(ctx)
		},
	}, rotCfg, opts.Logger)

	coord.OnExternalRotation(func() {
		// Another peer replaced the persisted pair; our reads go through
		// the store, so there is nothing to invalidate beyond logging.
		m.logger.Info().Msg("credentials rotated by another peer")
	})
	m.strategy.OnTokenExpiring(func() {
		go m.rot.RotateTokens(context.Background(), "expiry-nudge")
	})

	return m
}

func (m *Manager) HasTokens(ctx context.Context) bool {
	return m.strategy.HasTokens(ctx)
}

func (m *Manager) GetAccessToken(ctx context.Context) string {
	return m.strategy.GetAccessToken(ctx)
}

func (m *Manager) GetRefreshToken(ctx context.Context) string {
	return m.strategy.GetRefreshToken(ctx)
}

// SetTokens persists a fresh pair from login or registration and schedules
// its rotation. In opaque mode the server owns rotation of the cookie
// values, so no timers are armed.
func (m *Manager) SetTokens(ctx context.Context, pair credential.Pair) {
	m.strategy.SetTokens(ctx, pair)
	if m.opaque == nil {
		m.rot.ScheduleRotation(pair)
	}
}

// ClearTokens removes the credentials and stops scheduled rotation, as on
// logout.
func (m *Manager) ClearTokens(ctx context.Context) {
	m.strategy.ClearTokens(ctx)
	m.rot.Reset()
}

// GetOrRefreshToken returns a usable access token, refreshing first when
// the stored one is missing or expired. Concurrent callers within this
// peer share one refresh. It never returns an error: an unrecoverable
// refresh clears the credentials (forced logout) and returns "".
func (m *Manager) GetOrRefreshToken(ctx context.Context) string {
	if m.opaque != nil {
		if m.opaque.HasTokens(ctx) {
			return CookieSessionToken
		}
		return ""
	}

	if token := m.strategy.GetAccessToken(ctx); token != "" && !m.strategy.IsTokenExpired(ctx) {
		return token
	}
	if m.strategy.GetRefreshToken(ctx) == "" {
		m.logger.Warn().Msg("no refresh token available, clearing credentials")
		m.ClearTokens(ctx)
		return ""
	}

	v, _, _ := m.group.Do("get-or-refresh", func() (interface{}, error) {
		if pair := m.rot.RotateTokens(ctx, "on-demand"); pair != nil {
			return pair.AccessToken, nil
		}
		// A nil pair can still mean another peer rotated for us.
		if token := m.strategy.GetAccessToken(ctx); token != "" && !m.strategy.IsTokenExpired(ctx) {
			return token, nil
		}
		m.logger.Warn().Msg("token refresh failed, clearing credentials")
		m.ClearTokens(ctx)
		return "", nil
	})
	return v.(string)
}

// ForceTokenRotation rotates immediately, returning the new access token
// or "" on failure.
func (m *Manager) ForceTokenRotation(ctx context.Context) string {
	if pair := m.rot.ForceRotation(ctx); pair != nil {
		return pair.AccessToken
	}
	return ""
}

// RotationState returns this peer's rotation snapshot.
func (m *Manager) RotationState() rotation.State {
	return m.rot.RotationState()
}

// UsingSecureCookies reports whether the opaque (HTTP-only cookie) storage
// variant is active, so callers know to attach a CSRF header instead of a
// bearer token.
func (m *Manager) UsingSecureCookies() bool {
	return m.opaque != nil
}

// CSRFToken returns the cached CSRF token in production, "" otherwise.
func (m *Manager) CSRFToken(ctx context.Context) string {
	if m.opaque == nil {
		return ""
	}
	return m.opaque.CSRFToken(ctx)
}

// Bootstrap arms rotation for credentials already in the store, as on
// process start. With opaque storage there is no observable expiry to
// schedule against, so it only logs presence.
func (m *Manager) Bootstrap(ctx context.Context) {
	if m.local == nil {
		m.logger.Info().Bool("session_present", m.strategy.HasTokens(ctx)).Msg("opaque storage active, rotation is horizon-free")
		return
	}
	pair, ok := m.local.RemainingPair(ctx)
	if !ok {
		m.logger.Info().Msg("no stored credentials to schedule")
		return
	}
	if m.local.IsRefreshTokenExpired(ctx) {
		m.logger.Warn().Msg("stored refresh token already expired, clearing credentials")
		m.ClearTokens(ctx)
		return
	}
	m.rot.ScheduleRotation(pair)
}

// Destroy tears the facade down: timers, coordinator endpoint, rotation
// state. Idempotent.
func (m *Manager) Destroy() {
	m.rot.Destroy()
	if m.local != nil {
		// Drop the expiry-nudge callback without touching stored credentials.
		m.local.OnTokenExpiring(nil)
	}
}
