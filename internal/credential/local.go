package credential

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dvcrn/tokenkeeper/internal/kv"
	"github.com/rs/zerolog"
)

// storeKey is the fixed key the credential record lives under in the
// shared store.
const storeKey = "credentials"

// LocalStore is the readable storage strategy: the credential record is
// persisted as JSON in a shared kv.Store and both token values can be read
// back. Used everywhere except production.
type LocalStore struct {
	store  kv.Store
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	expiryTimer *time.Timer
	onExpiring  func()
}

func NewLocalStore(store kv.Store, logger zerolog.Logger) *LocalStore {
	return &LocalStore{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (l *LocalStore) read(ctx context.Context) *stored {
	b, err := l.store.Get(ctx, storeKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to read credentials, treating as absent")
		return nil
	}
	var s stored
	if err := json.Unmarshal(b, &s); err != nil {
		l.logger.Error().Err(err).Msg("failed to parse stored credentials, treating as absent")
		return nil
	}
	return &s
}

func (l *LocalStore) HasTokens(ctx context.Context) bool {
	s := l.read(ctx)
	return s != nil && s.AccessToken != "" && s.RefreshToken != ""
}

func (l *LocalStore) GetAccessToken(ctx context.Context) string {
	if s := l.read(ctx); s != nil {
		return s.AccessToken
	}
	return ""
}

func (l *LocalStore) GetRefreshToken(ctx context.Context) string {
	if s := l.read(ctx); s != nil {
		return s.RefreshToken
	}
	return ""
}

// IsTokenExpired treats the access token as expired ExpiryBuffer before its
// actual expiry. An absent record counts as expired.
func (l *LocalStore) IsTokenExpired(ctx context.Context) bool {
	s := l.read(ctx)
	if s == nil {
		return true
	}
	return !l.now().Add(ExpiryBuffer).Before(s.ExpiresAt)
}

// IsRefreshTokenExpired checks the refresh horizon with no buffer.
func (l *LocalStore) IsRefreshTokenExpired(ctx context.Context) bool {
	s := l.read(ctx)
	if s == nil {
		return true
	}
	return !l.now().Before(s.RefreshExpiresAt)
}

// SetTokens computes absolute expiry timestamps from the pair's TTLs at
// call time and replaces the stored record wholesale. Invalid pairs and
// nonsensical clocks are rejected without touching the store.
func (l *LocalStore) SetTokens(ctx context.Context, pair Pair) {
	if err := pair.Validate(); err != nil {
		l.logger.Error().Err(err).Msg("rejecting invalid credential pair")
		return
	}
	now := l.now()
	if now.IsZero() {
		l.logger.Error().Msg("rejecting credential write, clock returned zero time")
		return
	}
	s := stored{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		ExpiresAt:        now.Add(time.Duration(pair.ExpiresIn) * time.Second),
		RefreshExpiresAt: now.Add(time.Duration(pair.RefreshExpiresIn) * time.Second),
	}
	b, err := json.Marshal(s)
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to marshal credentials")
		return
	}
	if err := l.store.Set(ctx, storeKey, b); err != nil {
		l.logger.Error().Err(err).Msg("failed to persist credentials")
		return
	}
	l.armExpiryTimer(s.ExpiresAt)
}

// ClearTokens removes the stored record and cancels the pending expiry
// nudge.
func (l *LocalStore) ClearTokens(ctx context.Context) {
	if err := l.store.Delete(ctx, storeKey); err != nil {
		l.logger.Error().Err(err).Msg("failed to clear credentials")
	}
	l.mu.Lock()
	if l.expiryTimer != nil {
		l.expiryTimer.Stop()
		l.expiryTimer = nil
	}
	l.mu.Unlock()
}

// RemainingPair reconstructs a credential pair from the stored record with
// TTLs relative to now, for re-arming rotation timers after a restart.
// ok is false when no complete record exists.
func (l *LocalStore) RemainingPair(ctx context.Context) (Pair, bool) {
	s := l.read(ctx)
	if s == nil || s.AccessToken == "" || s.RefreshToken == "" {
		return Pair{}, false
	}
	now := l.now()
	remaining := func(at time.Time) int64 {
		d := int64(at.Sub(now) / time.Second)
		if d < 0 {
			return 0
		}
		return d
	}
	return Pair{
		AccessToken:      s.AccessToken,
		RefreshToken:     s.RefreshToken,
		ExpiresIn:        remaining(s.ExpiresAt),
		RefreshExpiresIn: remaining(s.RefreshExpiresAt),
	}, true
}

func (l *LocalStore) OnTokenExpiring(fn func()) {
	l.mu.Lock()
	l.onExpiring = fn
	l.mu.Unlock()
}

// armExpiryTimer schedules the expiry nudge ExpiryBuffer before the access
// token expires, or immediately if already inside the window.
func (l *LocalStore) armExpiryTimer(expiresAt time.Time) {
	delay := expiresAt.Add(-ExpiryBuffer).Sub(l.now())
	if delay < 0 {
		delay = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expiryTimer != nil {
		l.expiryTimer.Stop()
	}
	l.expiryTimer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		fn := l.onExpiring
		l.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
