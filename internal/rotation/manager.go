// Package rotation schedules and performs credential rotations for one
// peer: timers ahead of both expiry horizons, retry with exponential
// backoff, and in-flight deduplication so concurrent callers share a
// single remote refresh call.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dvcrn/tokenkeeper/internal/coordinator"
	"github.com/dvcrn/tokenkeeper/internal/credential"
)

// ErrNoRefreshToken means rotation was attempted with no refresh token in
// the store. Retrying cannot help; whether to clear credentials is the
// facade's decision, not this package's.
var ErrNoRefreshToken = errors.New("no refresh token available")

// RefreshFunc performs the remote refresh call: it exchanges the current
// refresh token for a brand-new credential pair. Supplied by the
// surrounding application; the network plumbing lives outside this core.
type RefreshFunc func(ctx context.Context, refreshToken string) (credential.Pair, error)

// Deps are the manager's injection points, resolved once at composition
// time so the manager can never run partially configured.
type Deps struct {
	// Refresh performs the remote refresh call.
	Refresh RefreshFunc
	// Persist writes a freshly rotated pair through the storage strategy.
	Persist func(ctx context.Context, pair credential.Pair)
	// CurrentRefreshToken returns the refresh token now in the store, or
	// "" when absent.
	CurrentRefreshToken func(ctx context.Context) string
}

// Config tunes scheduling and retry. The lock wait timeout together with
// the coordinator's staleness window bounds how long a rotation may take;
// keep the remote refresh timeout below the staleness window or a peer may
// declare a still-running rotation abandoned.
type Config struct {
	// AccessRotationBuffer is how long before access-token expiry the
	// scheduled rotation fires.
	AccessRotationBuffer time.Duration
	// RefreshRotationBuffer is how long before refresh-token expiry the
	// scheduled rotation fires.
	RefreshRotationBuffer time.Duration
	// MaxRetryAttempts bounds consecutive failed attempts before giving up.
	MaxRetryAttempts int
	// BaseRetryDelay seeds the exponential backoff.
	BaseRetryDelay time.Duration
	// LockWaitTimeout bounds how long a rotation waits for another peer's
	// rotation to finish.
	LockWaitTimeout time.Duration
}

// DefaultConfig returns the standard rotation timings.
func DefaultConfig() Config {
	return Config{
		AccessRotationBuffer:  5 * time.Minute,
		RefreshRotationBuffer: 24 * time.Hour,
		MaxRetryAttempts:      3,
		BaseRetryDelay:        time.Second,
		LockWaitTimeout:       30 * time.Second,
	}
}

// State is a per-peer snapshot of rotation progress. The zero value is the
// state after construction and after Destroy.
type State struct {
	IsRotating            bool
	LastRotationTime      time.Time
	FailedAttempts        int
	NextScheduledRotation time.Time
}

// Manager owns rotation for one peer.
type Manager struct {
	coord  *coordinator.Coordinator
	deps   Deps
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	group singleflight.Group

	mu           sync.Mutex
	state        State
	accessTimer  *time.Timer
	refreshTimer *time.Timer
	retryTimer   *time.Timer
	destroyed    bool
}

func NewManager(coord *coordinator.Coordinator, deps Deps, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		coord:  coord,
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Coordinator returns the conflict coordinator this manager rotates under.
func (m *Manager) Coordinator() *coordinator.Coordinator { return m.coord }

// ScheduleRotation cancels any previously armed timers and arms two
// independent ones: ahead of access-token expiry and ahead of
// refresh-token expiry. A trigger time already in the past fires
// immediately. The earlier of the two is tracked as NextScheduledRotation.
func (m *Manager) ScheduleRotation(pair credential.Pair) {
	if err := pair.Validate(); err != nil {
		m.logger.Error().Err(err).Msg("not scheduling rotation for invalid pair")
		return
	}
	now := m.now()
	if now.IsZero() {
		m.logger.Error().Msg("not scheduling rotation, clock returned zero time")
		return
	}

	accessAt := now.Add(time.Duration(pair.ExpiresIn)*time.Second - m.cfg.AccessRotationBuffer)
	refreshAt := now.Add(time.Duration(pair.RefreshExpiresIn)*time.Second - m.cfg.RefreshRotationBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.stopTimersLocked()

	m.accessTimer = time.AfterFunc(delayUntil(now, accessAt), func() {
		m.RotateTokens(context.Background(), "access-expiry")
	})
	m.refreshTimer = time.AfterFunc(delayUntil(now, refreshAt), func() {
		m.RotateTokens(context.Background(), "refresh-expiry")
	})

	next := accessAt
	if refreshAt.Before(next) {
		next = refreshAt
	}
	m.state.NextScheduledRotation = next

	m.logger.Debug().
		Time("access_rotation_at", accessAt).
		Time("refresh_rotation_at", refreshAt).
		Msg("rotation timers armed")
}

func delayUntil(now, at time.Time) time.Duration {
	d := at.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RotateTokens rotates now, for the given reason. Concurrent callers
// within this peer share one in-flight rotation and receive the same
// result. Failures are retried in the background per the backoff policy;
// the caller observes them as a nil pair, never as a panic or error to
// handle.
func (m *Manager) RotateTokens(ctx context.Context, reason string) *credential.Pair {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("rotate", func() (interface{}, error) {
		return m.rotate(ctx, reason)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("reason", reason).Msg("rotation failed")
		return nil
	}
	pair, _ := v.(*credential.Pair)
	return pair
}

// ForceRotation drops the scheduled timers and rotates immediately.
func (m *Manager) ForceRotation(ctx context.Context) *credential.Pair {
	m.mu.Lock()
	m.stopTimersLocked()
	m.state.NextScheduledRotation = time.Time{}
	m.mu.Unlock()
	return m.RotateTokens(ctx, "manual")
}

// rotate is the rotation procedure: acquire the cross-peer lock, call the
// remote refresh, persist, reschedule. The lock is always released with
// the real outcome. A nil pair with nil error means another peer rotated
// for us while we waited.
func (m *Manager) rotate(ctx context.Context, reason string) (*credential.Pair, error) {
	if m.deps.Refresh == nil || m.deps.Persist == nil || m.deps.CurrentRefreshToken == nil {
		return nil, fmt.Errorf("rotation manager is missing dependencies")
	}

	m.setRotating(true)
	defer m.setRotating(false)

	m.logger.Info().Str("reason", reason).Msg("starting token rotation")

	if !m.coord.AcquireLock(ctx) {
		if !m.coord.WaitForRotation(ctx, m.cfg.LockWaitTimeout) {
			return nil, m.failed(fmt.Errorf("timeout waiting for another peer's rotation"), false)
		}
		// The conflicting rotation resolved. If it left a refresh token
		// behind, the work is already done.
		if m.deps.CurrentRefreshToken(ctx) != "" {
			m.logger.Info().Msg("another peer rotated the credentials, skipping remote refresh")
			m.markSuccess()
			return nil, nil
		}
		if !m.coord.AcquireLock(ctx) {
			return nil, m.failed(fmt.Errorf("failed to acquire rotation lock after waiting"), false)
		}
	}

	success := false
	defer func() { m.coord.ReleaseLock(ctx, success) }()

	refreshToken := m.deps.CurrentRefreshToken(ctx)
	if refreshToken == "" {
		return nil, m.failed(ErrNoRefreshToken, true)
	}

	pair, err := m.deps.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, m.failed(fmt.Errorf("remote refresh failed: %w", err), false)
	}
	if err := pair.Validate(); err != nil {
		return nil, m.failed(fmt.Errorf("remote refresh returned invalid pair: %w", err), false)
	}

	m.deps.Persist(ctx, pair)
	m.markSuccess()
	m.ScheduleRotation(pair)
	success = true

	m.logger.Info().Str("reason", reason).Msg("token rotation completed")
	return &pair, nil
}

func (m *Manager) setRotating(v bool) {
	m.mu.Lock()
	m.state.IsRotating = v
	m.mu.Unlock()
}

func (m *Manager) markSuccess() {
	m.mu.Lock()
	m.state.FailedAttempts = 0
	m.state.LastRotationTime = m.now()
	m.mu.Unlock()
}

// failed records a failed attempt and, unless terminal, schedules a retry
// with exponential backoff. When attempts are exhausted all timers are
// dropped and the failure is surfaced to the caller.
func (m *Manager) failed(err error, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.FailedAttempts++
	attempts := m.state.FailedAttempts

	if terminal {
		m.logger.Error().Err(err).Msg("rotation failed, not retrying")
		return err
	}
	if attempts >= m.cfg.MaxRetryAttempts {
		m.logger.Error().Err(err).Int("attempts", attempts).Msg("rotation retries exhausted, giving up")
		m.stopTimersLocked()
		m.state.NextScheduledRotation = time.Time{}
		return err
	}

	delay := backoffDelay(m.cfg.BaseRetryDelay, attempts)
	m.logger.Warn().Err(err).
		Int("attempt", attempts).
		Dur("retry_in", delay).
		Msg("rotation failed, retrying")
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, func() {
		m.RotateTokens(context.Background(), "retry")
	})
	return err
}

// RotationState returns a snapshot of this peer's rotation progress.
func (m *Manager) RotationState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset stops scheduled work and zeroes the state, as on logout. Unlike
// Destroy the manager stays usable for a later login.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.stopTimersLocked()
	m.state = State{}
	m.mu.Unlock()
}

// Destroy stops all timers, destroys the coordinator endpoint and resets
// the state. Idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.stopTimersLocked()
	m.state = State{}
	m.destroyed = true
	m.mu.Unlock()
	m.coord.Destroy()
}

func (m *Manager) stopTimersLocked() {
	for _, t := range []*time.Timer{m.accessTimer, m.refreshTimer, m.retryTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.accessTimer, m.refreshTimer, m.retryTimer = nil, nil, nil
}
