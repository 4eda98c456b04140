// Package coordinator ensures at most one peer rotates the shared
// credentials at a time. The shared store offers no compare-and-swap, so
// acquisition is write-then-confirm: write an ownership record, wait a
// short delay, and re-read — if two peers wrote in the same window, the one
// whose write survived wins and the other backs off.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvcrn/tokenkeeper/internal/broadcast"
	"github.com/dvcrn/tokenkeeper/internal/kv"
)

// lockKey is where the shared lock record lives in the store.
const lockKey = "rotation_lock"

// lockRecord is the only cross-peer shared mutable record. Timestamp is
// Unix milliseconds. Version increases per attempt by the writing peer and
// is how a peer detects whether its own write survived a race.
type lockRecord struct {
	Timestamp int64  `json:"timestamp"`
	PeerID    string `json:"peerId"`
	Status    string `json:"status"`
	Version   int64  `json:"version"`
}

// Config tunes the lock protocol. Staleness must stay comfortably above
// the expected duration of a remote refresh call (see rotation.Config):
// a rotation that outlives the staleness window can be declared abandoned
// by a peer while still running.
type Config struct {
	// Staleness is the age past which any reader treats a foreign lock
	// record as abandoned.
	Staleness time.Duration
	// ConfirmDelay is how long to wait between writing the lock record and
	// re-reading it to confirm ownership. A tunable, not a proven bound.
	ConfirmDelay time.Duration
	// PollInterval is how often WaitForRotation re-checks for conflicts.
	PollInterval time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		Staleness:    10 * time.Second,
		ConfirmDelay: 50 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
	}
}

// Coordinator is one peer's endpoint on the lock protocol.
type Coordinator struct {
	store  kv.Store
	bc     broadcast.Broadcaster
	cfg    Config
	logger zerolog.Logger
	peerID string
	now    func() time.Time

	mu                 sync.Mutex
	version            int64
	onExternalRotation func()

	destroyOnce sync.Once
}

// NewPeerID generates a process-lifetime peer identifier: creation time
// plus a random suffix, so records and events are attributable in logs.
func NewPeerID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// New creates a coordinator. bc may be nil when no broadcast primitive is
// available; peers then discover foreign rotations through the store alone.
// A stale record left by a crashed peer is cleaned up immediately.
func New(store kv.Store, bc broadcast.Broadcaster, cfg Config, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		store:  store,
		bc:     bc,
		cfg:    cfg,
		logger: logger,
		peerID: NewPeerID(),
		now:    time.Now,
	}
	c.cleanupStale(context.Background())
	if bc != nil {
		go c.receive()
	}
	return c
}

// PeerID returns this coordinator's identifier.
func (c *Coordinator) PeerID() string { return c.peerID }

// OnExternalRotation registers the callback invoked when another peer
// completes a rotation, so this peer can reload credentials from the store.
func (c *Coordinator) OnExternalRotation(fn func()) {
	c.mu.Lock()
	c.onExternalRotation = fn
	c.mu.Unlock()
}

func (c *Coordinator) readRecord(ctx context.Context) *lockRecord {
	b, err := c.store.Get(ctx, lockKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to read rotation lock record")
		return nil
	}
	var rec lockRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		c.logger.Warn().Err(err).Msg("discarding corrupt rotation lock record")
		c.deleteRecord(ctx)
		return nil
	}
	return &rec
}

func (c *Coordinator) writeRecord(ctx context.Context, rec lockRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}
	if err := c.store.Set(ctx, lockKey, b); err != nil {
		return fmt.Errorf("failed to write lock record: %w", err)
	}
	return nil
}

func (c *Coordinator) deleteRecord(ctx context.Context) {
	if err := c.store.Delete(ctx, lockKey); err != nil {
		c.logger.Error().Err(err).Msg("failed to delete rotation lock record")
	}
}

func (c *Coordinator) recordAge(rec *lockRecord) time.Duration {
	return time.Duration(c.now().UnixMilli()-rec.Timestamp) * time.Millisecond
}

func (c *Coordinator) cleanupStale(ctx context.Context) {
	rec := c.readRecord(ctx)
	if rec == nil {
		return
	}
	if age := c.recordAge(rec); age >= c.cfg.Staleness {
		c.logger.Warn().
			Str("holder", rec.PeerID).
			Dur("age", age).
			Msg("removing stale rotation lock left by a crashed peer")
		c.deleteRecord(ctx)
	}
}

// CheckForConflict reports whether another peer currently holds a live
// rotation lock. This peer's own record never conflicts, and a foreign
// record older than the staleness window is treated as abandoned: deleted
// here and reported as no conflict.
func (c *Coordinator) CheckForConflict(ctx context.Context) bool {
	rec := c.readRecord(ctx)
	if rec == nil {
		return false
	}
	if rec.PeerID == c.peerID {
		return false
	}
	if age := c.recordAge(rec); age >= c.cfg.Staleness {
		c.logger.Warn().
			Str("holder", rec.PeerID).
			Dur("age", age).
			Msg("discarding abandoned rotation lock")
		c.deleteRecord(ctx)
		return false
	}
	return true
}

// AcquireLock attempts to take the rotation lock without blocking on a
// live conflict. On a clear slot it writes a started record, announces it,
// then waits ConfirmDelay and re-reads the record: if another peer's write
// displaced ours in that window, the surviving write wins and we lose
// gracefully.
func (c *Coordinator) AcquireLock(ctx context.Context) bool {
	if c.CheckForConflict(ctx) {
		return false
	}

	c.mu.Lock()
	c.version++
	version := c.version
	c.mu.Unlock()

	rec := lockRecord{
		Timestamp: c.now().UnixMilli(),
		PeerID:    c.peerID,
		Status:    broadcast.StatusStarted,
		Version:   version,
	}
	if err := c.writeRecord(ctx, rec); err != nil {
		c.logger.Error().Err(err).Msg("failed to write rotation lock")
		return false
	}
	c.post(ctx, broadcast.StatusStarted, version)

	select {
	case <-time.After(c.cfg.ConfirmDelay):
	case <-ctx.Done():
		return false
	}

	confirmed := c.readRecord(ctx)
	if confirmed == nil || confirmed.PeerID != c.peerID || confirmed.Version != version {
		holder := "<none>"
		if confirmed != nil {
			holder = confirmed.PeerID
		}
		c.logger.Warn().
			Str("holder", holder).
			Int64("version", version).
			Msg("lost rotation lock race during confirmation")
		return false
	}
	return true
}

// ReleaseLock removes the shared record and announces the outcome with the
// version that was active.
func (c *Coordinator) ReleaseLock(ctx context.Context, success bool) {
	c.mu.Lock()
	version := c.version
	c.mu.Unlock()

	c.deleteRecord(ctx)
	status := broadcast.StatusCompleted
	if !success {
		status = broadcast.StatusFailed
	}
	c.post(ctx, status, version)
}

// WaitForRotation polls for conflict resolution until maxWait elapses.
// It returns true when the conflicting rotation is gone, false on timeout.
func (c *Coordinator) WaitForRotation(ctx context.Context, maxWait time.Duration) bool {
	deadline := c.now().Add(maxWait)
	for {
		if !c.CheckForConflict(ctx) {
			return true
		}
		if !c.now().Before(deadline) {
			c.logger.Warn().Dur("max_wait", maxWait).Msg("timed out waiting for another peer's rotation")
			return false
		}
		select {
		case <-time.After(c.cfg.PollInterval):
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Coordinator) post(ctx context.Context, status string, version int64) {
	if c.bc == nil {
		return
	}
	msg := broadcast.Message{
		Timestamp: c.now().UnixMilli(),
		PeerID:    c.peerID,
		Status:    status,
		Version:   version,
	}
	if err := c.bc.Post(ctx, msg); err != nil {
		c.logger.Warn().Err(err).Str("status", status).Msg("failed to broadcast rotation event")
	}
}

func (c *Coordinator) receive() {
	for msg := range c.bc.Messages() {
		if msg.PeerID == c.peerID {
			continue
		}
		switch msg.Status {
		case broadcast.StatusCompleted:
			c.logger.Info().Str("peer", msg.PeerID).Int64("version", msg.Version).Msg("another peer completed a rotation")
			c.mu.Lock()
			fn := c.onExternalRotation
			c.mu.Unlock()
			if fn != nil {
				fn()
			}
		case broadcast.StatusStarted, broadcast.StatusFailed:
			c.logger.Debug().Str("peer", msg.PeerID).Str("status", msg.Status).Msg("rotation event from another peer")
		default:
			c.logger.Debug().Str("peer", msg.PeerID).Str("status", msg.Status).Msg("ignoring unknown rotation event")
		}
	}
}

// Destroy closes the broadcast endpoint. Safe to call repeatedly and when
// no broadcaster was configured.
func (c *Coordinator) Destroy() {
	c.destroyOnce.Do(func() {
		if c.bc != nil {
			if err := c.bc.Close(); err != nil {
				c.logger.Warn().Err(err).Msg("failed to close broadcast endpoint")
			}
		}
	})
}
