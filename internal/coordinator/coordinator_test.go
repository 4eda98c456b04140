package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/tokenkeeper/internal/broadcast"
	"github.com/dvcrn/tokenkeeper/internal/kv"
)

func testConfig() Config {
	return Config{
		Staleness:    10 * time.Second,
		ConfirmDelay: 50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func seedRecord(t *testing.T, store kv.Store, rec lockRecord) {
	t.Helper()
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), lockKey, b))
}

func TestAcquireLockOnEmptySlot(t *testing.T) {
	store := kv.NewMemoryStore()
	c := New(store, nil, testConfig(), zerolog.Nop())
	defer c.Destroy()
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx))

	// The holder never conflicts with itself.
	assert.False(t, c.CheckForConflict(ctx))
	assert.False(t, c.CheckForConflict(ctx))

	c.ReleaseLock(ctx, true)
	_, err := store.Get(ctx, lockKey)
	assert.ErrorIs(t, err, kv.ErrNotFound, "release must delete the shared record")
}

func TestAcquireLockRespectsLiveForeignLock(t *testing.T) {
	store := kv.NewMemoryStore()
	c := New(store, nil, testConfig(), zerolog.Nop())
	defer c.Destroy()
	ctx := context.Background()

	seedRecord(t, store, lockRecord{
		Timestamp: time.Now().UnixMilli(),
		PeerID:    "other-peer",
		Status:    broadcast.StatusStarted,
		Version:   7,
	})

	assert.True(t, c.CheckForConflict(ctx))
	assert.False(t, c.AcquireLock(ctx))
}

func TestStaleForeignLockIsDiscarded(t *testing.T) {
	store := kv.NewMemoryStore()
	c := New(store, nil, testConfig(), zerolog.Nop())
	defer c.Destroy()
	ctx := context.Background()

	seedRecord(t, store, lockRecord{
		Timestamp: time.Now().Add(-11 * time.Second).UnixMilli(),
		PeerID:    "crashed-peer",
		Status:    broadcast.StatusStarted,
		Version:   3,
	})

	assert.False(t, c.CheckForConflict(ctx), "stale record must be treated as abandoned")
	_, err := store.Get(ctx, lockKey)
	assert.ErrorIs(t, err, kv.ErrNotFound, "stale record must be deleted by the reader")

	assert.True(t, c.AcquireLock(ctx))
	c.ReleaseLock(ctx, true)
}

func TestConstructorCleansUpStaleRecord(t *testing.T) {
	store := kv.NewMemoryStore()
	seedRecord(t, store, lockRecord{
		Timestamp: time.Now().Add(-time.Minute).UnixMilli(),
		PeerID:    "crashed-peer",
		Status:    broadcast.StatusStarted,
		Version:   1,
	})

	c := New(store, nil, testConfig(), zerolog.Nop())
	defer c.Destroy()

	_, err := store.Get(context.Background(), lockKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestCorruptRecordIsDiscarded(t *testing.T) {
	store := kv.NewMemoryStore()
	c := New(store, nil, testConfig(), zerolog.Nop())
	defer c.Destroy()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, lockKey, []byte("not json")))
	assert.False(t, c.CheckForConflict(ctx))
	_, err := store.Get(ctx, lockKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestConcurrentAcquireExactlyOneWinner(t *testing.T) {
	store := kv.NewMemoryStore()
	a := New(store, nil, testConfig(), zerolog.Nop())
	b := New(store, nil, testConfig(), zerolog.Nop())
	defer a.Destroy()
	defer b.Destroy()

	var wg sync.WaitGroup
	results := make([]bool, 2)
	start := make(chan struct{})
	for i, c := range []*Coordinator{a, b} {
		wg.Add(1)
		go func(i int, c *Coordinator) {
			defer wg.Done()
			<-start
			results[i] = c.AcquireLock(context.Background())
		}(i, c)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, won := range results {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one of two racing peers may hold the lock")
}

func TestLostRaceDuringConfirmation(t *testing.T) {
	store := kv.NewMemoryStore()
	c := New(store, nil, testConfig(), zerolog.Nop())
	defer c.Destroy()
	ctx := context.Background()

	// Displace this peer's record during its confirmation window, the
	// interleaving where another peer wrote in the same tick.
	done := make(chan bool, 1)
	go func() { done <- c.AcquireLock(ctx) }()
	time.Sleep(10 * time.Millisecond)
	seedRecord(t, store, lockRecord{
		Timestamp: time.Now().UnixMilli(),
		PeerID:    "other-peer",
		Status:    broadcast.StatusStarted,
		Version:   1,
	})

	assert.False(t, <-done, "a displaced write must lose gracefully")
}

func TestWaitForRotation(t *testing.T) {
	t.Run("resolves when the foreign lock is released", func(t *testing.T) {
		store := kv.NewMemoryStore()
		c := New(store, nil, testConfig(), zerolog.Nop())
		defer c.Destroy()
		ctx := context.Background()

		seedRecord(t, store, lockRecord{
			Timestamp: time.Now().UnixMilli(),
			PeerID:    "other-peer",
			Status:    broadcast.StatusStarted,
			Version:   1,
		})
		go func() {
			time.Sleep(40 * time.Millisecond)
			_ = store.Delete(ctx, lockKey)
		}()

		assert.True(t, c.WaitForRotation(ctx, time.Second))
	})

	t.Run("times out while the foreign lock stays live", func(t *testing.T) {
		store := kv.NewMemoryStore()
		c := New(store, nil, testConfig(), zerolog.Nop())
		defer c.Destroy()
		ctx := context.Background()

		// Keep the record fresh so staleness recovery cannot kick in.
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			for {
				select {
				case <-stop:
					return
				case <-time.After(20 * time.Millisecond):
					seedRecord(t, store, lockRecord{
						Timestamp: time.Now().UnixMilli(),
						PeerID:    "other-peer",
						Status:    broadcast.StatusStarted,
						Version:   1,
					})
				}
			}
		}()
		seedRecord(t, store, lockRecord{
			Timestamp: time.Now().UnixMilli(),
			PeerID:    "other-peer",
			Status:    broadcast.StatusStarted,
			Version:   1,
		})

		assert.False(t, c.WaitForRotation(ctx, 100*time.Millisecond))
	})
}

func TestExternalRotationCallback(t *testing.T) {
	store := kv.NewMemoryStore()
	hub := broadcast.NewHub()
	a := New(store, hub.Channel(), testConfig(), zerolog.Nop())
	b := New(store, hub.Channel(), testConfig(), zerolog.Nop())
	defer a.Destroy()
	defer b.Destroy()
	ctx := context.Background()

	notified := make(chan struct{}, 4)
	b.OnExternalRotation(func() { notified <- struct{}{} })

	// A full acquire/release cycle emits started then completed; only the
	// completed event may trigger the callback, and never on peer A itself.
	aNotified := make(chan struct{}, 4)
	a.OnExternalRotation(func() { aNotified <- struct{}{} })

	require.True(t, a.AcquireLock(ctx))
	a.ReleaseLock(ctx, true)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("peer B never saw the completed rotation")
	}
	select {
	case <-notified:
		t.Fatal("callback fired more than once for a single rotation")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case <-aNotified:
		t.Fatal("peer A reacted to its own broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFailedRotationDoesNotNotify(t *testing.T) {
	store := kv.NewMemoryStore()
	hub := broadcast.NewHub()
	a := New(store, hub.Channel(), testConfig(), zerolog.Nop())
	b := New(store, hub.Channel(), testConfig(), zerolog.Nop())
	defer a.Destroy()
	defer b.Destroy()
	ctx := context.Background()

	notified := make(chan struct{}, 4)
	b.OnExternalRotation(func() { notified <- struct{}{} })

	require.True(t, a.AcquireLock(ctx))
	a.ReleaseLock(ctx, false)

	select {
	case <-notified:
		t.Fatal("failed rotations must not trigger the external-rotation callback")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	hub := broadcast.NewHub()
	c := New(kv.NewMemoryStore(), hub.Channel(), testConfig(), zerolog.Nop())
	c.Destroy()
	c.Destroy()

	// And with no broadcaster at all.
	c2 := New(kv.NewMemoryStore(), nil, testConfig(), zerolog.Nop())
	c2.Destroy()
	c2.Destroy()
}

func TestPeerIDsAreUnique(t *testing.T) {
	a := NewPeerID()
	b := NewPeerID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
