package credential

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProbe bool

func (p staticProbe) SessionPresent(context.Context) (bool, error) {
	return bool(p), nil
}

func TestOpaqueStoreNeverExposesValues(t *testing.T) {
	store := NewOpaqueStore(staticProbe(true), nil, true, zerolog.Nop())
	ctx := context.Background()

	assert.Empty(t, store.GetAccessToken(ctx))
	assert.Empty(t, store.GetRefreshToken(ctx))
	assert.True(t, store.HasTokens(ctx))
	assert.False(t, store.IsTokenExpired(ctx))
	assert.False(t, store.IsRefreshTokenExpired(ctx))
}

func TestOpaqueStoreAbsentSession(t *testing.T) {
	store := NewOpaqueStore(staticProbe(false), nil, true, zerolog.Nop())
	ctx := context.Background()

	assert.False(t, store.HasTokens(ctx))
	assert.True(t, store.IsTokenExpired(ctx))
	assert.True(t, store.IsRefreshTokenExpired(ctx))
}

func TestOpaqueStoreCSRFOutsideProduction(t *testing.T) {
	fetch := func(context.Context) (string, error) { return "csrf-1", nil }
	store := NewOpaqueStore(staticProbe(true), fetch, false, zerolog.Nop())

	assert.Empty(t, store.CSRFToken(context.Background()))
}

func TestOpaqueStoreCSRFCaching(t *testing.T) {
	var calls atomic.Int32
	fetch := func(context.Context) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf("csrf-%d", n), nil
	}
	store := NewOpaqueStore(staticProbe(true), fetch, true, zerolog.Nop())
	ctx := context.Background()

	require.Equal(t, "csrf-1", store.CSRFToken(ctx))
	require.Equal(t, "csrf-1", store.CSRFToken(ctx), "second call must reuse the cached token")
	assert.Equal(t, int32(1), calls.Load())

	// Past the cache window a new token is fetched.
	store.now = func() time.Time { return time.Now().Add(csrfCacheTTL + time.Minute) }
	assert.Equal(t, "csrf-2", store.CSRFToken(ctx))
}

func TestOpaqueStoreCSRFDeduplicatesConcurrentFetches(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "csrf-shared", nil
	}
	store := NewOpaqueStore(staticProbe(true), fetch, true, zerolog.Nop())

	const n = 8
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.CSRFToken(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent callers must share one in-flight fetch")
	for _, r := range results {
		assert.Equal(t, "csrf-shared", r)
	}
}

func TestOpaqueStoreClearDropsCSRFCache(t *testing.T) {
	var calls atomic.Int32
	fetch := func(context.Context) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf("csrf-%d", n), nil
	}
	store := NewOpaqueStore(staticProbe(true), fetch, true, zerolog.Nop())
	ctx := context.Background()

	require.Equal(t, "csrf-1", store.CSRFToken(ctx))
	store.ClearTokens(ctx)
	assert.Equal(t, "csrf-2", store.CSRFToken(ctx))
}
