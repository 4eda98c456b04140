package credential

import (
	"context"
	"time"
)

// ExpiryBuffer is how long before actual access-token expiry a token is
// already treated as expired, covering clock skew and in-flight request
// time. Refresh-token expiry is checked without a buffer.
const ExpiryBuffer = 60 * time.Second

// Strategy persists and answers questions about the credential pair.
// Implementations never surface storage failures to callers: a failed
// read or write is logged and treated as a no-op, so every method has a
// defined answer even when the underlying medium is broken.
//
// Exactly two implementations exist: LocalStore, where token values are
// readable, and OpaqueStore, where a server manages the values and only
// their existence is observable. The variant is chosen once at startup.
type Strategy interface {
	HasTokens(ctx context.Context) bool
	GetAccessToken(ctx context.Context) string
	GetRefreshToken(ctx context.Context) string
	IsTokenExpired(ctx context.Context) bool
	IsRefreshTokenExpired(ctx context.Context) bool
	SetTokens(ctx context.Context, pair Pair)
	ClearTokens(ctx context.Context)

	// OnTokenExpiring registers a callback fired shortly before the access
	// token expires, as a per-peer nudge independent of scheduled rotation.
	OnTokenExpiring(fn func())
}
