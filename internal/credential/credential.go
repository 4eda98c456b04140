// Package credential defines the credential pair exchanged with the remote
// authority and the storage strategies that persist it.
package credential

import (
	"fmt"
	"time"
)

// Pair is a fresh access/refresh credential pair as returned by the remote
// authority's login, register and refresh operations. Tokens are opaque
// strings; TTLs are durations in seconds relative to the response time.
// A pair is immutable: rotation produces a brand-new pair that replaces
// the old one wholesale.
type Pair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// maxTTL rejects TTLs that can only come from a corrupted response or a
// broken clock.
const maxTTL = int64(100 * 365 * 24 * 60 * 60)

// Validate reports whether the pair is safe to persist.
func (p Pair) Validate() error {
	if p.AccessToken == "" {
		return fmt.Errorf("credential pair has empty access token")
	}
	if p.RefreshToken == "" {
		return fmt.Errorf("credential pair has empty refresh token")
	}
	if p.ExpiresIn < 0 || p.ExpiresIn > maxTTL {
		return fmt.Errorf("credential pair has invalid access TTL %d", p.ExpiresIn)
	}
	if p.RefreshExpiresIn < 0 || p.RefreshExpiresIn > maxTTL {
		return fmt.Errorf("credential pair has invalid refresh TTL %d", p.RefreshExpiresIn)
	}
	return nil
}

// stored is the persisted representation: absolute expiry timestamps
// computed at write time, never mutated in place.
type stored struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}
