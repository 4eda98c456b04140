package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists under the key.
var ErrNotFound = errors.New("kv: key not found")

// Store is a shared key/value store visible to every cooperating peer.
// Values are always replaced wholesale; there are no partial updates and
// no compare-and-swap, so callers that need mutual exclusion must layer
// their own confirmation protocol on top (see the coordinator package).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
