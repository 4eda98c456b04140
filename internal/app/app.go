package app

import (
	"github.com/dvcrn/tokenkeeper/internal/manager"
)

// NewCredentialManager composes the credential facade from the given
// options. Kept as the single composition point so every entry point wires
// the stack the same way.
func NewCredentialManager(opts manager.Options) *manager.Manager {
	return manager.New(opts)
}
