//go:build js && wasm

package kv

import (
	"context"
	"fmt"

	workerskv "github.com/syumai/workers/cloudflare/kv"
)

// WorkersStore backs the shared store with a Cloudflare KV namespace when
// the binary runs inside a Worker. The binding name is configured in
// wrangler.toml.
type WorkersStore struct {
	ns *workerskv.Namespace
}

func NewWorkersStore(binding string) (*WorkersStore, error) {
	ns, err := workerskv.NewNamespace(binding)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &WorkersStore{ns: ns}, nil
}

func (s *WorkersStore) Get(_ context.Context, key string) ([]byte, error) {
	v, err := s.ns.GetString(key, nil)
	if err != nil {
		return nil, fmt.Errorf("workers kv get %s: %w", key, err)
	}
	if v == "" {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

func (s *WorkersStore) Set(_ context.Context, key string, value []byte) error {
	if err := s.ns.PutString(key, string(value), nil); err != nil {
		return fmt.Errorf("workers kv put %s: %w", key, err)
	}
	return nil
}

func (s *WorkersStore) Delete(_ context.Context, key string) error {
	if err := s.ns.Delete(key); err != nil {
		return fmt.Errorf("workers kv delete %s: %w", key, err)
	}
	return nil
}
