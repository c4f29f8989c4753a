// Package kvstore provides the persistent key-value store shared by the
// tracker components. Each component owns a disjoint key namespace, so no
// cross-component locking is needed.
package kvstore

import "context"

// Store is a minimal JSON-blob key-value store. Get returns (nil, nil) when
// the key is absent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
