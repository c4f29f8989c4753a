package kvstore

import (
	"context"
	"sync"
)

// MemoryStore is the in-process fallback store. Contents do not survive a
// restart; it only keeps the tracker functional while Redis is down.
type MemoryStore struct {
	values sync.Map
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, ok := s.values.Load(key)
	if !ok {
		return nil, nil
	}
	return val.([]byte), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	s.values.Store(key, buf)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.values.Delete(key)
	return nil
}
