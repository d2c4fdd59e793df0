package cache

import (
	"context"
	"time"
)

// StoredObject describes one object held by a SecondaryStore.
type StoredObject struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// SecondaryStore is the durable tier. Values are encoded image bytes.
// Get returns an error matching errors.ErrNotFound for missing keys.
type SecondaryStore interface {
	// Put stores data and returns the bytes it occupies in the store.
	Put(ctx context.Context, key string, data []byte) (int64, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	List(ctx context.Context) ([]StoredObject, error)
	Close() error
}
