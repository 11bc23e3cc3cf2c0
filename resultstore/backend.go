package resultstore

import (
	"context"
	"time"
)

// Backend is the minimal contract a physical tier must satisfy. It is
// intentionally narrow — Put/Get/Delete by opaque key — so any key/value
// technology can back a tier; Tiered in this package composes three
// Backends (inline, kv, object) behind the Store interface.
type Backend interface {
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}
