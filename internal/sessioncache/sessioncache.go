// Package sessioncache implements the two cache variants from spec
// §4.2 that sit in front of (or replace) the session store: a remote
// KV cache, and a self-contained sealed-token cache that needs no
// server-side storage at all.
package sessioncache

import (
	"context"

	"github.com/jeremyot/toto/internal/session"
)

// Cache is the front-of-store abstraction from spec §4.2. Load
// returns (nil, nil) on a cache miss, exactly like Store.RetrieveSession.
type Cache interface {
	Store(ctx context.Context, sess *session.Session) (string, error)
	Load(ctx context.Context, token string) (*session.Session, error)
	Remove(ctx context.Context, token string) error
}
