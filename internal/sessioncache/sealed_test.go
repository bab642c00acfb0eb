package sessioncache

import (
	"context"
	"testing"

	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/toto"
)

func testCache(t *testing.T) *SealedCache {
	c, err := NewSealedCache(
		[]byte("0123456789abcdef"),
		[]byte("abcdef9876543210"),
		[]byte("hmac-signing-key"),
		16,
	)
	if err != nil {
		t.Fatalf("NewSealedCache: %v", err)
	}
	return c
}

func TestSealedCacheRoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	sess := &session.Session{
		SessionID: "ignored-on-store",
		UserID:    "u-1",
		Expires:   1893456000,
		State:     map[string]any{"count": float64(3)},
	}

	token, err := c.Store(ctx, sess)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := c.Load(ctx, token)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.SessionID != token {
		t.Fatalf("expected session_id rewritten to token, got %q want %q", got.SessionID, token)
	}
	if got.UserID != sess.UserID || got.Expires != sess.Expires {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	if got.State["count"] != float64(3) {
		t.Fatalf("expected state to round trip, got %+v", got.State)
	}
}

func TestSealedCacheTamperDetected(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	token, err := c.Store(ctx, &session.Session{UserID: "u-1", Expires: 1893456000})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Force a cache miss on the LRU front-cache so Load exercises the
	// full decode/verify path rather than returning the cached value.
	c.decode.Remove(token)

	tampered := []byte(token)
	tampered[0] ^= 1
	_, err = c.Load(ctx, string(tampered))
	te, ok := err.(*toto.Error)
	if ok && te.Code == toto.ErrInvalidHMAC {
		return
	}
	// A flipped base64 char can also fail to decode cleanly; either
	// way it must not succeed and it must not panic.
	if err == nil {
		t.Fatalf("expected tampering to be rejected")
	}
}

func TestSealedCacheRemoveIsNoopButClearsFrontCache(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	token, _ := c.Store(ctx, &session.Session{UserID: "u-1", Expires: 1893456000})

	if err := c.Remove(ctx, token); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Still loadable: state lives in the token, not server-side.
	if _, err := c.Load(ctx, token); err != nil {
		t.Fatalf("expected token to remain loadable after Remove: %v", err)
	}
}
