package session

import (
	"context"
	"testing"
	"time"

	"github.com/jeremyot/toto/internal/toto"
)

func TestCreateAccountAndSession(t *testing.T) {
	store := NewMemoryStore(DefaultTTL)
	ctx := context.Background()

	if _, err := store.CreateAccount(ctx, "U-Alice", "hunter2", nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	sess, err := store.CreateSession(ctx, "U-Alice", "hunter2", true)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.UserID != "u-alice" {
		t.Fatalf("expected lowercased user_id, got %q", sess.UserID)
	}
	if sess.Expires <= time.Now().Unix() {
		t.Fatalf("expected expires in the future")
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	store := NewMemoryStore(DefaultTTL)
	ctx := context.Background()

	if _, err := store.CreateAccount(ctx, "dup", "pw", nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	_, err := store.CreateAccount(ctx, "DUP", "pw2", nil)
	te, ok := err.(*toto.Error)
	if !ok || te.Code != toto.ErrUserExists {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestCreateAccountEmptyUserID(t *testing.T) {
	store := NewMemoryStore(DefaultTTL)
	_, err := store.CreateAccount(context.Background(), "", "pw", nil)
	te, ok := err.(*toto.Error)
	if !ok || te.Code != toto.ErrInvalidUserID {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestLoginBadPassword(t *testing.T) {
	store := NewMemoryStore(DefaultTTL)
	ctx := context.Background()
	store.CreateAccount(ctx, "bob", "correct", nil)

	_, err := store.CreateSession(ctx, "bob", "wrong", true)
	te, ok := err.(*toto.Error)
	if !ok || te.Code != toto.ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAnonymousSession(t *testing.T) {
	store := NewMemoryStore(DefaultTTL)
	sess, err := store.CreateSession(context.Background(), "", "", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.UserID != "" {
		t.Fatalf("expected anonymous session")
	}
}

func TestRetrieveSessionMissingReturnsNil(t *testing.T) {
	store := NewMemoryStore(DefaultTTL)
	sess, err := store.RetrieveSession(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected nil session for unknown id")
	}
}

func TestRetrieveSessionExpired(t *testing.T) {
	store := NewMemoryStore(TTL{SessionTTL: time.Millisecond, AnonSessionTTL: time.Millisecond})
	ctx := context.Background()
	store.CreateAccount(ctx, "expiring", "pw", nil)
	sess, err := store.CreateSession(ctx, "expiring", "pw", true)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	got, err := store.RetrieveSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired session to be nil")
	}
}

func TestChangePasswordInvalidatesSessions(t *testing.T) {
	store := NewMemoryStore(DefaultTTL)
	ctx := context.Background()
	store.CreateAccount(ctx, "carol", "old", nil)
	sess, _ := store.CreateSession(ctx, "carol", "old", true)

	if err := store.ChangePassword(ctx, "carol", "new"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	got, _ := store.RetrieveSession(ctx, sess.SessionID)
	if got != nil {
		t.Fatalf("expected session to be invalidated after password change")
	}

	if _, err := store.CreateSession(ctx, "carol", "old", true); err == nil {
		t.Fatalf("expected old password to fail after change")
	}
	if _, err := store.CreateSession(ctx, "carol", "new", true); err != nil {
		t.Fatalf("expected new password to work: %v", err)
	}
}

func TestVerifyPasswordConstantTime(t *testing.T) {
	store := NewMemoryStore(DefaultTTL)
	acct, err := store.CreateAccount(context.Background(), "dave", "s3cret", nil)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if !VerifyPassword("s3cret", acct) {
		t.Fatalf("expected correct password to verify")
	}
	if VerifyPassword("wrong", acct) {
		t.Fatalf("expected wrong password to fail")
	}
}
