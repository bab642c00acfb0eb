package session

import (
	"context"
	"time"

	"github.com/jeremyot/toto/internal/toto"
)

// Store is the session/account store abstraction from spec §4.1.
// RetrieveSession returns (nil, nil) for a missing or expired session
// — per DESIGN NOTES §9, the store never raises ErrInvalidSession
// itself; only the request handler decides whether "no session" is an
// error, resolving the source's "sometimes nil, sometimes raises"
// inconsistency.
type Store interface {
	CreateAccount(ctx context.Context, userID, password string, extra map[string]any) (*Account, error)
	Account(ctx context.Context, userID string) (*Account, error)
	ChangePassword(ctx context.Context, userID, newPassword string) error

	// CreateSession creates an anonymous session when userID == "".
	// When verifyPassword is true and userID != "", a mismatch yields
	// toto.ErrUserNotFound, matching "Invalid user ID or password" —
	// spec deliberately doesn't distinguish "unknown user" from "bad
	// password" to avoid user enumeration.
	CreateSession(ctx context.Context, userID, password string, verifyPassword bool) (*Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (*Session, error)
	RemoveSession(ctx context.Context, sessionID string) error
	ClearSessions(ctx context.Context, userID string) error
}

// VerifyPassword re-runs the KDF on candidate and compares in
// constant time against an account's stored hash — exported so
// callers outside this package (tests, the handler's
// authenticated_with_parameter decorator) can check a password
// without creating a session.
func VerifyPassword(candidate string, account *Account) bool {
	if account == nil {
		return false
	}
	return verifyPassword(candidate, account.PasswordHash)
}

func clampFuture(exp int64) bool {
	return exp > time.Now().Unix()
}

func invalidUserID(userID string) bool {
	return userID == ""
}

var errInvalidUserID = toto.New(toto.ErrInvalidUserID, nil)
var errUserExists = toto.New(toto.ErrUserExists, nil)
var errUserNotFound = toto.New(toto.ErrUserNotFound, nil)
