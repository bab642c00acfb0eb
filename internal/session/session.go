// Package session implements the pluggable session/account store from
// spec §4.1: create/retrieve/remove/refresh sessions, account
// creation and password verification, modeled on
// erauner12/toolbridge-api's in-memory SessionStore
// (internal/httpapi/sessions.go) and its pgx-backed connection pool
// pattern (internal/db/pg.go), generalized into a Store interface so
// either backend satisfies the same contract.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"
)

// Session is the server-held (or sealed-token) session record from
// spec §3. UserID is empty for an anonymous session. Key is only
// populated for client-side (sealed-token) sessions, where it is the
// HMAC signing key only the owner may use to mutate State.
type Session struct {
	SessionID string
	UserID    string
	Expires   int64
	State     map[string]any
	Key       []byte
}

// Account is the stored credential/profile row from spec §3. UserID
// is always lowercased; PasswordHash is never compared by string
// equality (see VerifyPassword).
type Account struct {
	UserID       string
	PasswordHash string
	Properties   map[string]any
}

// TTL governs anonymous vs. authenticated session lifetime and the
// renewal window within which retrieve_session slides Expires forward
// instead of writing on every single request.
type TTL struct {
	SessionTTL     time.Duration
	AnonSessionTTL time.Duration
	RenewWindow    time.Duration
	AnonRenewWindow time.Duration
}

// DefaultTTL mirrors common defaults in the reference implementation:
// a day for authenticated sessions, an hour for anonymous ones, and a
// renewal window of a tenth of each.
var DefaultTTL = TTL{
	SessionTTL:      24 * time.Hour,
	AnonSessionTTL:  time.Hour,
	RenewWindow:     2*time.Hour + 24*time.Minute,
	AnonRenewWindow: 6 * time.Minute,
}

func (t TTL) sessionTTL(authenticated bool) time.Duration {
	if authenticated {
		return t.SessionTTL
	}
	return t.AnonSessionTTL
}

func (t TTL) renewWindow(authenticated bool) time.Duration {
	if authenticated {
		return t.RenewWindow
	}
	return t.AnonRenewWindow
}

// newSessionID returns a 22-char URL-safe base64 encoding of 16
// random bytes, exactly the format spec §3 mandates.
func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(buf), "="), nil
}
