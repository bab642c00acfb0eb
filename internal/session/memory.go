package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jeremyot/toto/internal/toto"
)

// MemoryStore is a single-process Store, modeled on
// erauner12/toolbridge-api's in-memory SessionStore
// (internal/httpapi/sessions.go: sync.RWMutex + map + opportunistic
// expiry: an expired session is deleted when it is read), generalized to also hold accounts and to
// implement the full Store contract rather than just session CRUD.
// Used by tests and by --nodaemon dev mode.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	sessions map[string]*Session
	ttl      TTL
}

func NewMemoryStore(ttl TTL) *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

func (s *MemoryStore) CreateAccount(ctx context.Context, userID, password string, extra map[string]any) (*Account, error) {
	userID = strings.ToLower(userID)
	if invalidUserID(userID) {
		return nil, errInvalidUserID
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, toto.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[userID]; exists {
		return nil, errUserExists
	}
	acct := &Account{UserID: userID, PasswordHash: hash, Properties: extra}
	s.accounts[userID] = acct
	return acct, nil
}

func (s *MemoryStore) Account(ctx context.Context, userID string) (*Account, error) {
	userID = strings.ToLower(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return nil, nil
	}
	return acct, nil
}

func (s *MemoryStore) ChangePassword(ctx context.Context, userID, newPassword string) error {
	userID = strings.ToLower(userID)
	hash, err := hashPassword(newPassword)
	if err != nil {
		return toto.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return errUserNotFound
	}
	acct.PasswordHash = hash
	s.clearSessionsLocked(userID)
	return nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, userID, password string, verifyPassword bool) (*Session, error) {
	userID = strings.ToLower(userID)

	if userID != "" {
		s.mu.RLock()
		acct, ok := s.accounts[userID]
		s.mu.RUnlock()
		if !ok {
			return nil, errUserNotFound
		}
		if verifyPassword && !VerifyPassword(password, acct) {
			return nil, errUserNotFound
		}
	}

	sid, err := newSessionID()
	if err != nil {
		return nil, toto.Wrap(err)
	}
	authenticated := userID != ""
	sess := &Session{
		SessionID: sid,
		UserID:    userID,
		Expires:   time.Now().Add(s.ttl.sessionTTL(authenticated)).Unix(),
		State:     make(map[string]any),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sid] = sess
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if !clampFuture(sess.Expires) {
		delete(s.sessions, sessionID)
		return nil, nil
	}

	authenticated := sess.UserID != ""
	remaining := time.Until(time.Unix(sess.Expires, 0))
	if remaining < s.ttl.renewWindow(authenticated) {
		sess.Expires = time.Now().Add(s.ttl.sessionTTL(authenticated)).Unix()
	}

	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) RemoveSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) ClearSessions(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearSessionsLocked(strings.ToLower(userID))
	return nil
}

func (s *MemoryStore) clearSessionsLocked(userID string) {
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, id)
		}
	}
}
