package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jeremyot/toto/internal/toto"
)

// PostgresStore is a Store backed by a pgxpool.Pool, following
// erauner12/toolbridge-api's own pool-construction pattern
// (internal/db.Open: explicit MaxConns/MinConns/health-check period)
// — generalized here into the session/account schema spec §4.1
// describes rather than that project's sync-app tables.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  TTL
}

// OpenPostgres connects to url and verifies connectivity, mirroring
// erauner12/toolbridge-api's internal/db.Open.
func OpenPostgres(ctx context.Context, url string, ttl TTL) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("toto: session store postgres pool created")

	return &PostgresStore{pool: pool, ttl: ttl}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// Migrate creates the account/session tables if absent. Schema
// design beyond these two tables is out of scope (spec §1 Non-goals).
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS account (
	user_id text PRIMARY KEY,
	password_hash text NOT NULL,
	properties jsonb NOT NULL DEFAULT '{}'::jsonb
);
CREATE TABLE IF NOT EXISTS session (
	session_id text PRIMARY KEY,
	user_id text NOT NULL DEFAULT '',
	expires bigint NOT NULL,
	state jsonb NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS session_user_id_idx ON session (user_id);
`)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, userID, password string, extra map[string]any) (*Account, error) {
	userID = strings.ToLower(userID)
	if invalidUserID(userID) {
		return nil, errInvalidUserID
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, toto.Wrap(err)
	}
	if extra == nil {
		extra = map[string]any{}
	}
	props, err := json.Marshal(extra)
	if err != nil {
		return nil, toto.Wrap(err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO account (user_id, password_hash, properties) VALUES ($1, $2, $3)`,
		userID, hash, props,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errUserExists
		}
		return nil, toto.Wrap(err)
	}
	return &Account{UserID: userID, PasswordHash: hash, Properties: extra}, nil
}

func (s *PostgresStore) Account(ctx context.Context, userID string) (*Account, error) {
	userID = strings.ToLower(userID)
	var acct Account
	var props []byte
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, password_hash, properties FROM account WHERE user_id = $1`,
		userID,
	).Scan(&acct.UserID, &acct.PasswordHash, &props)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, toto.Wrap(err)
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &acct.Properties); err != nil {
			return nil, toto.Wrap(err)
		}
	}
	return &acct, nil
}

func (s *PostgresStore) ChangePassword(ctx context.Context, userID, newPassword string) error {
	userID = strings.ToLower(userID)
	hash, err := hashPassword(newPassword)
	if err != nil {
		return toto.Wrap(err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE account SET password_hash = $1 WHERE user_id = $2`, hash, userID)
	if err != nil {
		return toto.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return errUserNotFound
	}
	return s.ClearSessions(ctx, userID)
}

func (s *PostgresStore) CreateSession(ctx context.Context, userID, password string, verifyPassword bool) (*Session, error) {
	userID = strings.ToLower(userID)

	if userID != "" {
		acct, err := s.Account(ctx, userID)
		if err != nil {
			return nil, err
		}
		if acct == nil {
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
	expires := time.Now().Add(s.ttl.sessionTTL(authenticated)).Unix()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO session (session_id, user_id, expires, state) VALUES ($1, $2, $3, '{}'::jsonb)`,
		sid, userID, expires,
	)
	if err != nil {
		return nil, toto.Wrap(err)
	}

	return &Session{SessionID: sid, UserID: userID, Expires: expires, State: map[string]any{}}, nil
}

func (s *PostgresStore) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, user_id, expires, state FROM session WHERE session_id = $1`,
		sessionID,
	).Scan(&sess.SessionID, &sess.UserID, &sess.Expires, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, toto.Wrap(err)
	}
	if !clampFuture(sess.Expires) {
		_ = s.RemoveSession(ctx, sessionID)
		return nil, nil
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &sess.State); err != nil {
			return nil, toto.Wrap(err)
		}
	}

	authenticated := sess.UserID != ""
	remaining := time.Until(time.Unix(sess.Expires, 0))
	if remaining < s.ttl.renewWindow(authenticated) {
		sess.Expires = time.Now().Add(s.ttl.sessionTTL(authenticated)).Unix()
		if _, err := s.pool.Exec(ctx, `UPDATE session SET expires = $1 WHERE session_id = $2`, sess.Expires, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("toto: failed to renew session expiry")
		}
	}

	return &sess, nil
}

func (s *PostgresStore) RemoveSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM session WHERE session_id = $1`, sessionID)
	return toto.Wrap(err)
}

func (s *PostgresStore) ClearSessions(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM session WHERE user_id = $1`, strings.ToLower(userID))
	return toto.Wrap(err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
