package sessioncache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/toto"
)

// RedisCache is the "remote cache" variant of spec §4.2: the
// serialized session is stored under its id with a TTL equal to
// expires-now, via github.com/redis/go-redis/v9 (a direct dependency
// of stacklok/toolhive). Remove is a real delete here rather than a
// no-op: redis DEL is no more expensive than the SETEX that created
// the key, so there's no reason to defer to lazy expiry.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "toto:session:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

type wireSession struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Expires   int64          `json:"expires"`
	State     map[string]any `json:"state"`
}

func (c *RedisCache) key(id string) string { return c.prefix + id }

func (c *RedisCache) Store(ctx context.Context, sess *session.Session) (string, error) {
	ttl := time.Until(time.Unix(sess.Expires, 0))
	if ttl <= 0 {
		ttl = time.Second
	}
	data, err := json.Marshal(wireSession{
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Expires:   sess.Expires,
		State:     sess.State,
	})
	if err != nil {
		return "", toto.Wrap(err)
	}
	if err := c.client.Set(ctx, c.key(sess.SessionID), data, ttl).Err(); err != nil {
		return "", toto.Wrap(err)
	}
	return sess.SessionID, nil
}

func (c *RedisCache) Load(ctx context.Context, token string) (*session.Session, error) {
	data, err := c.client.Get(ctx, c.key(token)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, toto.Wrap(err)
	}
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, toto.Wrap(err)
	}
	return &session.Session{
		SessionID: w.SessionID,
		UserID:    w.UserID,
		Expires:   w.Expires,
		State:     w.State,
	}, nil
}

func (c *RedisCache) Remove(ctx context.Context, token string) error {
	return toto.Wrap(c.client.Del(ctx, c.key(token)).Err())
}
