package session

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const denylistKeyPrefix = "spark:session:revoked:"

// RedisDenylist is the optional Denylist backed by Redis, grounded on
// internal/auth.APIKeyAuthenticator's use of a *redis.Client as auxiliary
// shared state rather than the primary store. It exists purely so an
// operator can revoke a session across a restart of the daemon process
// (e.g. a compromised token); it is never consulted on the hot Validate
// path unless configured, and a nil *redis.Client disables it entirely by
// never being passed to session.New.
type RedisDenylist struct {
	client *redis.Client
}

// NewRedisDenylist wraps client as a session Denylist.
func NewRedisDenylist(client *redis.Client) *RedisDenylist {
	return &RedisDenylist{client: client}
}

// IsRevoked reports whether token has been explicitly revoked. Redis
// errors are treated as "not revoked" rather than failing the request —
// the denylist is a best-effort auxiliary check, not the source of truth
// for whether a session exists.
func (d *RedisDenylist) IsRevoked(token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n, err := d.client.Exists(ctx, denylistKeyPrefix+token).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Revoke adds token to the denylist for ttl (normally the session's
// remaining time-to-live, so the entry can expire naturally).
func (d *RedisDenylist) Revoke(token string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	return d.client.Set(ctx, denylistKeyPrefix+token, "1", ttl).Err()
}
