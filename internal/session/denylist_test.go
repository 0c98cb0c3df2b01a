package session

import (
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// newUnreachableDenylist points at a closed local port so every call fails
// fast without requiring a real Redis server in the test environment.
func newUnreachableDenylist(t *testing.T) *RedisDenylist {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // nothing listens on port 1
		DialTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() { client.Close() })
	return NewRedisDenylist(client)
}

func TestRedisDenylistIsRevokedTreatsErrorsAsNotRevoked(t *testing.T) {
	d := newUnreachableDenylist(t)
	if d.IsRevoked("some-token") {
		t.Fatal("expected IsRevoked to report false when Redis is unreachable")
	}
}

func TestRedisDenylistRevokePropagatesConnectionError(t *testing.T) {
	d := newUnreachableDenylist(t)
	if err := d.Revoke("some-token", time.Minute); err == nil {
		t.Fatal("expected Revoke to surface the connection error")
	}
}

func TestAuthenticatorConsultsDenylistOnValidate(t *testing.T) {
	d := newUnreachableDenylist(t)
	auth := New("shared-secret", time.Minute, d)
	defer auth.Stop()

	sess, err := auth.Authenticate("shared-secret", "conn-1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	// The denylist is unreachable, so Validate must still succeed rather
	// than fail closed on a best-effort auxiliary check.
	if _, err := auth.Validate(sess.ID); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
