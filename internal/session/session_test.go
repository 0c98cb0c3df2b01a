package session

import (
	"testing"
	"time"
)

func TestAuthenticateValidToken(t *testing.T) {
	a := New("s3cret", time.Minute, nil)
	defer a.Stop()

	sess, err := a.Authenticate("s3cret", "conn-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected non-empty session id")
	}
}

func TestAuthenticateInvalidToken(t *testing.T) {
	a := New("s3cret", time.Minute, nil)
	defer a.Stop()

	_, err := a.Authenticate("wrong", "conn-1")
	if err == nil {
		t.Fatal("expected error for invalid token")
	}
}

func TestAuthenticateRejectedWhileShuttingDown(t *testing.T) {
	a := New("s3cret", time.Minute, nil)
	defer a.Stop()
	a.SetShuttingDown(true)

	_, err := a.Authenticate("s3cret", "conn-1")
	if err == nil {
		t.Fatal("expected ShuttingDown error")
	}
}

func TestValidateUnknownSession(t *testing.T) {
	a := New("s3cret", time.Minute, nil)
	defer a.Stop()

	_, err := a.Validate("does-not-exist")
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestValidateExpiredSession(t *testing.T) {
	a := New("s3cret", -time.Second, nil)
	defer a.Stop()

	sess, err := a.Authenticate("s3cret", "conn-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = a.Validate(sess.ID)
	if err == nil {
		t.Fatal("expected expired session error")
	}
	if a.Count() != 0 {
		t.Fatal("expected lazy eviction to remove the expired session")
	}
}

func TestCloseRemovesSession(t *testing.T) {
	a := New("s3cret", time.Minute, nil)
	defer a.Stop()

	sess, _ := a.Authenticate("s3cret", "conn-1")
	a.Close(sess.ID)

	if _, err := a.Validate(sess.ID); err == nil {
		t.Fatal("expected closed session to be invalid")
	}
}

type fakeDenylist struct {
	revoked map[string]bool
}

func (f *fakeDenylist) IsRevoked(token string) bool { return f.revoked[token] }
func (f *fakeDenylist) Revoke(token string, ttl time.Duration) error {
	f.revoked[token] = true
	return nil
}

func TestValidateRejectsRevokedSession(t *testing.T) {
	dl := &fakeDenylist{revoked: map[string]bool{}}
	a := New("s3cret", time.Minute, dl)
	defer a.Stop()

	sess, _ := a.Authenticate("s3cret", "conn-1")
	dl.Revoke(sess.ID, time.Minute)

	if _, err := a.Validate(sess.ID); err == nil {
		t.Fatal("expected revoked session to fail validation")
	}
}
