// Package session authenticates incoming handshakes and tracks live
// sessions for the lifetime of a connection.
//
// # Design rationale
//
// Sessions live in an in-memory map guarded by a read-biased
// sync.RWMutex: Validate is a lookup and takes RLock, while Authenticate
// and eviction are rare writes that take the full Lock — the same split
// a resource pool's identity-lookup mutex would use. The connection
// handler authenticates once at handshake; it does not call Validate on
// the frames that follow.
//
// The shared secret is never compared with ==; authenticate uses
// crypto/subtle.ConstantTimeCompare against a SHA-256 hash of the
// configured secret, grounded directly on internal/auth/apikey.go's
// hashAPIKey/VerifyAPIKey pattern.
package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veritas/spark/internal/wire"
)

// Session is a single authenticated connection's identity and expiry.
type Session struct {
	ID        string
	ExpiresAt time.Time
	ConnID    string // weak association to the connection that created it
}

// Denylist is the optional auxiliary revocation store. A session token
// present in the denylist is rejected on Validate even if it would
// otherwise still be live. This is deliberately narrow — only a revocation
// check, not the session store itself, so an implementation backed by
// Redis does not reintroduce cross-host replication of session state.
type Denylist interface {
	IsRevoked(token string) bool
	Revoke(token string, ttl time.Duration) error
}

// Authenticator validates handshake tokens and tracks live sessions.
type Authenticator struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	secretHash     string
	sessionTimeout time.Duration
	denylist       Denylist

	shuttingDown atomic.Bool

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates an Authenticator for the given shared secret and session
// timeout. denylist may be nil to disable the revocation check entirely.
func New(sharedSecret string, sessionTimeout time.Duration, denylist Denylist) *Authenticator {
	a := &Authenticator{
		sessions:       make(map[string]*Session),
		secretHash:     hashSecret(sharedSecret),
		sessionTimeout: sessionTimeout,
		denylist:       denylist,
		sweepStop:      make(chan struct{}),
	}
	go a.sweepLoop()
	return a
}

// SetShuttingDown flips the draining flag the shutdown coordinator uses to
// stop new handshakes without importing internal/shutdown here (session
// sits below shutdown in the lock-ordering dependency graph).
func (a *Authenticator) SetShuttingDown(v bool) {
	a.shuttingDown.Store(v)
}

// Authenticate validates a handshake token against the configured shared
// secret and mints a fresh Session on success.
func (a *Authenticator) Authenticate(token, connID string) (*Session, error) {
	if a.shuttingDown.Load() {
		return nil, wire.ErrShuttingDown
	}
	if subtle.ConstantTimeCompare([]byte(hashSecret(token)), []byte(a.secretHash)) != 1 {
		return nil, wire.ErrInvalidToken
	}

	sess := &Session{
		ID:        uuid.NewString(),
		ExpiresAt: time.Now().Add(a.sessionTimeout),
		ConnID:    connID,
	}

	a.mu.Lock()
	a.sessions[sess.ID] = sess
	a.mu.Unlock()

	return sess, nil
}

// Validate checks that sessionID refers to a live, unexpired, non-revoked
// session.
func (a *Authenticator) Validate(sessionID string) (*Session, error) {
	a.mu.RLock()
	sess, ok := a.sessions[sessionID]
	a.mu.RUnlock()

	if !ok {
		return nil, wire.ErrInvalidToken
	}
	if time.Now().After(sess.ExpiresAt) {
		a.evict(sessionID)
		return nil, wire.ErrExpired
	}
	if a.denylist != nil && a.denylist.IsRevoked(sessionID) {
		return nil, wire.ErrInvalidToken
	}
	return sess, nil
}

// Close closes a session explicitly (handshake close, connection loss).
func (a *Authenticator) Close(sessionID string) {
	a.evict(sessionID)
}

// Stop halts the background expiry sweep. Safe to call multiple times.
func (a *Authenticator) Stop() {
	a.sweepOnce.Do(func() { close(a.sweepStop) })
}

func (a *Authenticator) evict(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

// sweepLoop periodically evicts expired sessions, supplementing the lazy
// eviction performed in Validate — a session that is never looked up again
// (e.g. the client vanished after handshake) would otherwise leak forever.
func (a *Authenticator) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweepExpired()
		case <-a.sweepStop:
			return
		}
	}
}

func (a *Authenticator) sweepExpired() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, sess := range a.sessions {
		if now.After(sess.ExpiresAt) {
			delete(a.sessions, id)
		}
	}
}

// Count returns the number of currently tracked sessions (used by health
// reporting and tests).
func (a *Authenticator) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

func hashSecret(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
