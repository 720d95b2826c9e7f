package web

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/opshub/opshub/internal/clock"
)

const (
	sessionTTL    = time.Hour
	sessionSweep  = 5 * time.Minute
	sessionCookie = "session_id"

	bcryptCost = 12
)

// session is one logged-in operator session.
type session struct {
	username     string
	createdAt    time.Time
	lastAccessed time.Time
}

// SessionStore holds operator credentials and the in-memory session table.
// Sessions expire one hour after their last access; Validate refreshes the
// access time, so an active operator is never logged out mid-use.
type SessionStore struct {
	adminUser string
	adminHash []byte
	clk       clock.Clock
	limiter   *loginLimiter

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionStore bcrypt-hashes the operator password and returns an empty
// store. The plaintext password is not retained.
func NewSessionStore(adminUser, adminPassword string, clk clock.Clock) (*SessionStore, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}
	return &SessionStore{
		adminUser: adminUser,
		adminHash: hash,
		clk:       clk,
		limiter:   newLoginLimiter(clk),
		sessions:  make(map[string]*session),
	}, nil
}

// Authenticate checks operator credentials.
func (s *SessionStore) Authenticate(username, password string) bool {
	if username != s.adminUser {
		// Burn a hash comparison so unknown users take as long as bad passwords.
		_ = bcrypt.CompareHashAndPassword(s.adminHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(s.adminHash, []byte(password)) == nil
}

// Create registers a new session for username and returns its id.
func (s *SessionStore) Create(username string) string {
	id := uuid.NewString()
	now := s.clk.Now()
	s.mu.Lock()
	s.sessions[id] = &session{username: username, createdAt: now, lastAccessed: now}
	s.mu.Unlock()
	return id
}

// Validate reports whether the session exists and is fresh, refreshing its
// last-access time when it is. Expired sessions are removed on sight.
func (s *SessionStore) Validate(id string) (username string, ok bool) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return "", false
	}
	if now.Sub(sess.lastAccessed) >= sessionTTL {
		delete(s.sessions, id)
		return "", false
	}
	sess.lastAccessed = now
	return sess.username, true
}

// Destroy removes a session. Unknown ids are a no-op.
func (s *SessionStore) Destroy(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Sweep drops sessions idle past the TTL and reports how many were removed.
func (s *SessionStore) Sweep() int {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.lastAccessed) >= sessionTTL {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions, expired ones included until the
// next sweep.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run sweeps expired sessions and stale login-limiter entries every five
// minutes until ctx is cancelled.
func (s *SessionStore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(sessionSweep):
			s.Sweep()
			s.limiter.cleanup()
		}
	}
}
