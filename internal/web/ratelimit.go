package web

import (
	"sync"
	"time"

	"github.com/opshub/opshub/internal/clock"
)

const (
	maxLoginAttempts = 5 // per IP within the window
	loginWindow      = 5 * time.Minute
	loginLockout     = 10 // consecutive failures before lockout
	loginLockoutDur  = 30 * time.Minute
)

// loginAttempt tracks login attempts for one IP.
type loginAttempt struct {
	count     int
	firstAt   time.Time
	blockedAt time.Time // non-zero once locked out
}

// loginLimiter rate-limits login attempts per client IP.
type loginLimiter struct {
	clk clock.Clock

	mu       sync.Mutex
	attempts map[string]*loginAttempt
}

func newLoginLimiter(clk clock.Clock) *loginLimiter {
	return &loginLimiter{
		clk:      clk,
		attempts: make(map[string]*loginAttempt),
	}
}

// allow reports whether a login attempt from ip may proceed.
func (rl *loginLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &loginAttempt{count: 1, firstAt: now}
		return true
	}

	// Locked out: wait for the cooldown to lapse.
	if !a.blockedAt.IsZero() {
		if now.Before(a.blockedAt.Add(loginLockoutDur)) {
			return false
		}
		a.count = 1
		a.firstAt = now
		a.blockedAt = time.Time{}
		return true
	}

	// Window expired: start a fresh one.
	if now.After(a.firstAt.Add(loginWindow)) {
		a.count = 1
		a.firstAt = now
		return true
	}

	a.count++
	if a.count > maxLoginAttempts {
		a.blockedAt = now
		return false
	}
	return true
}

// recordFailure counts a failed login; enough consecutive failures lock the
// IP out entirely.
func (rl *loginLimiter) recordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &loginAttempt{count: 1, firstAt: rl.clk.Now()}
		return
	}
	a.count++
	if a.count >= loginLockout {
		a.blockedAt = rl.clk.Now()
	}
}

// reset clears limiter state for an IP, called on successful login.
func (rl *loginLimiter) reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// cleanup removes expired entries. Called periodically by the session sweeper.
func (rl *loginLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	for ip, a := range rl.attempts {
		if !a.blockedAt.IsZero() {
			if now.After(a.blockedAt.Add(loginLockoutDur)) {
				delete(rl.attempts, ip)
			}
			continue
		}
		if now.After(a.firstAt.Add(loginWindow)) {
			delete(rl.attempts, ip)
		}
	}
}
