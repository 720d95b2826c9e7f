package web

import (
	"testing"
	"time"

	"github.com/opshub/opshub/internal/clock"
)

func TestLoginLimiter_AllowsWithinWindow(t *testing.T) {
	rl := newLoginLimiter(clock.NewFake(time.Unix(1700000000, 0)))

	for i := 0; i < maxLoginAttempts; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("attempt %d blocked, want allowed", i+1)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Error("attempt beyond the limit allowed")
	}
	// Other IPs are unaffected.
	if !rl.allow("10.0.0.2") {
		t.Error("separate IP blocked")
	}
}

func TestLoginLimiter_WindowExpires(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	rl := newLoginLimiter(clk)

	for i := 0; i < maxLoginAttempts; i++ {
		rl.allow("10.0.0.1")
	}
	clk.Advance(loginWindow + time.Second)
	if !rl.allow("10.0.0.1") {
		t.Error("attempt blocked after the window expired")
	}
}

func TestLoginLimiter_LockoutCoolsDown(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	rl := newLoginLimiter(clk)

	for i := 0; i <= maxLoginAttempts; i++ {
		rl.allow("10.0.0.1") // the extra attempt trips the lockout
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("locked-out IP allowed")
	}
	clk.Advance(loginLockoutDur - time.Second)
	if rl.allow("10.0.0.1") {
		t.Fatal("IP allowed before the cooldown lapsed")
	}
	clk.Advance(2 * time.Second)
	if !rl.allow("10.0.0.1") {
		t.Error("IP still blocked after the cooldown")
	}
}

func TestLoginLimiter_RecordFailureLockout(t *testing.T) {
	rl := newLoginLimiter(clock.NewFake(time.Unix(1700000000, 0)))

	for i := 0; i < loginLockout; i++ {
		rl.recordFailure("10.0.0.1")
	}
	if rl.allow("10.0.0.1") {
		t.Error("IP allowed after consecutive failures hit the lockout")
	}
}

func TestLoginLimiter_ResetClears(t *testing.T) {
	rl := newLoginLimiter(clock.NewFake(time.Unix(1700000000, 0)))

	for i := 0; i < loginLockout; i++ {
		rl.recordFailure("10.0.0.1")
	}
	rl.reset("10.0.0.1")
	if !rl.allow("10.0.0.1") {
		t.Error("IP still blocked after reset")
	}
}

func TestLoginLimiter_Cleanup(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	rl := newLoginLimiter(clk)

	rl.allow("10.0.0.1")
	for i := 0; i < loginLockout; i++ {
		rl.recordFailure("10.0.0.2")
	}

	clk.Advance(loginWindow + time.Second)
	rl.cleanup()
	if len(rl.attempts) != 1 {
		t.Fatalf("entries after window cleanup = %d, want 1 (the locked-out IP)", len(rl.attempts))
	}

	clk.Advance(loginLockoutDur)
	rl.cleanup()
	if len(rl.attempts) != 0 {
		t.Fatalf("entries after lockout cleanup = %d, want 0", len(rl.attempts))
	}
}
