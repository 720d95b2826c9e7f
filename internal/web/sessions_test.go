package web

import (
	"testing"
	"time"

	"github.com/opshub/opshub/internal/clock"
)

func newStoreWithClock(t *testing.T) (*SessionStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	store, err := NewSessionStore("admin", "admin123", clk)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	return store, clk
}

func TestSessionStore_Authenticate(t *testing.T) {
	store, _ := newStoreWithClock(t)

	if !store.Authenticate("admin", "admin123") {
		t.Error("valid credentials rejected")
	}
	if store.Authenticate("admin", "wrong") {
		t.Error("wrong password accepted")
	}
	if store.Authenticate("root", "admin123") {
		t.Error("unknown user accepted")
	}
}

func TestSessionStore_CreateAndValidate(t *testing.T) {
	store, _ := newStoreWithClock(t)

	id := store.Create("admin")
	if id == "" {
		t.Fatal("Create returned empty id")
	}
	user, ok := store.Validate(id)
	if !ok || user != "admin" {
		t.Fatalf("Validate = (%q, %t), want (admin, true)", user, ok)
	}
	if _, ok := store.Validate("no-such-session"); ok {
		t.Error("unknown session validated")
	}
}

func TestSessionStore_Expiry(t *testing.T) {
	store, clk := newStoreWithClock(t)

	id := store.Create("admin")
	clk.Advance(sessionTTL)

	if _, ok := store.Validate(id); ok {
		t.Fatal("session valid after TTL elapsed")
	}
	// Expired sessions are removed on sight, not just hidden.
	if store.Count() != 0 {
		t.Errorf("count = %d, want 0 after expiry", store.Count())
	}
}

func TestSessionStore_ValidateRefreshesTTL(t *testing.T) {
	store, clk := newStoreWithClock(t)

	id := store.Create("admin")

	// Touch the session just before expiry, twice. Total elapsed time ends
	// beyond the TTL, but each touch pushed the deadline out.
	clk.Advance(sessionTTL - time.Minute)
	if _, ok := store.Validate(id); !ok {
		t.Fatal("session expired before TTL")
	}
	clk.Advance(sessionTTL - time.Minute)
	if _, ok := store.Validate(id); !ok {
		t.Fatal("refreshed session expired")
	}
}

func TestSessionStore_Destroy(t *testing.T) {
	store, _ := newStoreWithClock(t)

	id := store.Create("admin")
	store.Destroy(id)
	if _, ok := store.Validate(id); ok {
		t.Error("destroyed session still valid")
	}
	store.Destroy("no-such-session") // no-op
}

func TestSessionStore_Sweep(t *testing.T) {
	store, clk := newStoreWithClock(t)

	store.Create("admin")
	store.Create("admin")
	clk.Advance(30 * time.Minute)
	fresh := store.Create("admin")
	clk.Advance(31 * time.Minute) // first two now past the 1h TTL

	if removed := store.Sweep(); removed != 2 {
		t.Fatalf("Sweep removed %d, want 2", removed)
	}
	if store.Count() != 1 {
		t.Fatalf("count = %d, want 1", store.Count())
	}
	if _, ok := store.Validate(fresh); !ok {
		t.Error("fresh session was swept")
	}
}
