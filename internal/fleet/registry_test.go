package fleet

import (
	"errors"
	"testing"
	"time"

	"github.com/opshub/opshub/internal/clock"
	"github.com/opshub/opshub/internal/protocol"
)

type fakeConn struct {
	frames   []string
	writeErr error
	closed   bool
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, string(frame))
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeCommands struct {
	nextID    string
	created   []string
	executing []string
}

func (f *fakeCommands) Create(clientID, command string) string {
	f.created = append(f.created, clientID+" "+command)
	return f.nextID
}

func (f *fakeCommands) MarkExecuting(commandID string) {
	f.executing = append(f.executing, commandID)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

func newTestRegistry(maxConns int, clk clock.Clock, cmds Commands) *Registry {
	if cmds == nil {
		cmds = &fakeCommands{nextID: "cmd-1"}
	}
	return NewRegistry(maxConns, clk, cmds, nopLogger{})
}

func TestUpsertStateStampsServerTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	reg := newTestRegistry(10, clock.NewFake(now), nil)

	reg.UpsertState(protocol.ClientInfo{
		ClientID: "web-01",
		LastSeen: protocol.NewWireTime(now.Add(-time.Hour)),
	})

	info, ok := reg.Client("web-01")
	if !ok {
		t.Fatal("client not stored")
	}
	if !info.LastSeen.Time.Equal(now) {
		t.Errorf("last_seen = %v, want server time %v", info.LastSeen.Time, now)
	}
}

func TestAttachReplaceAndDetach(t *testing.T) {
	reg := newTestRegistry(10, clock.Real{}, nil)
	first := &fakeConn{}
	second := &fakeConn{}

	if replaced, err := reg.Attach("web-01", first); err != nil || replaced != nil {
		t.Fatalf("first attach: replaced=%v err=%v", replaced, err)
	}
	if _, conns := reg.Counts(); conns != 1 {
		t.Fatalf("connections = %d, want 1", conns)
	}

	// A second attach for the same id swaps the handle without moving the
	// count, and hands back the displaced connection.
	replaced, err := reg.Attach("web-01", second)
	if err != nil {
		t.Fatalf("replace attach: %v", err)
	}
	if replaced != first {
		t.Errorf("replaced = %v, want the first handle", replaced)
	}
	if _, conns := reg.Counts(); conns != 1 {
		t.Errorf("connections after replace = %d, want 1", conns)
	}

	got, ok := reg.LookupHandle("web-01")
	if !ok || got != second {
		t.Errorf("LookupHandle = %v ok=%v, want the second handle", got, ok)
	}

	detached, ok := reg.Detach("web-01")
	if !ok || detached != second {
		t.Fatalf("Detach = %v ok=%v, want the second handle", detached, ok)
	}
	if _, conns := reg.Counts(); conns != 0 {
		t.Errorf("connections after detach = %d, want 0", conns)
	}

	// Detaching an absent id must not drive the count negative.
	if _, ok := reg.Detach("web-01"); ok {
		t.Error("second detach reported a handle")
	}
	if _, conns := reg.Counts(); conns != 0 {
		t.Errorf("connections after double detach = %d, want 0", conns)
	}
}

func TestDetachIfOnlyRemovesOwnHandle(t *testing.T) {
	reg := newTestRegistry(10, clock.Real{}, nil)
	first := &fakeConn{}
	second := &fakeConn{}

	reg.Attach("web-01", first)
	reg.Attach("web-01", second) // replaces first

	// The replaced connection's cleanup must leave the successor in place.
	if reg.DetachIf("web-01", first) {
		t.Error("DetachIf removed a handle it no longer owns")
	}
	if got, ok := reg.LookupHandle("web-01"); !ok || got != second {
		t.Fatal("successor handle was evicted")
	}

	if !reg.DetachIf("web-01", second) {
		t.Error("DetachIf refused to remove the current handle")
	}
	if _, conns := reg.Counts(); conns != 0 {
		t.Errorf("connections = %d, want 0", conns)
	}
}

func TestDetachAll(t *testing.T) {
	reg := newTestRegistry(10, clock.Real{}, nil)
	reg.Attach("a", &fakeConn{})
	reg.Attach("b", &fakeConn{})

	handles := reg.DetachAll()
	if len(handles) != 2 {
		t.Fatalf("DetachAll returned %d handles, want 2", len(handles))
	}
	if _, conns := reg.Counts(); conns != 0 {
		t.Errorf("connections = %d, want 0", conns)
	}
}

func TestAttachCapRejectsOnlyUnseenIDs(t *testing.T) {
	reg := newTestRegistry(2, clock.Real{}, nil)

	for _, id := range []string{"a", "b"} {
		if _, err := reg.Attach(id, &fakeConn{}); err != nil {
			t.Fatalf("attach %q: %v", id, err)
		}
	}

	if _, err := reg.Attach("c", &fakeConn{}); !errors.Is(err, ErrTooManyConnections) {
		t.Errorf("attach beyond cap: err = %v, want ErrTooManyConnections", err)
	}

	// Reconnecting an id that already holds a slot passes even at the cap.
	if _, err := reg.Attach("a", &fakeConn{}); err != nil {
		t.Errorf("re-attach at cap: %v", err)
	}
}

func TestBroadcastBestEffort(t *testing.T) {
	reg := newTestRegistry(10, clock.Real{}, nil)
	healthy := &fakeConn{}
	broken := &fakeConn{writeErr: errors.New("connection reset")}
	other := &fakeConn{}

	reg.Attach("a", healthy)
	reg.Attach("b", broken)
	reg.Attach("c", other)

	sent := reg.Broadcast("maintenance at 22:00")
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	want := "BROADCAST::maintenance at 22:00\n"
	for name, conn := range map[string]*fakeConn{"a": healthy, "c": other} {
		if len(conn.frames) != 1 || conn.frames[0] != want {
			t.Errorf("conn %s frames = %q, want [%q]", name, conn.frames, want)
		}
	}
}

func TestDispatch(t *testing.T) {
	cmds := &fakeCommands{nextID: "11111111-2222-3333-4444-555555555555"}
	reg := newTestRegistry(10, clock.Real{}, cmds)
	conn := &fakeConn{}
	reg.Attach("web-01", conn)

	id, err := reg.Dispatch("web-01", "ls -la")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if id != cmds.nextID {
		t.Errorf("command id = %q, want %q", id, cmds.nextID)
	}
	wantFrame := "CMD:" + cmds.nextID + "::ls -la\n"
	if len(conn.frames) != 1 || conn.frames[0] != wantFrame {
		t.Errorf("frames = %q, want [%q]", conn.frames, wantFrame)
	}
	if len(cmds.executing) != 1 || cmds.executing[0] != id {
		t.Errorf("executing = %q, want [%q]", cmds.executing, id)
	}
}

func TestDispatchNotConnected(t *testing.T) {
	cmds := &fakeCommands{nextID: "cmd-1"}
	reg := newTestRegistry(10, clock.Real{}, cmds)

	if _, err := reg.Dispatch("ghost", "ls"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if len(cmds.created) != 0 {
		t.Errorf("created = %q, want none for an unconnected target", cmds.created)
	}
}

func TestDispatchWriteFailureLeavesCommandPending(t *testing.T) {
	cmds := &fakeCommands{nextID: "cmd-1"}
	reg := newTestRegistry(10, clock.Real{}, cmds)
	reg.Attach("web-01", &fakeConn{writeErr: errors.New("broken pipe")})

	id, err := reg.Dispatch("web-01", "uptime")
	if err == nil {
		t.Fatal("Dispatch succeeded over a broken connection")
	}
	if id != "cmd-1" {
		t.Errorf("command id = %q, want cmd-1", id)
	}
	if len(cmds.executing) != 0 {
		t.Errorf("executing = %q, want none after a failed write", cmds.executing)
	}
}

func TestSweepExpiresIdleClients(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	reg := newTestRegistry(10, clk, nil)

	staleConn := &fakeConn{}
	reg.UpsertState(protocol.ClientInfo{ClientID: "stale"})
	reg.Attach("stale", staleConn)

	clk.Advance(50 * time.Second)
	reg.UpsertState(protocol.ClientInfo{ClientID: "fresh"})
	reg.Attach("fresh", &fakeConn{})

	clk.Advance(20 * time.Second) // stale is 70s idle, fresh 20s

	expired := reg.Sweep(60 * time.Second)
	if len(expired) != 1 || expired[0] != "stale" {
		t.Fatalf("expired = %q, want [stale]", expired)
	}
	if !staleConn.closed {
		t.Error("expired connection was not closed")
	}

	if _, ok := reg.Client("stale"); ok {
		t.Error("stale state survived the sweep")
	}
	if _, ok := reg.Client("fresh"); !ok {
		t.Error("fresh state did not survive the sweep")
	}
	clients, conns := reg.Counts()
	if clients != 1 || conns != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", clients, conns)
	}
}

func TestSweepAtExactTimeoutKeepsClient(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	reg := newTestRegistry(10, clk, nil)
	reg.UpsertState(protocol.ClientInfo{ClientID: "edge"})

	clk.Advance(60 * time.Second)

	// Eviction requires strictly more than the timeout.
	if expired := reg.Sweep(60 * time.Second); len(expired) != 0 {
		t.Fatalf("expired = %q, want none at the exact boundary", expired)
	}
	if _, ok := reg.Client("edge"); !ok {
		t.Error("client at the boundary was evicted")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	reg := newTestRegistry(10, clock.Real{}, nil)
	reg.UpsertState(protocol.ClientInfo{ClientID: "web-01"})

	snap := reg.Snapshot()
	delete(snap, "web-01")

	if _, ok := reg.Client("web-01"); !ok {
		t.Error("mutating the snapshot reached the registry")
	}
}
