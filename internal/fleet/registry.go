// Package fleet holds the server's in-memory view of the agent fleet: the
// last-known state per client id and the open connection handle per client
// id, plus the dispatch and broadcast paths that write to those handles.
package fleet

import (
	"errors"
	"sync"
	"time"

	"github.com/opshub/opshub/internal/clock"
	"github.com/opshub/opshub/internal/protocol"
)

var (
	// ErrTooManyConnections rejects a previously unseen client id once
	// the connection cap is reached.
	ErrTooManyConnections = errors.New("too many connections")

	// ErrNotConnected means a dispatch target has no attached connection.
	ErrNotConnected = errors.New("client not connected")
)

// Conn is the write half of one agent connection. Implementations serialize
// their own writes; the registry never holds its lock across a write.
type Conn interface {
	WriteFrame(frame []byte) error
	Close() error
}

// Commands is the command-tracker surface dispatch drives: mint an id for a
// new command and advance it once the frame is on the wire.
type Commands interface {
	Create(clientID, command string) string
	MarkExecuting(commandID string)
}

// Logger is the minimal logging interface the registry needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Registry is the process-wide fleet aggregate. One mutex guards all three
// fields; it is held only for map access, never across socket writes.
type Registry struct {
	mu        sync.Mutex
	clients   map[string]protocol.ClientInfo
	conns     map[string]Conn
	connCount int

	maxConns int
	clock    clock.Clock
	commands Commands
	log      Logger
}

// NewRegistry creates an empty registry capped at maxConns live connections.
func NewRegistry(maxConns int, clk clock.Clock, commands Commands, log Logger) *Registry {
	return &Registry{
		clients:  make(map[string]protocol.ClientInfo),
		conns:    make(map[string]Conn),
		maxConns: maxConns,
		clock:    clk,
		commands: commands,
		log:      log,
	}
}

// UpsertState stores info, overwriting last_seen with the server clock. The
// agent's own last_seen never survives ingest.
func (r *Registry) UpsertState(info protocol.ClientInfo) {
	info.LastSeen = protocol.NewWireTime(r.clock.Now())
	r.mu.Lock()
	r.clients[info.ClientID] = info
	r.mu.Unlock()
}

// Attach registers conn as the handle for clientID. A new id beyond the cap
// is rejected with ErrTooManyConnections; an id that already has a handle
// always replaces it, and the displaced handle is returned so the caller can
// close it outside the lock.
func (r *Registry) Attach(clientID string, conn Conn) (replaced Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.conns[clientID]; ok {
		r.conns[clientID] = conn
		return old, nil
	}
	if r.connCount >= r.maxConns {
		return nil, ErrTooManyConnections
	}
	r.conns[clientID] = conn
	r.connCount++
	return nil, nil
}

// Detach removes the handle for clientID, if any, and returns it. The state
// entry stays until the expiry sweep. The count saturates at zero.
func (r *Registry) Detach(clientID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[clientID]
	if !ok {
		return nil, false
	}
	delete(r.conns, clientID)
	if r.connCount > 0 {
		r.connCount--
	}
	return conn, true
}

// DetachIf removes the handle for clientID only while it is still conn.
// A replaced connection's cleanup must not evict its successor.
func (r *Registry) DetachIf(clientID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[clientID]
	if !ok || cur != conn {
		return false
	}
	delete(r.conns, clientID)
	if r.connCount > 0 {
		r.connCount--
	}
	return true
}

// DetachAll removes every connection handle and returns them so the caller
// can close them. Used at shutdown.
func (r *Registry) DetachAll() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.conns))
	for id, conn := range r.conns {
		out = append(out, conn)
		delete(r.conns, id)
	}
	r.connCount = 0
	return out
}

// LookupHandle returns the attached write handle for clientID.
func (r *Registry) LookupHandle(clientID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[clientID]
	return conn, ok
}

// Client returns the last-known state for clientID.
func (r *Registry) Client(clientID string) (protocol.ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.clients[clientID]
	return info, ok
}

// Snapshot copies the full fleet state map.
func (r *Registry) Snapshot() map[string]protocol.ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]protocol.ClientInfo, len(r.clients))
	for id, info := range r.clients {
		out[id] = info
	}
	return out
}

// Counts reports how many state entries and live connections exist.
func (r *Registry) Counts() (clients, connections int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients), r.connCount
}

// Broadcast writes BROADCAST::<text> to every attached handle. Per-peer
// write failures are logged and skipped; the call is best-effort and returns
// how many peers took the frame.
func (r *Registry) Broadcast(text string) int {
	frame := protocol.BuildBroadcast(text)

	r.mu.Lock()
	targets := make(map[string]Conn, len(r.conns))
	for id, conn := range r.conns {
		targets[id] = conn
	}
	r.mu.Unlock()

	sent := 0
	for id, conn := range targets {
		if err := conn.WriteFrame(frame); err != nil {
			r.log.Warn("broadcast write failed", "client_id", id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Dispatch mints a tracked command id, writes CMD:<id>::<command> to the
// target's handle and marks the command executing once the frame is out.
// Without a handle it returns ErrNotConnected and tracks nothing. On a write
// error the pending entry is left to age out to timeout.
func (r *Registry) Dispatch(clientID, command string) (string, error) {
	conn, ok := r.LookupHandle(clientID)
	if !ok {
		return "", ErrNotConnected
	}

	commandID := r.commands.Create(clientID, command)
	if err := conn.WriteFrame(protocol.BuildCommand(commandID, command)); err != nil {
		r.log.Warn("dispatch write failed",
			"client_id", clientID, "command_id", commandID, "error", err)
		return commandID, err
	}
	r.commands.MarkExecuting(commandID)
	r.log.Info("command dispatched", "client_id", clientID, "command_id", commandID)
	return commandID, nil
}

// Sweep drops every state entry idle longer than timeout, detaching and
// closing its connection if one is attached. Returns the expired ids.
func (r *Registry) Sweep(timeout time.Duration) []string {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []string
	var toClose []Conn
	for id, info := range r.clients {
		if now.Sub(info.LastSeen.Time) > timeout {
			expired = append(expired, id)
			delete(r.clients, id)
			if conn, ok := r.conns[id]; ok {
				delete(r.conns, id)
				if r.connCount > 0 {
					r.connCount--
				}
				toClose = append(toClose, conn)
			}
		}
	}
	r.mu.Unlock()

	for _, conn := range toClose {
		conn.Close()
	}
	for _, id := range expired {
		r.log.Info("client expired", "client_id", id, "timeout", timeout)
	}
	return expired
}
