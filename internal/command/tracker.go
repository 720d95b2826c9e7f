// Package command tracks dispatched commands from mint to completion: a
// pending map for commands still on the wire and a bounded completed map of
// results reported back by agents.
package command

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opshub/opshub/internal/clock"
	"github.com/opshub/opshub/internal/protocol"
)

// Status is the lifecycle phase of a tracked command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
)

// DefaultMaxResults bounds the completed map.
const DefaultMaxResults = 1000

// Pending is a command that has been minted but not yet answered.
type Pending struct {
	CommandID string    `json:"command_id"`
	ClientID  string    `json:"client_id"`
	Command   string    `json:"command"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is an agent's command response plus the server receive time, which
// drives eviction order and history sorting.
type Result struct {
	protocol.CommandResponse
	ReceivedAt time.Time `json:"received_at"`
}

// Tracker is the process-wide command ledger. Most operations mutate, so the
// RW split only pays off for the status and history reads.
type Tracker struct {
	mu         sync.RWMutex
	pending    map[string]*Pending
	completed  map[string]Result
	maxResults int
	clock      clock.Clock
}

// NewTracker creates a tracker keeping at most maxResults completed entries.
// A maxResults of zero or less falls back to DefaultMaxResults.
func NewTracker(maxResults int, clk clock.Clock) *Tracker {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Tracker{
		pending:    make(map[string]*Pending),
		completed:  make(map[string]Result),
		maxResults: maxResults,
		clock:      clk,
	}
}

// Create mints a fresh command id and records the command as pending.
func (t *Tracker) Create(clientID, command string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.pending[id] = &Pending{
		CommandID: id,
		ClientID:  clientID,
		Command:   command,
		Status:    StatusPending,
		CreatedAt: t.clock.Now(),
	}
	t.mu.Unlock()
	return id
}

// MarkExecuting advances a pending command to executing. Calling it again,
// or with an unknown id, changes nothing.
func (t *Tracker) MarkExecuting(commandID string) {
	t.mu.Lock()
	if p, ok := t.pending[commandID]; ok && p.Status == StatusPending {
		p.Status = StatusExecuting
	}
	t.mu.Unlock()
}

// StoreResult files an agent response under its command id, dropping the
// pending entry if one exists. When the completed map is full the entry with
// the smallest received_at is evicted first; ties break on the smaller
// command id so eviction stays deterministic. The returned duration is the
// dispatch-to-receipt time, valid only when tracked is true (the response
// matched a pending command).
func (t *Tracker) StoreResult(resp protocol.CommandResponse) (took time.Duration, tracked bool) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pending[resp.CommandID]; ok {
		took = now.Sub(p.CreatedAt)
		tracked = true
		delete(t.pending, resp.CommandID)
	}
	if len(t.completed) >= t.maxResults {
		t.evictOldestLocked()
	}
	t.completed[resp.CommandID] = Result{
		CommandResponse: resp,
		ReceivedAt:      now,
	}
	return took, tracked
}

func (t *Tracker) evictOldestLocked() {
	var victim string
	var oldest time.Time
	for id, res := range t.completed {
		if victim == "" || res.ReceivedAt.Before(oldest) ||
			(res.ReceivedAt.Equal(oldest) && id < victim) {
			victim = id
			oldest = res.ReceivedAt
		}
	}
	if victim != "" {
		delete(t.completed, victim)
	}
}

// GetStatus reports the phase of a command, consulting pending before
// completed.
func (t *Tracker) GetStatus(commandID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.pending[commandID]; ok {
		return p.Status, true
	}
	if _, ok := t.completed[commandID]; ok {
		return StatusCompleted, true
	}
	return "", false
}

// GetResult returns the stored result for a completed command.
func (t *Tracker) GetResult(commandID string) (Result, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res, ok := t.completed[commandID]
	return res, ok
}

// GetClientResults returns up to limit completed results for one client,
// newest first.
func (t *Tracker) GetClientResults(clientID string, limit int) []Result {
	t.mu.RLock()
	var out []Result
	for _, res := range t.completed {
		if res.ClientID == clientID {
			out = append(out, res)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].CommandID > out[j].CommandID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Sweep times out every pending command older than timeout and removes it.
// Returns the ids that were dropped.
func (t *Tracker) Sweep(timeout time.Duration) []string {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []string
	for id, p := range t.pending {
		if now.Sub(p.CreatedAt) > timeout {
			p.Status = StatusTimeout
			delete(t.pending, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Counts reports how many commands are pending and completed.
func (t *Tracker) Counts() (pending, completed int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending), len(t.completed)
}
