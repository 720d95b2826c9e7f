// Package agent implements the opshub agent: a long-lived process on each
// managed host that connects to the control plane over TCP, answers its
// HMAC challenge, streams heartbeats, and executes dispatched commands.
//
// The agent owns its full lifecycle: identity bootstrap, authentication,
// heartbeat keepalive, command handling, and exponential-backoff
// reconnection.
package agent

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/opshub/opshub/internal/clock"
	"github.com/opshub/opshub/internal/config"
	"github.com/opshub/opshub/internal/logging"
	"github.com/opshub/opshub/internal/policy"
	"github.com/opshub/opshub/internal/protocol"
	"github.com/opshub/opshub/internal/tcpauth"
)

// authTimeout bounds each read of the authentication handshake. The server
// applies the same bound on its side.
const authTimeout = 10 * time.Second

// Host abstracts the machine the agent manages. The production
// implementation shells out and reads the filesystem; tests substitute a
// fake so nothing real is touched.
type Host interface {
	// SystemInfo collects a point-in-time snapshot of host metrics.
	SystemInfo() protocol.HostInfo
	// Versions lists the deployed artifact versions under the apps dir.
	Versions() []protocol.VersionInfo
	// Apps lists the managed applications and their service status.
	Apps() []protocol.AppInfo
	// Execute runs an already-validated command and reports its outcome.
	Execute(ctx context.Context, command string) ExecResult
	// LogCommand appends one line to the local command audit log.
	LogCommand(command string)
	// Announce delivers a broadcast message to local users, best effort.
	Announce(text string)
}

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	Output      string
	ErrorOutput string
	ExitCode    int32 // -1 when the process could not be spawned
}

// Agent connects to an opshub server and reports on the local host. It is
// the client-side counterpart of the server's connection handler.
type Agent struct {
	cfg       *config.AgentConfig
	host      Host
	validator *policy.Validator
	auth      *tcpauth.Authenticator
	clock     clock.Clock
	log       *logging.Logger

	clientID string

	mu        sync.RWMutex
	connected bool
}

// New creates an Agent. Call Run to start the connect loop.
func New(cfg *config.AgentConfig, host Host, clk clock.Clock, log *logging.Logger) *Agent {
	return &Agent{
		cfg:       cfg,
		host:      host,
		validator: policy.NewValidator(),
		auth:      tcpauth.New(cfg.TCPAuthSecret, clk),
		clock:     clk,
		log:       log,
	}
}

// Run resolves the agent identity and connects to the server, blocking
// until ctx is cancelled or the retry budget is spent. Failed sessions
// reconnect with exponential backoff; a session that stayed healthy for a
// while resets both the backoff and the failure count.
func (a *Agent) Run(ctx context.Context) error {
	id, err := LoadOrCreateClientID(a.cfg.ClientIDFile)
	if err != nil {
		return fmt.Errorf("client identity: %w", err)
	}
	a.clientID = id
	a.log.Info("agent starting", "client_id", id, "server", a.cfg.ServerAddress())

	bo := newBackoff(a.cfg.RetryBaseDelay, a.cfg.RetryMaxDelay)
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sessionStart := a.clock.Now()
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A session that lasted more than a minute was healthy; start
		// the next reconnect fast and forgive earlier failures.
		if a.clock.Since(sessionStart) > time.Minute {
			bo.reset()
			failures = 0
		}

		failures++
		if a.cfg.RetryMaxAttempts > 0 && failures >= a.cfg.RetryMaxAttempts {
			return fmt.Errorf("giving up after %d failed sessions: %w", failures, err)
		}

		wait := bo.next()
		a.log.Warn("session ended, reconnecting", "error", err, "failures", failures, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(wait):
		}
	}
}

// ClientID returns the resolved agent identity. Empty before Run.
func (a *Agent) ClientID() string { return a.clientID }

// Connected reports whether the agent currently holds a live session.
func (a *Agent) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Agent) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}

// runSession dials the server, completes the handshake when auth is
// enabled, and runs the heartbeat and receive loops until either fails.
func (a *Agent) runSession(ctx context.Context) error {
	d := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 10 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", a.cfg.ServerAddress())
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.ServerAddress(), err)
	}
	defer nc.Close()

	// Close the socket when ctx ends so blocked reads unwind.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	sess := &session{nc: nc, reader: protocol.NewReader(nc)}

	if a.cfg.TCPAuthEnabled {
		if err := a.authenticate(sess); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		a.log.Info("authenticated", "client_id", a.clientID)
	}

	a.setConnected(true)
	defer a.setConnected(false)

	// Run heartbeat and receive loops concurrently. The first error tears
	// down the session; the deferred Close unblocks the other loop.
	errCh := make(chan error, 2)
	go func() { errCh <- a.heartbeatLoop(ctx, sess) }()
	go func() { errCh <- a.receiveLoop(ctx, sess) }()
	return <-errCh
}

// session is one server connection. Writes are serialised because the
// heartbeat loop and command handlers send concurrently.
type session struct {
	mu     sync.Mutex
	nc     net.Conn
	reader *protocol.Reader
}

// writeJSON sends one agent frame with its newline terminator.
func (s *session) writeJSON(f protocol.AgentFrame) error {
	raw, err := protocol.EncodeAgent(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.nc.Write(append(raw, '\n'))
	return err
}

// authenticate answers the server's challenge. The server speaks first;
// anything but a fresh challenge followed by a success result aborts the
// session.
func (a *Agent) authenticate(sess *session) error {
	if err := sess.nc.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		return err
	}
	defer sess.nc.SetReadDeadline(time.Time{})

	line, err := sess.reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	frame, err := protocol.DecodeServer(line)
	if err != nil {
		return fmt.Errorf("decode challenge: %w", err)
	}
	ch, ok := frame.(*protocol.AuthChallenge)
	if !ok {
		return fmt.Errorf("expected challenge, got %T", frame)
	}

	resp, err := a.auth.GenerateResponse(a.clientID, ch)
	if err != nil {
		return err
	}
	if err := sess.writeJSON(resp); err != nil {
		return fmt.Errorf("send response: %w", err)
	}

	line, err = sess.reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	frame, err = protocol.DecodeServer(line)
	if err != nil {
		return fmt.Errorf("decode auth result: %w", err)
	}
	res, ok := frame.(*protocol.AuthResult)
	if !ok {
		return fmt.Errorf("expected auth result, got %T", frame)
	}
	if !res.Success {
		return fmt.Errorf("server rejected credentials: %s", res.Message)
	}
	return nil
}

// heartbeatLoop sends client_info every HeartbeatInterval. The first
// report goes out immediately so the server sees the agent without waiting
// a full interval.
func (a *Agent) heartbeatLoop(ctx context.Context, sess *session) error {
	if err := a.sendHeartbeat(sess); err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(a.cfg.HeartbeatInterval):
			if err := a.sendHeartbeat(sess); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			a.log.Debug("heartbeat sent")
		}
	}
}

func (a *Agent) sendHeartbeat(sess *session) error {
	return sess.writeJSON(&protocol.ClientInfo{
		ClientID:    a.clientID,
		SystemInfo:  a.host.SystemInfo(),
		VersionInfo: a.host.Versions(),
		AppInfo:     a.host.Apps(),
		LastSeen:    protocol.NewWireTime(a.clock.Now()),
	})
}

// receiveLoop reads server frames and dispatches them. Commands and
// broadcasts run in their own goroutine so a slow handler never blocks the
// read path.
func (a *Agent) receiveLoop(ctx context.Context, sess *session) error {
	for {
		line, err := sess.reader.ReadFrame()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		a.handleFrame(ctx, sess, string(line))
	}
}

// handleFrame routes one server frame: a dispatched command, a broadcast,
// a protocol ACK, or anything else (logged and dropped).
func (a *Agent) handleFrame(ctx context.Context, sess *session, line string) {
	if id, cmd, ok := protocol.ParseCommand(line); ok {
		go a.safeHandle("command", id, func() error {
			return a.handleCommand(ctx, sess, id, cmd)
		})
		return
	}
	if text, ok := protocol.ParseBroadcast(line); ok {
		a.log.Info("broadcast received", "message", text)
		go a.safeHandle("broadcast", "", func() error {
			a.host.Announce(text)
			return nil
		})
		return
	}

	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == protocol.Ack:
		a.log.Debug("ack received")
	case trimmed != "":
		a.log.Info("server message", "message", trimmed)
	}
}

// handleCommand validates and executes one dispatched command, then sends
// the command_response frame. Blocked commands report exit code -1 with
// the block reason as error output. Legacy dispatches carry no id; their
// outcome is only logged because the server cannot correlate a response.
func (a *Agent) handleCommand(ctx context.Context, sess *session, commandID, command string) error {
	a.log.Info("command received", "command_id", commandID, "command", command)

	sanitized := policy.Sanitize(command)
	decision := a.validator.Validate(sanitized)
	a.host.LogCommand(command)

	var res ExecResult
	if decision.Allowed {
		res = a.host.Execute(ctx, sanitized)
	} else {
		a.log.Warn("command blocked", "command_id", commandID, "reason", decision.Reason)
		res = ExecResult{ErrorOutput: "command blocked: " + decision.Reason, ExitCode: -1}
	}

	if commandID == "" {
		a.log.Info("legacy command finished", "exit_code", res.ExitCode)
		return nil
	}

	resp := &protocol.CommandResponse{
		CommandID:   commandID,
		ClientID:    a.clientID,
		Command:     command,
		Output:      res.Output,
		ErrorOutput: res.ErrorOutput,
		ExitCode:    res.ExitCode,
		ExecutedAt:  protocol.NewWireTime(a.clock.Now()),
	}
	if err := sess.writeJSON(resp); err != nil {
		return fmt.Errorf("send command response: %w", err)
	}
	a.log.Info("command result sent", "command_id", commandID, "exit_code", res.ExitCode)
	return nil
}

// safeHandle runs a frame handler so panics and errors are logged but
// never kill the session. One bad command must not take down the agent.
func (a *Agent) safeHandle(op, commandID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("handler panic", "op", op, "command_id", commandID, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		a.log.Error("handler failed", "op", op, "command_id", commandID, "error", err)
	}
}

// backoff implements exponential backoff for reconnection attempts,
// doubling from base and capping at maxDelay.
type backoff struct {
	attempt  int
	base     time.Duration
	maxDelay time.Duration
}

func newBackoff(base, maxDelay time.Duration) *backoff {
	return &backoff{base: base, maxDelay: maxDelay}
}

// next returns the next delay and increments the attempt counter. With a
// 2s base: 2s, 4s, 8s, ... capped at maxDelay.
func (b *backoff) next() time.Duration {
	shift := b.attempt
	if shift > 30 {
		shift = 30
	}
	delay := b.base << uint(shift)
	if delay > b.maxDelay || delay < 0 {
		delay = b.maxDelay
	}
	b.attempt++
	return delay
}

// reset clears the attempt counter after a healthy session.
func (b *backoff) reset() { b.attempt = 0 }
