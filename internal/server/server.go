// Package server runs the agent-facing TCP listener: it accepts connections,
// drives the per-socket handshake and ingest state machine, sweeps stale
// fleet and command state, and relays lifecycle events to the notification
// dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/opshub/opshub/internal/clock"
	"github.com/opshub/opshub/internal/command"
	"github.com/opshub/opshub/internal/config"
	"github.com/opshub/opshub/internal/events"
	"github.com/opshub/opshub/internal/fleet"
	"github.com/opshub/opshub/internal/logging"
	"github.com/opshub/opshub/internal/metrics"
	"github.com/opshub/opshub/internal/notify"
	"github.com/opshub/opshub/internal/policy"
	"github.com/opshub/opshub/internal/tcpauth"
)

// Server owns the fleet control plane: the TCP listener, the registry and
// tracker singletons, and the background sweepers. The HTTP layer talks to it
// through DispatchCommand, BroadcastMessage and the Registry/Tracker
// accessors.
type Server struct {
	cfg       *config.ServerConfig
	registry  *fleet.Registry
	tracker   *command.Tracker
	validator *policy.Validator
	auth      *tcpauth.Authenticator
	bus       *events.Bus
	notifier  *notify.Multi
	clock     clock.Clock
	log       *logging.Logger

	lis  net.Listener
	wg   sync.WaitGroup
	done chan struct{}
	stop sync.Once

	// connMu protects conns, the set of every open socket including ones
	// still authenticating. Stop closes them all to unblock their readers.
	connMu sync.Mutex
	conns  map[*agentConn]struct{}
}

// New wires up a Server from its configuration. Call Start to begin
// listening.
func New(cfg *config.ServerConfig, bus *events.Bus, notifier *notify.Multi, clk clock.Clock, log *logging.Logger) *Server {
	validator := policy.NewValidator()
	validator.SetScriptDirs(cfg.AllowedScriptDirs)
	validator.SetScriptExtensions(cfg.AllowedScriptExtensions)

	tracker := command.NewTracker(cfg.MaxResults, clk)
	registry := fleet.NewRegistry(cfg.MaxConnections, clk, tracker, log.With("component", "registry"))

	return &Server{
		cfg:       cfg,
		registry:  registry,
		tracker:   tracker,
		validator: validator,
		auth:      tcpauth.New(cfg.TCPAuthSecret, clk),
		bus:       bus,
		notifier:  notifier,
		clock:     clk,
		log:       log,
		done:      make(chan struct{}),
		conns:     make(map[*agentConn]struct{}),
	}
}

// Registry exposes the fleet registry to the HTTP layer.
func (s *Server) Registry() *fleet.Registry { return s.registry }

// Tracker exposes the command tracker to the HTTP layer.
func (s *Server) Tracker() *command.Tracker { return s.tracker }

// Addr returns the listener address, useful when the configured port is 0.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Start opens the agent listener and launches the accept, sweep, notify and
// digest loops. It returns once the listener is live.
func (s *Server) Start(ctx context.Context) error {
	var digest cron.Schedule
	if s.cfg.DigestSchedule != "" {
		sched, err := cron.ParseStandard(s.cfg.DigestSchedule)
		if err != nil {
			return fmt.Errorf("parse digest schedule %q: %w", s.cfg.DigestSchedule, err)
		}
		digest = sched
	}

	lis, err := net.Listen("tcp", s.cfg.TCPAddress())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.TCPAddress(), err)
	}
	s.lis = lis

	if s.cfg.TCPAuthEnabled && s.cfg.TCPAuthSecret == config.DefaultTCPAuthSecret {
		s.log.Warn("agent authentication is using the built-in default secret, set OPS_TCP_AUTH_SECRET")
	}

	s.wg.Add(3)
	go s.acceptLoop(ctx)
	go s.sweepLoop(ctx)
	go s.notifyLoop(ctx)
	if digest != nil {
		s.wg.Add(1)
		go s.digestLoop(ctx, digest)
	}

	s.log.Info("agent listener started",
		"addr", lis.Addr().String(),
		"auth", s.cfg.TCPAuthEnabled,
		"max_connections", s.cfg.MaxConnections,
	)
	return nil
}

// Stop closes the listener and every open agent socket, then waits for all
// connection tasks and background loops to exit. Safe to call more than once.
func (s *Server) Stop() {
	s.stop.Do(func() {
		close(s.done)
		if s.lis != nil {
			s.lis.Close()
		}

		// Empty the registry first so the unblocked readers find their
		// entries already gone and skip the disconnect bookkeeping.
		for _, h := range s.registry.DetachAll() {
			h.Close()
		}
		s.connMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
	s.log.Info("agent listener stopped")
}

// acceptLoop hands each accepted socket to its own connection task.
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		nc, err := s.lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

// sweepLoop expires idle agents and overdue commands every cleanup interval.
func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.clock.After(s.cfg.CleanupInterval):
			s.sweepOnce()
		}
	}
}

func (s *Server) sweepOnce() {
	now := s.clock.Now()

	expired := s.registry.Sweep(s.cfg.ClientTimeout)
	for _, id := range expired {
		metrics.SweepEvictions.WithLabelValues("client").Inc()
		s.bus.Publish(events.Event{
			Type:      events.EventAgentExpired,
			ClientID:  id,
			Message:   fmt.Sprintf("agent %s expired after %s without a heartbeat", id, s.cfg.ClientTimeout),
			Timestamp: now,
		})
	}
	if len(expired) > 0 {
		s.log.Info("expired idle agents", "count", len(expired), "timeout", s.cfg.ClientTimeout)
	}

	overdue := s.tracker.Sweep(s.cfg.CommandTimeout)
	for _, id := range overdue {
		metrics.SweepEvictions.WithLabelValues("command").Inc()
		metrics.CommandsTotal.WithLabelValues("timeout").Inc()
		s.bus.Publish(events.Event{
			Type:      events.EventCommandTimeout,
			CommandID: id,
			Message:   fmt.Sprintf("command %s timed out after %s", id, s.cfg.CommandTimeout),
			Timestamp: now,
		})
	}
	if len(overdue) > 0 {
		s.log.Warn("timed out pending commands", "count", len(overdue), "timeout", s.cfg.CommandTimeout)
	}

	s.updateGauges()
	if s.cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(s.cfg.MetricsTextfile); err != nil {
			s.log.Warn("metrics textfile write failed", "path", s.cfg.MetricsTextfile, "error", err)
		}
	}
}

// updateGauges refreshes the fleet gauges after registry membership changes.
func (s *Server) updateGauges() {
	clients, connections := s.registry.Counts()
	metrics.AgentsKnown.Set(float64(clients))
	metrics.AgentsConnected.Set(float64(connections))
}

// PolicyError reports a command refused by the dispatch policy.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

// DispatchCommand validates command against the dispatch policy and, when it
// passes, sends it to the named agent. The minted command id is returned for
// result tracking. A failed write still returns the id; the tracker entry
// ages out to Timeout.
func (s *Server) DispatchCommand(clientID, command string) (string, error) {
	if d := s.validator.Validate(command); !d.Allowed {
		metrics.CommandsTotal.WithLabelValues("blocked").Inc()
		s.log.Warn("command blocked", "client_id", clientID, "reason", d.Reason)
		return "", &PolicyError{Reason: d.Reason}
	}

	commandID, err := s.registry.Dispatch(clientID, command)
	if err != nil {
		return commandID, err
	}
	metrics.CommandsTotal.WithLabelValues("dispatched").Inc()
	return commandID, nil
}

// BroadcastMessage fans a text notification out to every attached agent and
// reports how many sockets took the write.
func (s *Server) BroadcastMessage(text string) int {
	sent := s.registry.Broadcast(text)
	metrics.BroadcastsTotal.Inc()
	s.bus.Publish(events.Event{
		Type:      events.EventBroadcastSent,
		Message:   text,
		Timestamp: s.clock.Now(),
	})
	return sent
}
