package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/opshub/opshub/internal/events"
	"github.com/opshub/opshub/internal/metrics"
	"github.com/opshub/opshub/internal/protocol"
	"github.com/opshub/opshub/internal/tcpauth"
)

// authTimeout bounds how long an accepted socket may sit unauthenticated.
// Agents apply the same bound on their side of the handshake.
const authTimeout = 10 * time.Second

// agentConn is the write half of one agent socket. Every outbound frame
// (challenge, result, ACK, CMD, BROADCAST) goes through the mutex so writers
// on different goroutines cannot interleave partial lines.
type agentConn struct {
	mu sync.Mutex
	nc net.Conn
}

func (c *agentConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.nc.Write(frame)
	return err
}

func (c *agentConn) Close() error {
	return c.nc.Close()
}

// writeJSON sends one JSON frame with its newline terminator.
func (c *agentConn) writeJSON(f protocol.ServerFrame) error {
	raw, err := protocol.EncodeServer(f)
	if err != nil {
		return err
	}
	return c.WriteFrame(append(raw, '\n'))
}

// writeLine sends one text frame with its newline terminator.
func (c *agentConn) writeLine(text string) error {
	return c.WriteFrame([]byte(text + "\n"))
}

// handleConn runs the per-socket state machine: optional challenge-response
// authentication, then the ingest loop. The task owns the read half; the
// registry only ever holds the write half.
func (s *Server) handleConn(nc net.Conn) {
	conn := &agentConn{nc: nc}
	s.trackConn(conn)

	log := s.log.With("peer", nc.RemoteAddr().String())
	log.Info("handling agent connection")

	var (
		clientID string // bound at auth success, or at the first client_info
		attached bool
	)
	defer func() {
		s.untrackConn(conn)
		nc.Close()
		// Only clean up if the registry still holds our handle; a
		// reconnect may have rebound the id to a newer socket.
		if attached && s.registry.DetachIf(clientID, conn) {
			s.updateGauges()
			log.Info("agent disconnected", "client_id", clientID)
			s.bus.Publish(events.Event{
				Type:      events.EventAgentDisconnected,
				ClientID:  clientID,
				Message:   fmt.Sprintf("agent %s disconnected", clientID),
				Timestamp: s.clock.Now(),
			})
		}
	}()

	authed := !s.cfg.TCPAuthEnabled
	var challenge *protocol.AuthChallenge
	if !authed {
		challenge = s.auth.GenerateChallenge()
		if err := conn.writeJSON(challenge); err != nil {
			log.Warn("challenge write failed", "error", err)
			return
		}
		nc.SetReadDeadline(time.Now().Add(authTimeout))
		log.Debug("challenge sent", "nonce", challenge.Nonce)
	}

	reader := protocol.NewReader(nc)
	for {
		line, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				log.Debug("connection closed")
			} else {
				log.Warn("read failed", "error", err)
			}
			return
		}

		// A dispatch frame arriving on the inbound path means a peer
		// echoed it back. Drop it before it hits the JSON decoder.
		if protocol.IsCommandFrame(line) {
			log.Warn("dropped looped-back dispatch frame", "frame", string(line))
			continue
		}

		frame, err := protocol.DecodeAgent(line)
		if err != nil {
			log.Warn("dropped undecodable frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.AuthResponse:
			metrics.FramesTotal.WithLabelValues(protocol.TypeAuthResponse).Inc()
			if authed {
				log.Warn("auth response outside handshake", "client_id", f.ClientID)
				continue
			}
			if !s.auth.VerifyResponse(f, challenge.Nonce, challenge.Timestamp) {
				metrics.AuthTotal.WithLabelValues("failure").Inc()
				log.Warn("authentication failed", "client_id", f.ClientID)
				s.bus.Publish(events.Event{
					Type:      events.EventAuthFailed,
					ClientID:  f.ClientID,
					Message:   fmt.Sprintf("authentication failed for %s", f.ClientID),
					Timestamp: s.clock.Now(),
				})
				if err := conn.writeJSON(tcpauth.FailureResult()); err != nil {
					log.Warn("auth result write failed", "error", err)
				}
				return
			}
			authed = true
			nc.SetReadDeadline(time.Time{})
			metrics.AuthTotal.WithLabelValues("success").Inc()
			log.Info("agent authenticated", "client_id", f.ClientID)
			if err := conn.writeJSON(tcpauth.SuccessResult()); err != nil {
				log.Warn("auth result write failed", "error", err)
				return
			}
			if !s.attach(conn, f.ClientID, log) {
				return
			}
			clientID, attached = f.ClientID, true

		case *protocol.ClientInfo:
			if !authed {
				log.Warn("client_info before authentication", "client_id", f.ClientID)
				continue
			}
			metrics.FramesTotal.WithLabelValues(protocol.TypeClientInfo).Inc()
			if !attached {
				if !s.attach(conn, f.ClientID, log) {
					return
				}
				clientID, attached = f.ClientID, true
			}
			s.registry.UpsertState(*f)
			if err := conn.writeLine(protocol.Ack); err != nil {
				log.Warn("ack write failed", "client_id", f.ClientID, "error", err)
				return
			}

		case *protocol.CommandResponse:
			if !authed {
				log.Warn("command_response before authentication", "client_id", f.ClientID)
				continue
			}
			metrics.FramesTotal.WithLabelValues(protocol.TypeCommandResponse).Inc()
			took, tracked := s.tracker.StoreResult(*f)
			if tracked {
				metrics.CommandDuration.Observe(took.Seconds())
			}
			metrics.CommandsTotal.WithLabelValues("completed").Inc()
			log.Info("command response received",
				"client_id", f.ClientID,
				"command_id", f.CommandID,
				"exit_code", f.ExitCode,
			)
			s.bus.Publish(events.Event{
				Type:      events.EventCommandCompleted,
				ClientID:  f.ClientID,
				CommandID: f.CommandID,
				Timestamp: s.clock.Now(),
			})
		}
	}
}

// attach registers the write handle under clientID, enforcing the connection
// cap. When the id already had a handle the stale one is closed; its reader
// finds the registry rebound and skips the disconnect bookkeeping.
func (s *Server) attach(conn *agentConn, clientID string, log *slog.Logger) bool {
	replaced, err := s.registry.Attach(clientID, conn)
	if err != nil {
		metrics.ConnectionsRejected.Inc()
		log.Warn("connection rejected", "client_id", clientID, "error", err)
		conn.writeLine(protocol.ConnectionRejected)
		return false
	}

	now := s.clock.Now()
	if replaced != nil && replaced != conn {
		replaced.Close()
		log.Info("stale connection replaced", "client_id", clientID)
		s.bus.Publish(events.Event{
			Type:      events.EventAgentReplaced,
			ClientID:  clientID,
			Message:   fmt.Sprintf("agent %s reconnected, stale session dropped", clientID),
			Timestamp: now,
		})
	} else {
		log.Info("agent connected", "client_id", clientID)
		s.bus.Publish(events.Event{
			Type:      events.EventAgentConnected,
			ClientID:  clientID,
			Message:   fmt.Sprintf("agent %s connected", clientID),
			Timestamp: now,
		})
	}
	s.updateGauges()
	return true
}

func (s *Server) trackConn(c *agentConn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(c *agentConn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}
