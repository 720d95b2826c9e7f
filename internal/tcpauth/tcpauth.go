// Package tcpauth implements the HMAC-SHA256 challenge-response handshake
// that proves an agent's identity when its TCP session opens.
//
// The server issues challenge{nonce, timestamp}; the agent answers with
// hex(HMAC-SHA256(secret, client_id + nonce + decimal(timestamp))) computed
// over the issued challenge values; the server verifies and closes the round
// trip with result{success, message}. Both sides share one symmetric secret
// provisioned out of band.
package tcpauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/opshub/opshub/internal/clock"
	"github.com/opshub/opshub/internal/protocol"
)

const (
	// ChallengeMaxAge is how old (in seconds) a challenge may be before
	// an agent refuses to answer it.
	ChallengeMaxAge uint64 = 30

	// ResponseMaxAge is how old (in seconds) a response timestamp may be
	// before the server refuses it. Ages saturate at zero, so a
	// future-dated response counts as fresh.
	ResponseMaxAge uint64 = 60
)

// ErrChallengeExpired is returned when an agent is asked to answer a
// challenge that is older than ChallengeMaxAge.
var ErrChallengeExpired = errors.New("challenge timestamp too old")

// Authenticator computes and verifies handshake proofs for one shared secret.
type Authenticator struct {
	secret []byte
	clock  clock.Clock
}

// New creates an Authenticator around the shared secret.
func New(secret string, clk clock.Clock) *Authenticator {
	return &Authenticator{secret: []byte(secret), clock: clk}
}

// GenerateChallenge mints a fresh nonce stamped with the current time.
func (a *Authenticator) GenerateChallenge() *protocol.AuthChallenge {
	return &protocol.AuthChallenge{
		Nonce:     uuid.NewString(),
		Timestamp: uint64(a.clock.Now().Unix()),
	}
}

// GenerateResponse answers ch on behalf of clientID. The proof is computed
// over the challenge's own nonce and timestamp; the response carries the
// agent's current time so the server can judge freshness.
func (a *Authenticator) GenerateResponse(clientID string, ch *protocol.AuthChallenge) (*protocol.AuthResponse, error) {
	now := uint64(a.clock.Now().Unix())
	if age(now, ch.Timestamp) > ChallengeMaxAge {
		return nil, ErrChallengeExpired
	}
	return &protocol.AuthResponse{
		ClientID:     clientID,
		Nonce:        ch.Nonce,
		ResponseHash: a.computeHMAC(clientID, ch.Nonce, ch.Timestamp),
		Timestamp:    now,
	}, nil
}

// VerifyResponse checks resp against the nonce and timestamp the server
// originally issued: nonce equality, response freshness within
// ResponseMaxAge, and a constant-time comparison of the recomputed proof.
func (a *Authenticator) VerifyResponse(resp *protocol.AuthResponse, issuedNonce string, issuedTimestamp uint64) bool {
	if resp.Nonce != issuedNonce {
		return false
	}
	now := uint64(a.clock.Now().Unix())
	if age(now, resp.Timestamp) > ResponseMaxAge {
		return false
	}
	expected := a.computeHMAC(resp.ClientID, issuedNonce, issuedTimestamp)
	return hmac.Equal([]byte(expected), []byte(resp.ResponseHash))
}

// computeHMAC hashes the literal ASCII concatenation of client id, nonce and
// the decimal timestamp, with no separators or padding.
func (a *Authenticator) computeHMAC(clientID, nonce string, timestamp uint64) string {
	mac := hmac.New(sha256.New, a.secret)
	fmt.Fprintf(mac, "%s%s%d", clientID, nonce, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// SuccessResult builds the frame that closes a successful handshake.
func SuccessResult() *protocol.AuthResult {
	return &protocol.AuthResult{Success: true, Message: "Authentication successful"}
}

// FailureResult builds the frame sent just before closing a failed handshake.
func FailureResult() *protocol.AuthResult {
	return &protocol.AuthResult{Success: false, Message: "Authentication failed"}
}

// age returns now-then in seconds, clamped to zero when then is ahead of now.
func age(now, then uint64) uint64 {
	if then > now {
		return 0
	}
	return now - then
}
