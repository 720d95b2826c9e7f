// Package protocol defines the framed wire protocol between the server and
// its agents.
//
// Frames are newline-delimited UTF-8 lines. Most frames are single JSON
// objects carrying a discriminator field: agent to server frames use
// "data_type" (client_info, command_response, auth_response), server to
// agent authentication frames use "auth_type" (challenge, result). Three
// legacy text frames flow server to agent: CMD:<id>::<command>,
// BROADCAST::<text> and a bare ACK.
//
// Deployed agents predate the auth_type family and tag authentication frames
// with data_type names (auth_challenge, auth_response, auth_result). Decoders
// here accept both spellings; encoders emit the canonical ones.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Agent to server discriminator values ("data_type").
const (
	TypeClientInfo      = "client_info"
	TypeCommandResponse = "command_response"
	TypeAuthResponse    = "auth_response"
)

// Server to agent discriminator values ("auth_type").
const (
	AuthChallengeTag = "challenge"
	AuthResponseTag  = "response"
	AuthResultTag    = "result"
)

// Legacy discriminator values still emitted by older deployments.
const (
	legacyAuthChallenge = "auth_challenge"
	legacyAuthResult    = "auth_result"
)

// AgentFrame is a JSON message an agent sends to the server.
type AgentFrame interface{ agentFrame() }

// ServerFrame is a JSON message the server sends to an agent.
type ServerFrame interface{ serverFrame() }

func (*ClientInfo) agentFrame()      {}
func (*CommandResponse) agentFrame() {}
func (*AuthResponse) agentFrame()    {}

func (*AuthChallenge) serverFrame() {}
func (*AuthResult) serverFrame()    {}

// AuthChallenge opens the authentication round trip.
type AuthChallenge struct {
	Nonce     string `json:"nonce"`
	Timestamp uint64 `json:"timestamp"` // Unix seconds at issue time
}

// AuthResponse is the agent's proof of identity.
type AuthResponse struct {
	ClientID     string `json:"client_id"`
	Nonce        string `json:"nonce"`
	ResponseHash string `json:"response_hash"` // hex HMAC-SHA256
	Timestamp    uint64 `json:"timestamp"`     // Unix seconds at response time
}

// AuthResult closes the round trip.
type AuthResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// UnknownFrameError reports a JSON frame whose discriminator is missing or
// not recognised.
type UnknownFrameError struct {
	Tag string
}

func (e *UnknownFrameError) Error() string {
	if e.Tag == "" {
		return "frame has no recognised discriminator"
	}
	return fmt.Sprintf("unknown frame type %q", e.Tag)
}

// envelope peeks at the discriminators before the concrete decode.
type envelope struct {
	DataType string `json:"data_type"`
	AuthType string `json:"auth_type"`
}

// DecodeAgent parses one agent-originated JSON line into its concrete frame.
func DecodeAgent(line []byte) (AgentFrame, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	switch {
	case env.DataType == TypeClientInfo:
		var f ClientInfo
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode client_info: %w", err)
		}
		return &f, nil
	case env.DataType == TypeCommandResponse:
		var f CommandResponse
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode command_response: %w", err)
		}
		return &f, nil
	case env.DataType == TypeAuthResponse, env.AuthType == AuthResponseTag:
		var f AuthResponse
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode auth_response: %w", err)
		}
		return &f, nil
	default:
		tag := env.DataType
		if tag == "" {
			tag = env.AuthType
		}
		return nil, &UnknownFrameError{Tag: tag}
	}
}

// DecodeServer parses one server-originated JSON line into its concrete
// frame. Text frames (CMD:, BROADCAST::, ACK) are not JSON and must be
// picked off by the caller first.
func DecodeServer(line []byte) (ServerFrame, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	switch {
	case env.AuthType == AuthChallengeTag, env.DataType == legacyAuthChallenge:
		var f AuthChallenge
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode challenge: %w", err)
		}
		return &f, nil
	case env.AuthType == AuthResultTag, env.DataType == legacyAuthResult:
		var f AuthResult
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return &f, nil
	default:
		tag := env.AuthType
		if tag == "" {
			tag = env.DataType
		}
		return nil, &UnknownFrameError{Tag: tag}
	}
}

// EncodeAgent marshals an agent frame with its canonical discriminator.
// The returned bytes do not include the trailing newline.
func EncodeAgent(f AgentFrame) ([]byte, error) {
	switch v := f.(type) {
	case *ClientInfo:
		return tagged("data_type", TypeClientInfo, v)
	case *CommandResponse:
		return tagged("data_type", TypeCommandResponse, v)
	case *AuthResponse:
		return tagged("auth_type", AuthResponseTag, v)
	default:
		return nil, fmt.Errorf("encode: unsupported agent frame %T", f)
	}
}

// EncodeServer marshals a server frame with its canonical discriminator.
// The returned bytes do not include the trailing newline.
func EncodeServer(f ServerFrame) ([]byte, error) {
	switch v := f.(type) {
	case *AuthChallenge:
		return tagged("auth_type", AuthChallengeTag, v)
	case *AuthResult:
		return tagged("auth_type", AuthResultTag, v)
	default:
		return nil, fmt.Errorf("encode: unsupported server frame %T", f)
	}
}

// tagged injects the discriminator into the marshalled object. The body is
// marshalled first so a field named like the tag cannot be clobbered.
func tagged(tagField, tagValue string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	tv, err := json.Marshal(tagValue)
	if err != nil {
		return nil, err
	}
	m[tagField] = tv
	return json.Marshal(m)
}
