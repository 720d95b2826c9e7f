package protocol

import (
	"fmt"
	"strings"
)

// Text frame prefixes and literals (server to agent).
const (
	cmdPrefix       = "CMD:"
	broadcastPrefix = "BROADCAST::"

	// Ack is written by the server after every accepted client_info frame.
	Ack = "ACK"

	// ConnectionRejected is written before close when the connection cap
	// is reached by a previously unseen client id.
	ConnectionRejected = "CONNECTION_REJECTED: Too many connections"
)

// BuildCommand renders the dispatch frame CMD:<id>::<command> with its
// trailing newline.
func BuildCommand(commandID, command string) []byte {
	return []byte(fmt.Sprintf("%s%s::%s\n", cmdPrefix, commandID, command))
}

// BuildBroadcast renders BROADCAST::<text> with its trailing newline.
func BuildBroadcast(text string) []byte {
	return []byte(broadcastPrefix + text + "\n")
}

// IsCommandFrame reports whether line is a dispatch frame. The server read
// path uses this to drop looped-back dispatches.
func IsCommandFrame(line []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(line)), cmdPrefix)
}

// ParseCommand splits a dispatch frame into id and command. Older servers
// sent CMD:<command> with no id; those parse with an empty id.
func ParseCommand(line string) (commandID, command string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, cmdPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(trimmed, cmdPrefix)
	if id, cmd, found := strings.Cut(rest, "::"); found {
		return strings.TrimSpace(id), strings.TrimSpace(cmd), true
	}
	return "", strings.TrimSpace(rest), true
}

// ParseBroadcast extracts the text of a broadcast frame.
func ParseBroadcast(line string) (text string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, broadcastPrefix) {
		return "", false
	}
	return strings.TrimPrefix(trimmed, broadcastPrefix), true
}
