// Package ipc carries newline-delimited JSON messages between the relay
// and the daemon over a local unix socket.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidoit/blunux2SB/pkg/aiagent/notify"
)

// Type discriminates messages on the wire.
type Type string

const (
	TypeMessage  Type = "message"
	TypeResponse Type = "response"
	TypeAction   Type = "action"
)

// Actions understood by the server.
const (
	ActionPing   = "ping"
	ActionPoll   = "poll_notifications"
	ActionReset  = "reset"
	ActionStatus = "status"
)

// ErrMalformed marks a line that could not be decoded as a Message.
var ErrMalformed = errors.New("malformed message")

// Message is one line on the socket.
type Message struct {
	Type      Type   `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Body      string `json:"body,omitempty"`
	Action    string `json:"action,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// Pending is set on a response that asks the sender to confirm a
	// command.
	Pending bool `json:"pending,omitempty"`
	// Error is set on a response that reports a failure.
	Error bool `json:"error,omitempty"`

	Notifications []notify.Item `json:"notifications,omitempty"`
	Status        *Status       `json:"status,omitempty"`
}

// Status is the payload of a status response.
type Status struct {
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Provider string `json:"provider"`
	Queued   int    `json:"queued"`
	Dropped  uint64 `json:"dropped"`
	Rules    int    `json:"rules"`
	Running  int    `json:"running"`
	Sessions int    `json:"sessions"`
}

// Encode renders m as one newline-terminated line.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one line. Errors wrap ErrMalformed.
func Decode(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m.Type {
	case TypeMessage:
		if m.Body == "" {
			return Message{}, fmt.Errorf("%w: message without body", ErrMalformed)
		}
	case TypeAction:
		if m.Action == "" {
			return Message{}, fmt.Errorf("%w: action without name", ErrMalformed)
		}
	case TypeResponse:
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return m, nil
}
