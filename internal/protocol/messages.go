// Package protocol defines the JSON messages exchanged with UI relay
// clients and published on the message bus. Every message is an object
// with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hai-vr/XYVR-sub001/internal/live"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeGetSnapshot = "get_snapshot"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected     = "connected"
	TypeUserUpdate    = "user_update"
	TypeSessionUpdate = "session_update"
	TypeSnapshot      = "snapshot"
	TypeError         = "error"
	TypePong          = "pong"
)

// ErrUnknownType is returned for client messages with an unrecognized type.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the type discriminator plus the undecoded message.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// GetSnapshotMsg asks for the current user and session state, optionally
// restricted to some apps (by name, e.g. "VRChat").
type GetSnapshotMsg struct {
	Type string   `json:"type"`
	Apps []string `json:"apps,omitempty"`
}

// NamedApps parses Apps. An empty list means all apps.
func (m GetSnapshotMsg) NamedApps() ([]live.NamedApp, error) {
	apps := make([]live.NamedApp, 0, len(m.Apps))
	for _, name := range m.Apps {
		app, err := live.ParseNamedApp(name)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// PingMsg asks for a pong.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after the websocket upgrade.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// UserUpdateMsg carries one merged user record.
type UserUpdateMsg struct {
	Type string          `json:"type"`
	User live.UserUpdate `json:"user"`
}

// SessionUpdateMsg carries one changed session.
type SessionUpdateMsg struct {
	Type    string       `json:"type"`
	Session live.Session `json:"session"`
}

// SnapshotMsg answers get_snapshot.
type SnapshotMsg struct {
	Type     string            `json:"type"`
	Users    []live.UserUpdate `json:"users"`
	Sessions []live.Session    `json:"sessions"`
}

// ErrorMsg reports a rejected client message.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers PingMsg.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw websocket bytes into a typed client
// message. Unknown types return the type string and ErrUnknownType.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeGetSnapshot:
		var m GetSnapshotMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload, one of the server message structs,
// with its "type" field set to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// UserUpdate encodes a user_update message.
func UserUpdate(u live.UserUpdate) ([]byte, error) {
	return NewServerMessage(TypeUserUpdate, UserUpdateMsg{User: u})
}

// SessionUpdate encodes a session_update message.
func SessionUpdate(s live.Session) ([]byte, error) {
	return NewServerMessage(TypeSessionUpdate, SessionUpdateMsg{Session: s})
}
