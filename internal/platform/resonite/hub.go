// Package resonite connects a Resonite account to the presence engine
// through the Resonite SignalR hub. Contact status updates become user
// merges, session updates become session merges, and sessions referenced
// by status updates are fetched through the Resonite HTTP API.
package resonite

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// recordSeparator terminates every SignalR JSON hub record.
const recordSeparator = 0x1E

// SignalR hub message types.
const (
	messageInvocation = 1
	messageCompletion = 3
	messagePing       = 6
	messageClose      = 7
)

// Hub methods.
const (
	methodInitializeStatus     = "InitializeStatus"
	methodRequestStatus        = "RequestStatus"
	methodReceiveStatusUpdate  = "ReceiveStatusUpdate"
	methodReceiveSessionUpdate = "ReceiveSessionUpdate"
)

// hubMessage is any hub record. Only the fields relevant to its Type are
// set.
type hubMessage struct {
	Type         int               `json:"type"`
	Target       string            `json:"target,omitempty"`
	InvocationID string            `json:"invocationId,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// encodeRecord serializes v and appends the record separator.
func encodeRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("resonite: encode record: %w", err)
	}
	return append(data, recordSeparator), nil
}

// handshakeRecord opens a JSON protocol session with the hub.
func handshakeRecord() []byte {
	data, _ := encodeRecord(map[string]any{"protocol": "json", "version": 1})
	return data
}

// pingRecord keeps the hub connection alive.
func pingRecord() []byte {
	data, _ := encodeRecord(map[string]int{"type": messagePing})
	return data
}

// invocationRecord builds a fire-and-forget hub invocation.
func invocationRecord(target string, args ...any) []byte {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			// Only constants are passed here.
			panic(fmt.Sprintf("resonite: marshal %s argument: %v", target, err))
		}
		raw = append(raw, b)
	}
	data, _ := encodeRecord(hubMessage{Type: messageInvocation, Target: target, Arguments: raw})
	return data
}

// splitRecords splits one WebSocket text message into hub records. The hub
// may batch several records per message.
func splitRecords(data []byte) [][]byte {
	var records [][]byte
	for len(data) > 0 {
		i := bytes.IndexByte(data, recordSeparator)
		if i < 0 {
			if rec := bytes.TrimSpace(data); len(rec) > 0 {
				records = append(records, rec)
			}
			break
		}
		if rec := bytes.TrimSpace(data[:i]); len(rec) > 0 {
			records = append(records, rec)
		}
		data = data[i+1:]
	}
	return records
}
