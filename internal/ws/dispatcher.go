package ws

import (
	"errors"
	"log"

	"github.com/hai-vr/XYVR-sub001/internal/protocol"
)

// MessageHandler handles one decoded client message; msg is the value
// protocol.ParseClientMessage produced, e.g. protocol.GetSnapshotMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client messages by type. Pings are answered
// directly; malformed or unknown messages get an error reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if errors.Is(err, protocol.ErrUnknownType) {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		sendError(conn, "unsupported_type", "unsupported message type")
		return
	}
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: no handler for type=%q conn=%s", msgType, conn.ID)
		sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError replies with an error message. Failures are only logged.
func sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

func sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}
