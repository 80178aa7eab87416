package ws

import (
	"context"
	"log"

	"github.com/hai-vr/XYVR-sub001/internal/live"
	"github.com/hai-vr/XYVR-sub001/internal/protocol"
)

// Snapshotter is the part of the engine's query surface a snapshot needs.
type Snapshotter interface {
	AllUserUpdates(apps ...live.NamedApp) []live.UserUpdate
	AllSessions(apps ...live.NamedApp) []live.Session
}

// SnapshotHandler answers get_snapshot with the current users and sessions,
// filtered to the requested apps.
func SnapshotHandler(src Snapshotter) MessageHandler {
	return func(conn *Connection, msg interface{}) {
		req, ok := msg.(protocol.GetSnapshotMsg)
		if !ok {
			return
		}
		apps, err := req.NamedApps()
		if err != nil {
			sendError(conn, "invalid_app", err.Error())
			return
		}

		data, err := protocol.NewServerMessage(protocol.TypeSnapshot, protocol.SnapshotMsg{
			Users:    src.AllUserUpdates(apps...),
			Sessions: src.AllSessions(apps...),
		})
		if err != nil {
			log.Printf("ws: failed to build snapshot conn=%s: %v", conn.ID, err)
			sendError(conn, "internal_error", "snapshot unavailable")
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("ws: failed to send snapshot conn=%s: %v", conn.ID, err)
		}
	}
}

// UserUpdated broadcasts a user_update to every UI connection.
func (s *Server) UserUpdated(_ context.Context, u live.UserUpdate) error {
	data, err := protocol.UserUpdate(u)
	if err != nil {
		return err
	}
	s.Broadcast(data)
	return nil
}

// SessionUpdated broadcasts a session_update to every UI connection.
func (s *Server) SessionUpdated(_ context.Context, sess live.Session) error {
	data, err := protocol.SessionUpdate(sess)
	if err != nil {
		return err
	}
	s.Broadcast(data)
	return nil
}
