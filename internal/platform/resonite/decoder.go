package resonite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hai-vr/XYVR-sub001/internal/connector"
	"github.com/hai-vr/XYVR-sub001/internal/live"
)

// Engine is the part of the presence engine the decoder writes to.
type Engine interface {
	MergeUser(in live.UserUpdate)
	MergeSession(in live.SessionUpdate, participant *live.Participant) live.Session
}

// userStatus is the ReceiveStatusUpdate payload.
type userStatus struct {
	UserID              string            `json:"userId"`
	OnlineStatus        string            `json:"onlineStatus"`
	SessionType         string            `json:"sessionType"`
	OutputDevice        string            `json:"outputDevice"`
	UserSessionID       string            `json:"userSessionId"`
	Sessions            []sessionMetadata `json:"sessions"`
	CurrentSessionIndex *int              `json:"currentSessionIndex"`
}

type sessionMetadata struct {
	SessionID     string `json:"sessionId"`
	SessionHash   string `json:"sessionHash"`
	AccessLevel   string `json:"accessLevel"`
	SessionHidden bool   `json:"sessionHidden"`
	IsHost        bool   `json:"isHost"`
}

// id returns the native session id, falling back to the hash when the hub
// withholds the id.
func (m sessionMetadata) id() string {
	if m.SessionID != "" {
		return m.SessionID
	}
	return m.SessionHash
}

// sessionInfo is a full session record, from ReceiveSessionUpdate or the
// sessions API.
type sessionInfo struct {
	SessionID       string        `json:"sessionId"`
	Name            string        `json:"name"`
	HostUserID      string        `json:"hostUserId"`
	HostUsername    string        `json:"hostUsername"`
	JoinedUsers     int           `json:"joinedUsers"`
	ActiveUsers     int           `json:"activeUsers"`
	MaxUsers        int           `json:"maxUsers"`
	AccessLevel     string        `json:"accessLevel"`
	HideFromListing bool          `json:"hideFromListing"`
	ThumbnailURL    string        `json:"thumbnailUrl"`
	HasEnded        bool          `json:"hasEnded"`
	IsValid         *bool         `json:"isValid"`
	SessionUsers    []sessionUser `json:"sessionUsers"`
	WorldID         *worldRecord  `json:"correspondingWorldId"`
}

type sessionUser struct {
	Username  string `json:"username"`
	UserID    string `json:"userID"`
	IsPresent bool   `json:"isPresent"`
}

type worldRecord struct {
	RecordID string `json:"recordId"`
	OwnerID  string `json:"ownerId"`
}

// Decoder turns hub messages into engine merges.
type Decoder struct {
	engine  Engine
	self    string
	enqueue func(sessionID string) bool
}

// NewDecoder creates a Decoder for the account self. enqueue may be nil.
func NewDecoder(engine Engine, self string, enqueue func(string) bool) *Decoder {
	return &Decoder{engine: engine, self: self, enqueue: enqueue}
}

// Handle decodes one WebSocket message, which may carry several hub
// records. A failing record is reported but does not stop the others. A
// close record returns an error wrapping connector.ErrReconnect.
func (d *Decoder) Handle(_ context.Context, data []byte) error {
	var errs []error
	for _, rec := range splitRecords(data) {
		if err := d.handleRecord(rec); err != nil {
			if errors.Is(err, connector.ErrReconnect) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Decoder) handleRecord(rec []byte) error {
	var msg hubMessage
	if err := json.Unmarshal(rec, &msg); err != nil {
		return fmt.Errorf("resonite: decode record: %w", err)
	}

	switch msg.Type {
	case 0:
		// Handshake response: "{}" or {"error": "..."}.
		if msg.Error != "" {
			return fmt.Errorf("resonite: handshake rejected: %s: %w", msg.Error, connector.ErrReconnect)
		}
		return nil
	case messagePing, messageCompletion:
		return nil
	case messageClose:
		return fmt.Errorf("resonite: hub closed connection %q: %w", msg.Error, connector.ErrReconnect)
	case messageInvocation:
	default:
		return nil
	}

	switch msg.Target {
	case methodReceiveStatusUpdate:
		var status userStatus
		if err := decodeFirstArgument(msg, &status); err != nil {
			return err
		}
		return d.applyStatus(status)
	case methodReceiveSessionUpdate:
		var info sessionInfo
		if err := decodeFirstArgument(msg, &info); err != nil {
			return err
		}
		return d.applySession(info)
	default:
		return nil
	}
}

func decodeFirstArgument(msg hubMessage, v any) error {
	if len(msg.Arguments) == 0 {
		return fmt.Errorf("resonite: %s without arguments", msg.Target)
	}
	if err := json.Unmarshal(msg.Arguments[0], v); err != nil {
		return fmt.Errorf("resonite: decode %s: %w", msg.Target, err)
	}
	return nil
}

// applyStatus merges every session the contact reports, then the contact
// itself pointing at its current session.
func (d *Decoder) applyStatus(s userStatus) error {
	if s.UserID == "" {
		return fmt.Errorf("resonite: %s without userId", methodReceiveStatusUpdate)
	}

	status := ParseStatus(s.OnlineStatus)
	u := live.UserUpdate{
		App:                   live.NamedAppResonite,
		InAppIdentifier:       s.UserID,
		OnlineStatus:          live.Ptr(status),
		CallerInAppIdentifier: d.self,
		Trigger:               "resonite:" + methodReceiveStatusUpdate,
	}

	if status == live.StatusOffline {
		u.MainSession = &live.SessionRef{Knowledge: live.KnowledgeOffline}
		u.MultiSessionGUIDs = []string{}
		d.engine.MergeUser(u)
		return nil
	}

	guids := make([]string, len(s.Sessions))
	for i, meta := range s.Sessions {
		id := meta.id()
		if id == "" || meta.SessionHidden {
			continue
		}
		// Details come from session updates or the fetch; here the session
		// only needs a GUID.
		session := d.engine.MergeSession(live.SessionUpdate{
			App:                    live.NamedAppResonite,
			InAppSessionIdentifier: id,
		}, nil)
		guids[i] = session.GUID
		if session.Name == nil && d.enqueue != nil && meta.SessionID != "" {
			d.enqueue(id)
		}
	}

	u.MultiSessionGUIDs = make([]string, 0, len(guids))
	for _, g := range guids {
		if g != "" {
			u.MultiSessionGUIDs = append(u.MultiSessionGUIDs, g)
		}
	}

	switch idx := s.CurrentSessionIndex; {
	case idx != nil && *idx >= 0 && *idx < len(s.Sessions):
		if s.Sessions[*idx].SessionHidden || guids[*idx] == "" {
			u.MainSession = &live.SessionRef{Knowledge: live.KnowledgePrivateInstance}
		} else {
			u.MainSession = &live.SessionRef{Knowledge: live.KnowledgeKnown, SessionGUID: guids[*idx]}
		}
	case s.SessionType == "ChatClient":
		u.MainSession = &live.SessionRef{Knowledge: live.KnowledgeWebClient}
	default:
		u.MainSession = &live.SessionRef{Knowledge: live.KnowledgeNotInWorld}
	}

	d.engine.MergeUser(u)
	return nil
}

func (d *Decoder) applySession(info sessionInfo) error {
	if info.SessionID == "" {
		return fmt.Errorf("resonite: %s without sessionId", methodReceiveSessionUpdate)
	}
	if info.HasEnded {
		log.Printf("[resonite] session %s ended", info.SessionID)
	}
	d.engine.MergeSession(info.SessionUpdate(), nil)
	return nil
}

// SessionUpdate converts a session record to a canonical update.
func (info sessionInfo) SessionUpdate() live.SessionUpdate {
	details := live.SessionDetails{
		Name:              live.Ptr(info.Name),
		CurrentAttendance: live.Ptr(info.JoinedUsers),
		IsOpen:            live.Ptr(!info.HasEnded && (info.IsValid == nil || *info.IsValid)),
		Markers:           accessMarkers(info.AccessLevel, info.HideFromListing),
		Roster:            roster(info),
	}
	if info.HostUserID != "" {
		details.HostInAppIdentifier = live.Ptr(info.HostUserID)
	}
	if info.HostUsername != "" {
		details.HostDisplayName = live.Ptr(info.HostUsername)
	}
	if info.MaxUsers > 0 {
		details.SessionCapacity = live.Ptr(info.MaxUsers)
	}
	if info.ThumbnailURL != "" {
		details.ThumbnailURL = live.Ptr(info.ThumbnailURL)
	}
	if info.WorldID != nil && info.WorldID.RecordID != "" {
		details.SupplementalIdentifier = live.Ptr(info.WorldID.OwnerID + "/" + info.WorldID.RecordID)
	}
	return live.SessionUpdate{
		App:                    live.NamedAppResonite,
		InAppSessionIdentifier: info.SessionID,
		SessionDetails:         details,
	}
}

func roster(info sessionInfo) []live.Participant {
	out := make([]live.Participant, 0, len(info.SessionUsers))
	for _, su := range info.SessionUsers {
		if !su.IsPresent {
			continue
		}
		isHost := su.UserID != "" && su.UserID == info.HostUserID
		p := live.UnknownParticipant(su.Username, isHost)
		if su.UserID != "" {
			p = live.KnownParticipant(su.UserID, isHost)
			p.DisplayName = su.Username
		}
		out = append(out, p)
	}
	return out
}

// ParseStatus maps a Resonite online status to an OnlineStatus. Invisible
// contacts look offline.
func ParseStatus(s string) live.OnlineStatus {
	switch s {
	case "Online":
		return live.StatusOnline
	case "Sociable":
		return live.StatusResoniteSociable
	case "Busy":
		return live.StatusResoniteBusy
	case "Away":
		return live.StatusResoniteAway
	case "Offline", "Invisible":
		return live.StatusOffline
	default:
		return live.StatusIndeterminate
	}
}

func accessMarkers(level string, hidden bool) []live.SessionMarker {
	var markers []live.SessionMarker
	switch level {
	case "Anyone":
		markers = append(markers, live.MarkerResonitePublic)
	case "RegisteredUsers":
		markers = append(markers, live.MarkerResoniteRegisteredUsers)
	case "ContactsPlus":
		markers = append(markers, live.MarkerResoniteContactsPlus)
	case "Contacts":
		markers = append(markers, live.MarkerResoniteContacts)
	case "LAN":
		markers = append(markers, live.MarkerResoniteLAN)
	case "Private":
		markers = append(markers, live.MarkerResonitePrivate)
	}
	if hidden {
		markers = append(markers, live.MarkerResoniteHidden)
	}
	return markers
}
