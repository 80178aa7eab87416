package vrchat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hai-vr/XYVR-sub001/internal/live"
)

// Pipeline event types handled by the decoder. Other types are ignored.
const (
	EventFriendOnline   = "friend-online"
	EventFriendActive   = "friend-active"
	EventFriendLocation = "friend-location"
	EventFriendOffline  = "friend-offline"
	EventFriendUpdate   = "friend-update"
	EventFriendAdd      = "friend-add"
	EventFriendDelete   = "friend-delete"
)

// Engine is the part of the presence engine the decoder writes to.
type Engine interface {
	MergeUser(in live.UserUpdate)
	MergeSession(in live.SessionUpdate, participant *live.Participant) live.Session
}

// envelope is the outer pipeline frame. Content is usually a JSON document
// encoded as a string.
type envelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// friendContent is the payload of every friend-* event.
type friendContent struct {
	UserID              string    `json:"userId"`
	Location            string    `json:"location"`
	TravelingToLocation string    `json:"travelingToLocation"`
	WorldID             string    `json:"worldId"`
	Platform            string    `json:"platform"`
	User                *apiUser  `json:"user"`
	World               *apiWorld `json:"world"`
}

type apiUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Status            string `json:"status"`
	StatusDescription string `json:"statusDescription"`
}

type apiWorld struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Capacity          int    `json:"capacity"`
	ThumbnailImageURL string `json:"thumbnailImageUrl"`
}

// Decoder turns pipeline frames into engine merges.
type Decoder struct {
	engine Engine
	self   string

	// enqueue requests instance details for a location. It may be nil.
	enqueue func(location string) bool
}

// NewDecoder creates a Decoder for the account self.
func NewDecoder(engine Engine, self string, enqueue func(string) bool) *Decoder {
	return &Decoder{engine: engine, self: self, enqueue: enqueue}
}

// Handle decodes one pipeline frame. Unknown event types are ignored; a
// malformed frame returns an error and leaves the engine untouched.
func (d *Decoder) Handle(_ context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("vrchat: decode envelope: %w", err)
	}

	switch env.Type {
	case EventFriendOnline, EventFriendActive, EventFriendLocation, EventFriendOffline,
		EventFriendUpdate, EventFriendAdd, EventFriendDelete:
	default:
		return nil
	}

	var content friendContent
	if err := decodeContent(env.Content, &content); err != nil {
		return fmt.Errorf("vrchat: decode %s: %w", env.Type, err)
	}
	if content.UserID == "" && content.User != nil {
		content.UserID = content.User.ID
	}
	if content.UserID == "" {
		return fmt.Errorf("vrchat: %s without userId", env.Type)
	}

	d.engine.MergeUser(d.userUpdate(env.Type, content))
	return nil
}

// decodeContent accepts content either as a JSON string holding a document
// or as the document itself.
func decodeContent(raw json.RawMessage, v any) error {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = json.RawMessage(s)
	}
	return json.Unmarshal(raw, v)
}

func (d *Decoder) userUpdate(eventType string, c friendContent) live.UserUpdate {
	u := live.UserUpdate{
		App:                   live.NamedAppVRChat,
		InAppIdentifier:       c.UserID,
		CallerInAppIdentifier: d.self,
		Trigger:               "vrchat:" + eventType,
	}
	if c.User != nil {
		if status, ok := ParseStatus(c.User.Status); ok {
			u.OnlineStatus = live.Ptr(status)
		}
		u.CustomStatus = live.Ptr(c.User.StatusDescription)
	}

	switch eventType {
	case EventFriendOffline, EventFriendDelete:
		u.OnlineStatus = live.Ptr(live.StatusOffline)
		u.MainSession = &live.SessionRef{Knowledge: live.KnowledgeOffline}

	case EventFriendActive:
		// Active means logged in on the website, not in a world.
		u.MainSession = &live.SessionRef{Knowledge: live.KnowledgeWebClient}

	case EventFriendOnline, EventFriendLocation:
		loc := ParseLocation(c.Location)
		if loc.Knowledge == live.KnowledgeKnownButNoData && c.TravelingToLocation != "" {
			if next := ParseLocation(c.TravelingToLocation); next.Knowledge == live.KnowledgeKnown {
				loc = next
			}
		}
		u.MainSession = d.resolve(loc, c.World)
		if u.OnlineStatus == nil {
			u.OnlineStatus = live.Ptr(live.StatusOnline)
		}
	}
	return u
}

// resolve merges a known location as a session and returns the reference
// the account should point at.
func (d *Decoder) resolve(loc Location, world *apiWorld) *live.SessionRef {
	if loc.Knowledge != live.KnowledgeKnown {
		return &live.SessionRef{Knowledge: loc.Knowledge}
	}

	update := live.SessionUpdate{
		App:                    live.NamedAppVRChat,
		InAppSessionIdentifier: loc.Raw,
		SessionDetails:         locationDetails(loc),
	}
	if world != nil && (world.ID == "" || world.ID == loc.WorldID) {
		applyWorld(&update.SessionDetails, *world)
	}

	session := d.engine.MergeSession(update, nil)
	if session.VirtualSpaceName == nil && d.enqueue != nil {
		d.enqueue(loc.Raw)
	}
	return &live.SessionRef{Knowledge: live.KnowledgeKnown, SessionGUID: session.GUID}
}

// locationDetails carries only what the location string itself states.
// Name and age gate are left to the instance fetch.
func locationDetails(loc Location) live.SessionDetails {
	details := live.SessionDetails{
		Markers:                loc.Markers,
		SupplementalIdentifier: live.Ptr(loc.WorldID),
	}
	if loc.OwnerID != "" {
		details.HostInAppIdentifier = live.Ptr(loc.OwnerID)
	}
	return details
}

func applyWorld(details *live.SessionDetails, w apiWorld) {
	if w.Name != "" {
		details.VirtualSpaceName = live.Ptr(w.Name)
	}
	if w.Capacity > 0 {
		details.VirtualSpaceDefaultCapacity = live.Ptr(w.Capacity)
	}
	if w.ThumbnailImageURL != "" {
		details.ThumbnailURL = live.Ptr(w.ThumbnailImageURL)
	}
}

// ParseStatus maps a VRChat user status to an OnlineStatus.
func ParseStatus(status string) (live.OnlineStatus, bool) {
	switch strings.ToLower(status) {
	case "join me":
		return live.StatusVRChatJoinMe, true
	case "active":
		return live.StatusOnline, true
	case "ask me":
		return live.StatusVRChatAskMe, true
	case "busy":
		return live.StatusVRChatDND, true
	case "offline":
		return live.StatusOffline, true
	default:
		return "", false
	}
}
