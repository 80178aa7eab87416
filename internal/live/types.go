// Package live holds the canonical presence model shared by every platform
// connector and the in-memory Engine that reconciles partial, out-of-order
// presence updates and session snapshots into one consistent graph of who is
// in which session with whom.
package live

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// NamedApp discriminates which third-party platform a record belongs to.
// The zero value is not a valid app.
type NamedApp int

const (
	NamedAppResonite NamedApp = iota + 1
	NamedAppVRChat
	NamedAppChilloutVR
	NamedAppCluster
)

var namedAppNames = map[NamedApp]string{
	NamedAppResonite:   "Resonite",
	NamedAppVRChat:     "VRChat",
	NamedAppChilloutVR: "ChilloutVR",
	NamedAppCluster:    "Cluster",
}

// Valid reports whether a is one of the known platforms.
func (a NamedApp) Valid() bool {
	_, ok := namedAppNames[a]
	return ok
}

func (a NamedApp) String() string {
	if name, ok := namedAppNames[a]; ok {
		return name
	}
	return fmt.Sprintf("NamedApp(%d)", int(a))
}

// MarshalJSON encodes the app by name.
func (a NamedApp) MarshalJSON() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("live: cannot marshal invalid app %d", int(a))
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes an app name.
func (a *NamedApp) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseNamedApp(name)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseNamedApp returns the app with the given name.
func ParseNamedApp(name string) (NamedApp, error) {
	for app, n := range namedAppNames {
		if n == name {
			return app, nil
		}
	}
	return 0, fmt.Errorf("live: unknown app %q", name)
}

// OnlineStatus is an account's online state. Platform-specific variants are
// allowed alongside the generic ones.
type OnlineStatus string

const (
	StatusOffline       OnlineStatus = "Offline"
	StatusOnline        OnlineStatus = "Online"
	StatusIndeterminate OnlineStatus = "Indeterminate"

	StatusResoniteSociable OnlineStatus = "ResoniteSociable"
	StatusResoniteBusy     OnlineStatus = "ResoniteBusy"
	StatusResoniteAway     OnlineStatus = "ResoniteAway"

	StatusVRChatJoinMe OnlineStatus = "VRChatJoinMe"
	StatusVRChatAskMe  OnlineStatus = "VRChatAskMe"
	StatusVRChatDND    OnlineStatus = "VRChatDND"
)

// Knowledge describes how much is known about an account's session state.
type Knowledge string

const (
	KnowledgeIndeterminate   Knowledge = "Indeterminate"
	KnowledgeKnown           Knowledge = "Known"
	KnowledgeKnownButNoData  Knowledge = "KnownButNoData"
	KnowledgePrivateInstance Knowledge = "PrivateInstance"
	KnowledgeNotInWorld      Knowledge = "NotInWorld"
	KnowledgeWebClient       Knowledge = "WebClient"
	KnowledgeOffline         Knowledge = "Offline"
)

// SessionMarker is a platform-specific visibility tag on a session.
type SessionMarker string

const (
	MarkerVRChatPublic      SessionMarker = "VRChatPublic"
	MarkerVRChatFriendsPlus SessionMarker = "VRChatFriendsPlus"
	MarkerVRChatFriends     SessionMarker = "VRChatFriends"
	MarkerVRChatInvitePlus  SessionMarker = "VRChatInvitePlus"
	MarkerVRChatInvite      SessionMarker = "VRChatInvite"
	MarkerVRChatGroup       SessionMarker = "VRChatGroup"
	MarkerVRChatGroupPlus   SessionMarker = "VRChatGroupPlus"
	MarkerVRChatGroupPublic SessionMarker = "VRChatGroupPublic"

	MarkerResonitePublic          SessionMarker = "ResonitePublic"
	MarkerResoniteContacts        SessionMarker = "ResoniteContacts"
	MarkerResoniteContactsPlus    SessionMarker = "ResoniteContactsPlus"
	MarkerResoniteRegisteredUsers SessionMarker = "ResoniteRegisteredUsers"
	MarkerResoniteLAN             SessionMarker = "ResoniteLAN"
	MarkerResonitePrivate         SessionMarker = "ResonitePrivate"
	MarkerResoniteHidden          SessionMarker = "ResoniteHidden"
)

// ---------------------------------------------------------------------------
// User updates
// ---------------------------------------------------------------------------

// SessionRef is an account's main-session reference. SessionGUID is only
// meaningful when Knowledge is KnowledgeKnown, and may be empty when the
// session has not been resolved yet.
type SessionRef struct {
	Knowledge   Knowledge `json:"knowledge"`
	SessionGUID string    `json:"session_guid,omitempty"`
}

// UserUpdate is one platform account's latest known presence, keyed by
// (App, InAppIdentifier). As an input to MergeUser every pointer or nil slice
// means "not provided, leave untouched".
type UserUpdate struct {
	App             NamedApp `json:"app"`
	InAppIdentifier string   `json:"in_app_identifier"`

	OnlineStatus      *OnlineStatus `json:"online_status,omitempty"`
	MainSession       *SessionRef   `json:"main_session,omitempty"`
	CustomStatus      *string       `json:"custom_status,omitempty"`
	MultiSessionGUIDs []string      `json:"multi_session_guids,omitempty"`

	// CallerInAppIdentifier is the linked account that observed this update.
	CallerInAppIdentifier string `json:"caller_in_app_identifier,omitempty"`

	// Trigger names the event that caused the most recent observable change.
	// It is diagnostic only and never participates in change detection on
	// its own.
	Trigger string `json:"trigger,omitempty"`
}

// Clone returns a deep copy so that callers cannot reach engine state.
func (u UserUpdate) Clone() UserUpdate {
	out := u
	if u.OnlineStatus != nil {
		v := *u.OnlineStatus
		out.OnlineStatus = &v
	}
	if u.MainSession != nil {
		v := *u.MainSession
		out.MainSession = &v
	}
	if u.CustomStatus != nil {
		v := *u.CustomStatus
		out.CustomStatus = &v
	}
	if u.MultiSessionGUIDs != nil {
		out.MultiSessionGUIDs = slices.Clone(u.MultiSessionGUIDs)
	}
	return out
}

// Equal reports full structural equality, including Trigger and the order of
// MultiSessionGUIDs.
func (u UserUpdate) Equal(o UserUpdate) bool {
	return u.App == o.App &&
		u.InAppIdentifier == o.InAppIdentifier &&
		ptrEqual(u.OnlineStatus, o.OnlineStatus) &&
		ptrEqual(u.MainSession, o.MainSession) &&
		ptrEqual(u.CustomStatus, o.CustomStatus) &&
		nilSliceEqual(u.MultiSessionGUIDs, o.MultiSessionGUIDs) &&
		u.CallerInAppIdentifier == o.CallerInAppIdentifier &&
		u.Trigger == o.Trigger
}

// overwrittenBy applies field-level overwrite-if-present semantics. The
// receiver's Trigger is kept so the result can be compared against the
// receiver.
func (u UserUpdate) overwrittenBy(in UserUpdate) UserUpdate {
	out := u.Clone()
	in = in.Clone()
	if in.OnlineStatus != nil {
		out.OnlineStatus = in.OnlineStatus
	}
	if in.MainSession != nil {
		out.MainSession = in.MainSession
	}
	if in.CustomStatus != nil {
		out.CustomStatus = in.CustomStatus
	}
	if in.MultiSessionGUIDs != nil {
		out.MultiSessionGUIDs = in.MultiSessionGUIDs
	}
	if in.CallerInAppIdentifier != "" {
		out.CallerInAppIdentifier = in.CallerInAppIdentifier
	}
	return out
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// Participant is either a known account (back-reference by in-app id) or an
// unknown placeholder carrying only a best-effort display name.
type Participant struct {
	Known           bool   `json:"known"`
	InAppIdentifier string `json:"in_app_identifier,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
	IsHost          bool   `json:"is_host"`
}

// KnownParticipant returns a participant referencing an account.
func KnownParticipant(inAppIdentifier string, isHost bool) Participant {
	return Participant{Known: true, InAppIdentifier: inAppIdentifier, IsHost: isHost}
}

// UnknownParticipant returns a placeholder participant.
func UnknownParticipant(displayName string, isHost bool) Participant {
	return Participant{DisplayName: displayName, IsHost: isHost}
}

// sameIdentity reports whether p and o refer to the same participant,
// ignoring the host flag.
func (p Participant) sameIdentity(o Participant) bool {
	if p.Known != o.Known {
		return false
	}
	if p.Known {
		return p.InAppIdentifier == o.InAppIdentifier
	}
	return p.DisplayName == o.DisplayName
}

// SessionDetails are the optional, platform-reported attributes of a
// session. In a SessionUpdate a nil field means "not provided".
type SessionDetails struct {
	Name                        *string         `json:"name,omitempty"`
	VirtualSpaceName            *string         `json:"virtual_space_name,omitempty"`
	HostInAppIdentifier         *string         `json:"host_in_app_identifier,omitempty"`
	HostDisplayName             *string         `json:"host_display_name,omitempty"`
	VirtualSpaceDefaultCapacity *int            `json:"virtual_space_default_capacity,omitempty"`
	SessionCapacity             *int            `json:"session_capacity,omitempty"`
	CurrentAttendance           *int            `json:"current_attendance,omitempty"`
	ThumbnailURL                *string         `json:"thumbnail_url,omitempty"`
	IsOpen                      *bool           `json:"is_open,omitempty"`
	AgeGated                    *bool           `json:"age_gated,omitempty"`
	Markers                     []SessionMarker `json:"markers,omitempty"`
	// Roster is the platform's own full participant list, when it reports
	// one. It is a snapshot, replaced wholesale.
	Roster                 []Participant `json:"roster,omitempty"`
	SupplementalIdentifier *string       `json:"supplemental_identifier,omitempty"`
}

func (d SessionDetails) clone() SessionDetails {
	out := d
	out.Name = clonePtr(d.Name)
	out.VirtualSpaceName = clonePtr(d.VirtualSpaceName)
	out.HostInAppIdentifier = clonePtr(d.HostInAppIdentifier)
	out.HostDisplayName = clonePtr(d.HostDisplayName)
	out.VirtualSpaceDefaultCapacity = clonePtr(d.VirtualSpaceDefaultCapacity)
	out.SessionCapacity = clonePtr(d.SessionCapacity)
	out.CurrentAttendance = clonePtr(d.CurrentAttendance)
	out.ThumbnailURL = clonePtr(d.ThumbnailURL)
	out.IsOpen = clonePtr(d.IsOpen)
	out.AgeGated = clonePtr(d.AgeGated)
	out.SupplementalIdentifier = clonePtr(d.SupplementalIdentifier)
	if d.Markers != nil {
		out.Markers = slices.Clone(d.Markers)
	}
	if d.Roster != nil {
		out.Roster = slices.Clone(d.Roster)
	}
	return out
}

func (d SessionDetails) equal(o SessionDetails) bool {
	return ptrEqual(d.Name, o.Name) &&
		ptrEqual(d.VirtualSpaceName, o.VirtualSpaceName) &&
		ptrEqual(d.HostInAppIdentifier, o.HostInAppIdentifier) &&
		ptrEqual(d.HostDisplayName, o.HostDisplayName) &&
		ptrEqual(d.VirtualSpaceDefaultCapacity, o.VirtualSpaceDefaultCapacity) &&
		ptrEqual(d.SessionCapacity, o.SessionCapacity) &&
		ptrEqual(d.CurrentAttendance, o.CurrentAttendance) &&
		ptrEqual(d.ThumbnailURL, o.ThumbnailURL) &&
		ptrEqual(d.IsOpen, o.IsOpen) &&
		ptrEqual(d.AgeGated, o.AgeGated) &&
		nilSliceEqual(d.Markers, o.Markers) &&
		nilSliceEqual(d.Roster, o.Roster) &&
		ptrEqual(d.SupplementalIdentifier, o.SupplementalIdentifier)
}

func (d SessionDetails) overwrittenBy(in SessionDetails) SessionDetails {
	out := d.clone()
	in = in.clone()
	overwrite(&out.Name, in.Name)
	overwrite(&out.VirtualSpaceName, in.VirtualSpaceName)
	overwrite(&out.HostInAppIdentifier, in.HostInAppIdentifier)
	overwrite(&out.HostDisplayName, in.HostDisplayName)
	overwrite(&out.VirtualSpaceDefaultCapacity, in.VirtualSpaceDefaultCapacity)
	overwrite(&out.SessionCapacity, in.SessionCapacity)
	overwrite(&out.CurrentAttendance, in.CurrentAttendance)
	overwrite(&out.ThumbnailURL, in.ThumbnailURL)
	overwrite(&out.IsOpen, in.IsOpen)
	overwrite(&out.AgeGated, in.AgeGated)
	overwrite(&out.SupplementalIdentifier, in.SupplementalIdentifier)
	if in.Markers != nil {
		out.Markers = in.Markers
	}
	if in.Roster != nil {
		out.Roster = in.Roster
	}
	return out
}

// SessionUpdate is a session snapshot decoded from a platform, not yet
// assigned a GUID.
type SessionUpdate struct {
	App                    NamedApp `json:"app"`
	InAppSessionIdentifier string   `json:"in_app_session_identifier"`
	SessionDetails
}

// Session is one resolved session. GUID is assigned by the Engine and is the
// only externally stable handle; (App, InAppSessionIdentifier) is unique
// within the Engine at any time.
type Session struct {
	GUID                   string   `json:"guid"`
	App                    NamedApp `json:"app"`
	InAppSessionIdentifier string   `json:"in_app_session_identifier"`
	SessionDetails
	Participants []Participant `json:"participants"`
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	out := s
	out.SessionDetails = s.SessionDetails.clone()
	out.Participants = slices.Clone(s.Participants)
	return out
}

// Equal reports full structural equality, including participant order.
func (s Session) Equal(o Session) bool {
	return s.GUID == o.GUID &&
		s.App == o.App &&
		s.InAppSessionIdentifier == o.InAppSessionIdentifier &&
		s.SessionDetails.equal(o.SessionDetails) &&
		slices.Equal(s.Participants, o.Participants)
}

// Attendance returns the reported attendance, or -1 when unknown.
func (s Session) Attendance() int {
	if s.CurrentAttendance == nil {
		return -1
	}
	return *s.CurrentAttendance
}

// HasKnownParticipant reports whether at least one participant is a known
// account.
func (s Session) HasKnownParticipant() bool {
	return slices.ContainsFunc(s.Participants, func(p Participant) bool { return p.Known })
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// Ptr returns a pointer to v. Useful for setting optional fields.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func overwrite[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// nilSliceEqual distinguishes a nil (never provided) slice from an empty one.
func nilSliceEqual[T comparable](a, b []T) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return slices.Equal(a, b)
}
