// Package vrchat connects a VRChat account to the presence engine. It reads
// friend events from the VRChat pipeline WebSocket, resolves location
// strings into sessions, and fetches instance details through the VRChat
// HTTP API.
package vrchat

import (
	"strings"

	"github.com/hai-vr/XYVR-sub001/internal/live"
)

// Special location values sent in place of a world instance.
const (
	locationOffline   = "offline"
	locationPrivate   = "private"
	locationTraveling = "traveling"
)

// Location is a parsed VRChat location string such as
// "wrld_x:12345~friends(usr_y)~region(eu)".
type Location struct {
	Knowledge live.Knowledge

	// Raw is the full location string, used as the native session id.
	Raw        string
	WorldID    string
	InstanceID string // the instance name before the first tag, e.g. "12345"
	OwnerID    string
	GroupID    string
	Region     string
	Markers    []live.SessionMarker
	AgeGated   bool
}

// ParseLocation classifies a location string. Anything that is not a world
// instance or a known special value parses as Indeterminate.
func ParseLocation(raw string) Location {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return Location{Knowledge: live.KnowledgeIndeterminate}
	case locationOffline:
		return Location{Knowledge: live.KnowledgeOffline, Raw: raw}
	case locationPrivate:
		return Location{Knowledge: live.KnowledgePrivateInstance, Raw: raw}
	case locationTraveling:
		return Location{Knowledge: live.KnowledgeKnownButNoData, Raw: raw}
	}
	if rest, ok := strings.CutPrefix(raw, locationTraveling+":"); ok {
		return ParseLocation(rest)
	}

	worldID, instance, ok := strings.Cut(raw, ":")
	if !ok || !strings.HasPrefix(worldID, "wrld_") || instance == "" {
		return Location{Knowledge: live.KnowledgeIndeterminate, Raw: raw}
	}

	loc := Location{
		Knowledge: live.KnowledgeKnown,
		Raw:       raw,
		WorldID:   worldID,
	}

	parts := strings.Split(instance, "~")
	loc.InstanceID = parts[0]

	var access, groupAccess string
	canRequestInvite := false
	for _, part := range parts[1:] {
		name, arg := splitTag(part)
		switch name {
		case "hidden", "friends", "private":
			access = name
			loc.OwnerID = arg
		case "group":
			access = name
			loc.GroupID = arg
		case "groupAccessType":
			groupAccess = arg
		case "canRequestInvite":
			canRequestInvite = true
		case "region":
			loc.Region = arg
		case "ageGate":
			loc.AgeGated = true
		}
	}

	loc.Markers = []live.SessionMarker{accessMarker(access, groupAccess, canRequestInvite)}
	return loc
}

// splitTag splits "name(arg)" into its parts. A bare "name" has no arg.
func splitTag(tag string) (name, arg string) {
	open := strings.IndexByte(tag, '(')
	if open < 0 || !strings.HasSuffix(tag, ")") {
		return tag, ""
	}
	return tag[:open], tag[open+1 : len(tag)-1]
}

func accessMarker(access, groupAccess string, canRequestInvite bool) live.SessionMarker {
	switch access {
	case "hidden":
		return live.MarkerVRChatFriendsPlus
	case "friends":
		return live.MarkerVRChatFriends
	case "private":
		if canRequestInvite {
			return live.MarkerVRChatInvitePlus
		}
		return live.MarkerVRChatInvite
	case "group":
		switch groupAccess {
		case "public":
			return live.MarkerVRChatGroupPublic
		case "plus":
			return live.MarkerVRChatGroupPlus
		default:
			return live.MarkerVRChatGroup
		}
	default:
		return live.MarkerVRChatPublic
	}
}
