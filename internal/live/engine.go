package live

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/hai-vr/XYVR-sub001/internal/metrics"
)

// userKey addresses an account within its platform.
type userKey struct {
	app NamedApp
	id  string
}

// nativeKey addresses a session by its platform-native identifier.
type nativeKey struct {
	app NamedApp
	id  string
}

// Engine is the in-memory presence store. It owns three co-dependent
// indices and mutates them only under mu, so no reader ever observes a
// half-applied merge:
//
//	users          (app, in-app id)        -> UserUpdate
//	sessions       guid                    -> Session (the arena)
//	sessionsByApp  (app, native session id) -> guid
//	participation  (app, in-app id)        -> guid of the one session the
//	                                          account is a participant of
//
// Listeners run synchronously on the merging goroutine after the lock is
// released, in registration order.
type Engine struct {
	alloc Allocator

	mu            sync.RWMutex
	users         map[userKey]UserUpdate
	userOrder     []userKey
	sessions      map[string]Session
	sessionOrder  []string
	sessionsByApp map[nativeKey]string
	participation map[userKey]string

	subMu          sync.Mutex
	userListeners  []listener[UserUpdate]
	sessionListens []listener[Session]
}

type listener[T any] struct {
	name string
	fn   func(T)
}

// pendingEvents collects the notifications produced by one merge, in the
// order they must be delivered.
type pendingEvents struct {
	user     *UserUpdate
	sessions []Session
}

// NewEngine creates an empty Engine. A nil allocator defaults to
// UUIDAllocator.
func NewEngine(alloc Allocator) *Engine {
	if alloc == nil {
		alloc = UUIDAllocator{}
	}
	return &Engine{
		alloc:         alloc,
		users:         make(map[userKey]UserUpdate),
		sessions:      make(map[string]Session),
		sessionsByApp: make(map[nativeKey]string),
		participation: make(map[userKey]string),
	}
}

// ---------------------------------------------------------------------------
// Merges
// ---------------------------------------------------------------------------

// MergeUser merges a possibly partial update into the record for
// (App, InAppIdentifier), then corrects session participation according to
// the update's MainSession. Notifications fire in this order when
// applicable: user merged, previous session changed, target session changed.
func (e *Engine) MergeUser(in UserUpdate) {
	if !in.App.Valid() {
		panic(fmt.Sprintf("live: MergeUser with invalid app %d", int(in.App)))
	}
	if in.InAppIdentifier == "" {
		panic("live: MergeUser with empty in-app identifier")
	}

	e.mu.Lock()
	events := e.mergeUserLocked(in)
	e.mu.Unlock()

	e.dispatch(events)
}

func (e *Engine) mergeUserLocked(in UserUpdate) pendingEvents {
	var events pendingEvents
	key := userKey{app: in.App, id: in.InAppIdentifier}

	prev, exists := e.users[key]
	if !exists {
		next := in.Clone()
		e.users[key] = next
		e.userOrder = append(e.userOrder, key)
		events.user = &next
		metrics.MergesTotal.WithLabelValues("user", "created").Inc()
		metrics.TrackedAccounts.Set(float64(len(e.users)))
	} else {
		next := prev.overwrittenBy(in)
		if next.Equal(prev) {
			metrics.MergesTotal.WithLabelValues("user", "noop").Inc()
		} else {
			next.Trigger = in.Trigger
			e.users[key] = next
			events.user = &next
			metrics.MergesTotal.WithLabelValues("user", "changed").Inc()
		}
	}

	// Participation is derived from the input only: an update that says
	// nothing about the main session must not undo a move recorded by
	// MergeSession in the meantime.
	ref := in.MainSession
	if ref == nil {
		return events
	}
	current := e.participation[key]

	switch {
	case ref.Knowledge == KnowledgeKnown && ref.SessionGUID != "":
		target, found := e.sessions[ref.SessionGUID]
		found = found && target.App == in.App
		if current != "" && current != ref.SessionGUID {
			if s, changed := e.removeParticipantLocked(current, in.InAppIdentifier); changed {
				events.sessions = append(events.sessions, s)
			}
			delete(e.participation, key)
		}
		if !found {
			// Forward reference to a session this engine has not seen yet.
			return events
		}
		isHost := target.HostInAppIdentifier != nil && *target.HostInAppIdentifier == in.InAppIdentifier
		if s, changed := e.addParticipantLocked(ref.SessionGUID, KnownParticipant(in.InAppIdentifier, isHost)); changed {
			events.sessions = append(events.sessions, s)
		}
		e.participation[key] = ref.SessionGUID

	case ref.Knowledge == KnowledgeKnown:
		// Known to be in a session that is not resolved yet; membership is
		// left alone until the GUID arrives.

	default:
		if current != "" {
			if s, changed := e.removeParticipantLocked(current, in.InAppIdentifier); changed {
				events.sessions = append(events.sessions, s)
			}
			delete(e.participation, key)
		}
	}
	return events
}

// MergeSession merges a session snapshot, creating the session with a fresh
// GUID on first sighting. When participant is non-nil it is attached to the
// session, and a known participant pinned to a different session is detached
// from it first. The resolved session is returned so callers can learn its
// GUID.
func (e *Engine) MergeSession(in SessionUpdate, participant *Participant) Session {
	if !in.App.Valid() {
		panic(fmt.Sprintf("live: MergeSession with invalid app %d", int(in.App)))
	}
	if in.InAppSessionIdentifier == "" {
		panic("live: MergeSession with empty session identifier")
	}

	e.mu.Lock()
	result, events := e.mergeSessionLocked(in, participant)
	e.mu.Unlock()

	e.dispatch(events)
	return result
}

func (e *Engine) mergeSessionLocked(in SessionUpdate, participant *Participant) (Session, pendingEvents) {
	var events pendingEvents
	nk := nativeKey{app: in.App, id: in.InAppSessionIdentifier}

	var next Session
	changed := false
	guid, exists := e.sessionsByApp[nk]
	if !exists {
		guid = e.alloc.NewSessionID()
		next = Session{
			GUID:                   guid,
			App:                    in.App,
			InAppSessionIdentifier: in.InAppSessionIdentifier,
			SessionDetails:         in.SessionDetails.clone(),
			Participants:           []Participant{},
		}
		if participant != nil {
			next.Participants = append(next.Participants, *participant)
		}
		e.sessionOrder = append(e.sessionOrder, guid)
		e.sessionsByApp[nk] = guid
		changed = true
		metrics.MergesTotal.WithLabelValues("session", "created").Inc()
	} else {
		prev := e.sessions[guid]
		next = prev.Clone()
		next.SessionDetails = prev.SessionDetails.overwrittenBy(in.SessionDetails)
		if participant != nil && !containsParticipant(next.Participants, *participant) {
			next.Participants = append(next.Participants, *participant)
		}
		changed = !next.Equal(prev)
		result := "noop"
		if changed {
			result = "changed"
		}
		metrics.MergesTotal.WithLabelValues("session", result).Inc()
	}

	if participant != nil && participant.Known {
		pk := userKey{app: in.App, id: participant.InAppIdentifier}
		if other := e.participation[pk]; other != "" && other != guid {
			if s, detached := e.removeParticipantLocked(other, participant.InAppIdentifier); detached {
				events.sessions = append(events.sessions, s)
			}
		}
		e.participation[pk] = guid
	}

	if changed {
		e.sessions[guid] = next
		events.sessions = append(events.sessions, next.Clone())
	}
	metrics.TrackedSessions.Set(float64(len(e.sessions)))
	return next.Clone(), events
}

// removeParticipantLocked drops a known participant from a session. It
// reports whether the session changed.
func (e *Engine) removeParticipantLocked(guid, inAppIdentifier string) (Session, bool) {
	s, ok := e.sessions[guid]
	if !ok {
		return Session{}, false
	}
	kept := lo.Filter(s.Participants, func(p Participant, _ int) bool {
		return !(p.Known && p.InAppIdentifier == inAppIdentifier)
	})
	if len(kept) == len(s.Participants) {
		return Session{}, false
	}
	next := s.Clone()
	next.Participants = kept
	e.sessions[guid] = next
	return next.Clone(), true
}

// addParticipantLocked appends p to a session unless already present. It
// reports whether the session changed.
func (e *Engine) addParticipantLocked(guid string, p Participant) (Session, bool) {
	s, ok := e.sessions[guid]
	if !ok || containsParticipant(s.Participants, p) {
		return Session{}, false
	}
	next := s.Clone()
	next.Participants = append(next.Participants, p)
	e.sessions[guid] = next
	return next.Clone(), true
}

func containsParticipant(list []Participant, p Participant) bool {
	return lo.ContainsBy(list, func(existing Participant) bool {
		return existing.sameIdentity(p)
	})
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// AllUserUpdates returns a snapshot of every user record, in first-sighting
// order, restricted to the given apps when any are passed.
func (e *Engine) AllUserUpdates(apps ...NamedApp) []UserUpdate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]UserUpdate, 0, len(e.userOrder))
	for _, key := range e.userOrder {
		if len(apps) > 0 && !slices.Contains(apps, key.app) {
			continue
		}
		out = append(out, e.users[key].Clone())
	}
	return out
}

// AllSessions returns a snapshot of every session, in creation order,
// restricted to the given apps when any are passed.
func (e *Engine) AllSessions(apps ...NamedApp) []Session {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Session, 0, len(e.sessionOrder))
	for _, guid := range e.sessionOrder {
		s := e.sessions[guid]
		if len(apps) > 0 && !slices.Contains(apps, s.App) {
			continue
		}
		out = append(out, s.Clone())
	}
	return out
}

// SessionByGUID returns the session with the given GUID.
func (e *Engine) SessionByGUID(guid string) (Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.sessions[guid]
	if !ok {
		return Session{}, false
	}
	return s.Clone(), true
}

// SessionByNativeID returns the session for a platform-native identifier.
// Sessions with no participants are still returned so that later sightings
// reuse their GUID.
func (e *Engine) SessionByNativeID(app NamedApp, nativeID string) (Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	guid, ok := e.sessionsByApp[nativeKey{app: app, id: nativeID}]
	if !ok {
		return Session{}, false
	}
	return e.sessions[guid].Clone(), true
}

// UserUpdate returns the record for an account.
func (e *Engine) UserUpdate(app NamedApp, inAppIdentifier string) (UserUpdate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	u, ok := e.users[userKey{app: app, id: inAppIdentifier}]
	if !ok {
		return UserUpdate{}, false
	}
	return u.Clone(), true
}

// ParticipationOf returns the GUID of the session an account is currently a
// participant of.
func (e *Engine) ParticipationOf(app NamedApp, inAppIdentifier string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	guid, ok := e.participation[userKey{app: app, id: inAppIdentifier}]
	return guid, ok
}

// TrackedSessions returns the sessions of app that have at least one known
// participant, ordered by descending attendance.
func (e *Engine) TrackedSessions(app NamedApp) []Session {
	tracked := lo.Filter(e.AllSessions(app), func(s Session, _ int) bool {
		return s.HasKnownParticipant()
	})
	sort.SliceStable(tracked, func(i, j int) bool {
		return tracked[i].Attendance() > tracked[j].Attendance()
	})
	return tracked
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// SubscribeUserMerged registers fn under name. Registering an existing name
// replaces the previous listener in place.
func (e *Engine) SubscribeUserMerged(name string, fn func(UserUpdate)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.userListeners = upsertListener(e.userListeners, name, fn)
}

// UnsubscribeUserMerged removes the listener registered under name.
func (e *Engine) UnsubscribeUserMerged(name string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.userListeners = removeListener(e.userListeners, name)
}

// SubscribeSessionChanged registers fn under name. Registering an existing
// name replaces the previous listener in place.
func (e *Engine) SubscribeSessionChanged(name string, fn func(Session)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.sessionListens = upsertListener(e.sessionListens, name, fn)
}

// UnsubscribeSessionChanged removes the listener registered under name.
func (e *Engine) UnsubscribeSessionChanged(name string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.sessionListens = removeListener(e.sessionListens, name)
}

func upsertListener[T any](list []listener[T], name string, fn func(T)) []listener[T] {
	for i := range list {
		if list[i].name == name {
			list[i].fn = fn
			return list
		}
	}
	return append(list, listener[T]{name: name, fn: fn})
}

func removeListener[T any](list []listener[T], name string) []listener[T] {
	return lo.Filter(list, func(l listener[T], _ int) bool { return l.name != name })
}

func (e *Engine) dispatch(events pendingEvents) {
	if events.user == nil && len(events.sessions) == 0 {
		return
	}

	e.subMu.Lock()
	users := slices.Clone(e.userListeners)
	sessions := slices.Clone(e.sessionListens)
	e.subMu.Unlock()

	if events.user != nil {
		for _, l := range users {
			l.fn(events.user.Clone())
		}
	}
	for _, s := range events.sessions {
		for _, l := range sessions {
			l.fn(s.Clone())
		}
	}
}
