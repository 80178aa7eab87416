package live

import (
	"fmt"
	"sync"
	"testing"
)

// seqAllocator hands out predictable GUIDs.
type seqAllocator struct {
	mu sync.Mutex
	n  int
}

func (a *seqAllocator) NewSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return fmt.Sprintf("guid-%d", a.n)
}

// recorder captures notifications in delivery order.
type recorder struct {
	mu       sync.Mutex
	users    []UserUpdate
	sessions []Session
	order    []string
}

func newRecordedEngine(t *testing.T) (*Engine, *recorder) {
	t.Helper()
	e := NewEngine(&seqAllocator{})
	r := &recorder{}
	e.SubscribeUserMerged("test", func(u UserUpdate) {
		r.mu.Lock()
		r.users = append(r.users, u)
		r.order = append(r.order, "user:"+u.InAppIdentifier)
		r.mu.Unlock()
	})
	e.SubscribeSessionChanged("test", func(s Session) {
		r.mu.Lock()
		r.sessions = append(r.sessions, s)
		r.order = append(r.order, "session:"+s.GUID)
		r.mu.Unlock()
	})
	return e, r
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.users, r.sessions, r.order = nil, nil, nil
	r.mu.Unlock()
}

func knownIn(guid string) *SessionRef {
	return &SessionRef{Knowledge: KnowledgeKnown, SessionGUID: guid}
}

func participantIDs(s Session) []string {
	var ids []string
	for _, p := range s.Participants {
		if p.Known {
			ids = append(ids, p.InAppIdentifier)
		}
	}
	return ids
}

// ---------------------------------------------------------------------------
// MergeUser
// ---------------------------------------------------------------------------

func TestMergeUser_IdenticalTwiceIsNoop(t *testing.T) {
	e, r := newRecordedEngine(t)

	update := UserUpdate{
		App:             NamedAppResonite,
		InAppIdentifier: "U-1",
		OnlineStatus:    Ptr(StatusOnline),
		CustomStatus:    Ptr("hello"),
		Trigger:         "first",
	}
	e.MergeUser(update)
	update.Trigger = "second"
	e.MergeUser(update)

	if len(r.users) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(r.users))
	}
	if got := e.AllUserUpdates(); len(got) != 1 {
		t.Fatalf("expected 1 stored record, got %d", len(got))
	}
	stored, _ := e.UserUpdate(NamedAppResonite, "U-1")
	if stored.Trigger != "first" {
		t.Errorf("no-op merge must not restamp trigger, got %q", stored.Trigger)
	}
}

func TestMergeUser_UnspecifiedFieldPreserved(t *testing.T) {
	e, _ := newRecordedEngine(t)

	e.MergeUser(UserUpdate{
		App:             NamedAppVRChat,
		InAppIdentifier: "usr_a",
		OnlineStatus:    Ptr(StatusOffline),
		CustomStatus:    Ptr("brb"),
	})
	e.MergeUser(UserUpdate{
		App:             NamedAppVRChat,
		InAppIdentifier: "usr_a",
		OnlineStatus:    Ptr(StatusOnline),
		Trigger:         "came-online",
	})

	got, ok := e.UserUpdate(NamedAppVRChat, "usr_a")
	if !ok {
		t.Fatal("expected record")
	}
	if got.OnlineStatus == nil || *got.OnlineStatus != StatusOnline {
		t.Errorf("expected Online, got %v", got.OnlineStatus)
	}
	if got.CustomStatus == nil || *got.CustomStatus != "brb" {
		t.Errorf("expected custom status preserved, got %v", got.CustomStatus)
	}
	if got.Trigger != "came-online" {
		t.Errorf("expected trigger from input, got %q", got.Trigger)
	}
}

func TestMergeUser_MultiSessionReplacedWholesale(t *testing.T) {
	e, _ := newRecordedEngine(t)

	e.MergeUser(UserUpdate{App: NamedAppResonite, InAppIdentifier: "U-1", MultiSessionGUIDs: []string{"a", "b", "c"}})
	e.MergeUser(UserUpdate{App: NamedAppResonite, InAppIdentifier: "U-1", MultiSessionGUIDs: []string{"c"}})

	got, _ := e.UserUpdate(NamedAppResonite, "U-1")
	if len(got.MultiSessionGUIDs) != 1 || got.MultiSessionGUIDs[0] != "c" {
		t.Errorf("expected [c], got %v", got.MultiSessionGUIDs)
	}

	// Absent array leaves the stored one alone.
	e.MergeUser(UserUpdate{App: NamedAppResonite, InAppIdentifier: "U-1", OnlineStatus: Ptr(StatusOnline)})
	got, _ = e.UserUpdate(NamedAppResonite, "U-1")
	if len(got.MultiSessionGUIDs) != 1 {
		t.Errorf("expected array preserved, got %v", got.MultiSessionGUIDs)
	}
}

func TestMergeUser_ForwardReferenceWithoutGUID(t *testing.T) {
	e, r := newRecordedEngine(t)

	e.MergeUser(UserUpdate{
		App:             NamedAppResonite,
		InAppIdentifier: "U-1",
		MainSession:     &SessionRef{Knowledge: KnowledgeKnown},
	})

	got, ok := e.UserUpdate(NamedAppResonite, "U-1")
	if !ok || got.MainSession == nil || got.MainSession.Knowledge != KnowledgeKnown {
		t.Fatalf("expected Known main session, got %+v", got.MainSession)
	}
	if len(r.sessions) != 0 {
		t.Errorf("expected no session notifications, got %d", len(r.sessions))
	}
	if _, ok := e.ParticipationOf(NamedAppResonite, "U-1"); ok {
		t.Error("expected no participation")
	}
}

func TestMergeUser_ForwardReferenceToUnknownGUID(t *testing.T) {
	e, r := newRecordedEngine(t)

	e.MergeUser(UserUpdate{App: NamedAppResonite, InAppIdentifier: "U-1", MainSession: knownIn("nope")})

	if len(r.sessions) != 0 {
		t.Errorf("expected no session notifications, got %d", len(r.sessions))
	}
	if _, ok := e.ParticipationOf(NamedAppResonite, "U-1"); ok {
		t.Error("expected no participation for an unknown session")
	}
}

func TestMergeUser_JoinsSession(t *testing.T) {
	e, r := newRecordedEngine(t)

	s := e.MergeSession(SessionUpdate{
		App:                    NamedAppResonite,
		InAppSessionIdentifier: "S-1",
		SessionDetails:         SessionDetails{HostInAppIdentifier: Ptr("U-1")},
	}, nil)
	r.reset()

	e.MergeUser(UserUpdate{App: NamedAppResonite, InAppIdentifier: "U-1", MainSession: knownIn(s.GUID)})

	got, _ := e.SessionByGUID(s.GUID)
	if len(got.Participants) != 1 || got.Participants[0].InAppIdentifier != "U-1" {
		t.Fatalf("expected U-1 as participant, got %+v", got.Participants)
	}
	if !got.Participants[0].IsHost {
		t.Error("expected host flag from session host")
	}
	want := []string{"user:U-1", "session:" + s.GUID}
	if fmt.Sprint(r.order) != fmt.Sprint(want) {
		t.Errorf("expected order %v, got %v", want, r.order)
	}
}

func TestMergeUser_ParticipantMigration(t *testing.T) {
	e, r := newRecordedEngine(t)

	s1 := e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_1:1"}, nil)
	s2 := e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_2:1"}, nil)
	e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: "usr_a", MainSession: knownIn(s1.GUID)})
	r.reset()

	e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: "usr_a", MainSession: knownIn(s2.GUID)})

	got1, _ := e.SessionByGUID(s1.GUID)
	got2, _ := e.SessionByGUID(s2.GUID)
	if len(got1.Participants) != 0 {
		t.Errorf("expected usr_a removed from S1, got %+v", got1.Participants)
	}
	if ids := participantIDs(got2); len(ids) != 1 || ids[0] != "usr_a" {
		t.Errorf("expected usr_a in S2, got %v", ids)
	}
	if len(r.sessions) != 2 {
		t.Fatalf("expected 2 session notifications, got %d", len(r.sessions))
	}
	if r.sessions[0].GUID != s1.GUID || r.sessions[1].GUID != s2.GUID {
		t.Errorf("expected S1 then S2, got %s then %s", r.sessions[0].GUID, r.sessions[1].GUID)
	}
	want := []string{"user:usr_a", "session:" + s1.GUID, "session:" + s2.GUID}
	if fmt.Sprint(r.order) != fmt.Sprint(want) {
		t.Errorf("expected order %v, got %v", want, r.order)
	}
}

func TestMergeUser_NotKnownLeavesSession(t *testing.T) {
	e, r := newRecordedEngine(t)

	s := e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_1:1"}, nil)
	e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: "usr_a", MainSession: knownIn(s.GUID)})
	r.reset()

	e.MergeUser(UserUpdate{
		App:             NamedAppVRChat,
		InAppIdentifier: "usr_a",
		OnlineStatus:    Ptr(StatusOffline),
		MainSession:     &SessionRef{Knowledge: KnowledgeOffline},
	})

	got, _ := e.SessionByGUID(s.GUID)
	if len(got.Participants) != 0 {
		t.Errorf("expected empty session, got %+v", got.Participants)
	}
	if _, ok := e.ParticipationOf(NamedAppVRChat, "usr_a"); ok {
		t.Error("expected participation cleared")
	}
	if len(r.sessions) != 1 {
		t.Errorf("expected 1 session notification, got %d", len(r.sessions))
	}

	// The empty session is still reachable by native id so its GUID is reused.
	again := e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_1:1"}, nil)
	if again.GUID != s.GUID {
		t.Errorf("expected GUID %s reused, got %s", s.GUID, again.GUID)
	}
}

func TestMergeUser_StatusOnlyUpdateKeepsMembership(t *testing.T) {
	e, _ := newRecordedEngine(t)

	s1 := e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_1:1"}, nil)
	e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: "usr_a", MainSession: knownIn(s1.GUID)})
	p := KnownParticipant("usr_a", false)
	s2 := e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_2:1"}, &p)

	e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: "usr_a", OnlineStatus: Ptr(StatusVRChatJoinMe)})

	guid, _ := e.ParticipationOf(NamedAppVRChat, "usr_a")
	if guid != s2.GUID {
		t.Errorf("expected participation to stay on S2, got %s", guid)
	}
}

func TestMergeUser_InvalidAppPanics(t *testing.T) {
	e := NewEngine(nil)
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid app")
		}
	}()
	e.MergeUser(UserUpdate{InAppIdentifier: "x"})
}

// ---------------------------------------------------------------------------
// MergeSession
// ---------------------------------------------------------------------------

func TestMergeSession_SecondIdenticalIsNoop(t *testing.T) {
	e, r := newRecordedEngine(t)

	in := SessionUpdate{
		App:                    NamedAppResonite,
		InAppSessionIdentifier: "S-1",
		SessionDetails:         SessionDetails{CurrentAttendance: Ptr(3)},
	}
	first := e.MergeSession(in, nil)
	r.reset()
	second := e.MergeSession(in, nil)

	if len(r.sessions) != 0 || len(r.users) != 0 {
		t.Errorf("expected zero notifications, got %d sessions %d users", len(r.sessions), len(r.users))
	}
	if first.GUID != second.GUID {
		t.Errorf("GUID changed: %s -> %s", first.GUID, second.GUID)
	}
}

func TestMergeSession_GUIDStable(t *testing.T) {
	e, _ := newRecordedEngine(t)

	first := e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_1:1"}, nil)
	for i := 0; i < 20; i++ {
		got := e.MergeSession(SessionUpdate{
			App:                    NamedAppVRChat,
			InAppSessionIdentifier: "wrld_1:1",
			SessionDetails:         SessionDetails{CurrentAttendance: Ptr(i)},
		}, nil)
		if got.GUID != first.GUID {
			t.Fatalf("iteration %d: GUID changed %s -> %s", i, first.GUID, got.GUID)
		}
	}
	// Same native id on a different app is a different session.
	other := e.MergeSession(SessionUpdate{App: NamedAppResonite, InAppSessionIdentifier: "wrld_1:1"}, nil)
	if other.GUID == first.GUID {
		t.Error("expected distinct GUID across apps")
	}
}

func TestMergeSession_FieldOverwrite(t *testing.T) {
	e, _ := newRecordedEngine(t)

	e.MergeSession(SessionUpdate{
		App:                    NamedAppResonite,
		InAppSessionIdentifier: "S-1",
		SessionDetails: SessionDetails{
			Name:            Ptr("Hangout"),
			SessionCapacity: Ptr(16),
			Markers:         []SessionMarker{MarkerResonitePublic},
		},
	}, nil)
	got := e.MergeSession(SessionUpdate{
		App:                    NamedAppResonite,
		InAppSessionIdentifier: "S-1",
		SessionDetails:         SessionDetails{CurrentAttendance: Ptr(5)},
	}, nil)

	if got.Name == nil || *got.Name != "Hangout" {
		t.Errorf("expected name preserved, got %v", got.Name)
	}
	if got.SessionCapacity == nil || *got.SessionCapacity != 16 {
		t.Errorf("expected capacity preserved, got %v", got.SessionCapacity)
	}
	if got.CurrentAttendance == nil || *got.CurrentAttendance != 5 {
		t.Errorf("expected attendance 5, got %v", got.CurrentAttendance)
	}
	if len(got.Markers) != 1 || got.Markers[0] != MarkerResonitePublic {
		t.Errorf("expected markers preserved, got %v", got.Markers)
	}
}

func TestMergeSession_ParticipantMovesFromOtherSession(t *testing.T) {
	e, r := newRecordedEngine(t)

	p := KnownParticipant("usr_a", false)
	s1 := e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_1:1"}, &p)
	r.reset()
	s2 := e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_2:1"}, &p)

	got1, _ := e.SessionByGUID(s1.GUID)
	if len(got1.Participants) != 0 {
		t.Errorf("expected usr_a detached from S1, got %+v", got1.Participants)
	}
	if ids := participantIDs(s2); len(ids) != 1 {
		t.Errorf("expected usr_a in returned S2, got %v", ids)
	}
	if len(r.sessions) != 2 || r.sessions[0].GUID != s1.GUID || r.sessions[1].GUID != s2.GUID {
		t.Errorf("expected S1 then S2 notifications, got %d", len(r.sessions))
	}

	// Re-attaching the same participant is a no-op.
	r.reset()
	e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_2:1"}, &p)
	if len(r.sessions) != 0 {
		t.Errorf("expected no notification, got %d", len(r.sessions))
	}
}

func TestMergeSession_UnknownParticipantAppended(t *testing.T) {
	e, _ := newRecordedEngine(t)

	u := UnknownParticipant("Guest", false)
	e.MergeSession(SessionUpdate{App: NamedAppCluster, InAppSessionIdentifier: "room"}, &u)
	got := e.MergeSession(SessionUpdate{App: NamedAppCluster, InAppSessionIdentifier: "room"}, &u)
	if len(got.Participants) != 1 || got.Participants[0].Known {
		t.Errorf("expected one unknown participant, got %+v", got.Participants)
	}
}

// ---------------------------------------------------------------------------
// Queries and subscriptions
// ---------------------------------------------------------------------------

func TestQueries_ReturnSnapshots(t *testing.T) {
	e, _ := newRecordedEngine(t)

	s := e.MergeSession(SessionUpdate{
		App:                    NamedAppVRChat,
		InAppSessionIdentifier: "wrld_1:1",
		SessionDetails:         SessionDetails{Name: Ptr("Home"), Markers: []SessionMarker{MarkerVRChatPublic}},
	}, nil)
	e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: "usr_a", CustomStatus: Ptr("hi"), MainSession: knownIn(s.GUID)})

	snap, _ := e.SessionByGUID(s.GUID)
	*snap.Name = "Mutated"
	snap.Markers[0] = MarkerVRChatGroup
	snap.Participants[0].InAppIdentifier = "usr_b"

	u, _ := e.UserUpdate(NamedAppVRChat, "usr_a")
	*u.CustomStatus = "mutated"

	again, _ := e.SessionByGUID(s.GUID)
	if *again.Name != "Home" || again.Markers[0] != MarkerVRChatPublic || again.Participants[0].InAppIdentifier != "usr_a" {
		t.Errorf("engine state leaked through a snapshot: %+v", again)
	}
	u2, _ := e.UserUpdate(NamedAppVRChat, "usr_a")
	if *u2.CustomStatus != "hi" {
		t.Errorf("engine user state leaked: %q", *u2.CustomStatus)
	}
}

func TestQueries_FilterByApp(t *testing.T) {
	e, _ := newRecordedEngine(t)

	e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: "usr_a"})
	e.MergeUser(UserUpdate{App: NamedAppResonite, InAppIdentifier: "U-a"})
	e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_1:1"}, nil)
	e.MergeSession(SessionUpdate{App: NamedAppResonite, InAppSessionIdentifier: "S-1"}, nil)

	if got := e.AllUserUpdates(); len(got) != 2 {
		t.Errorf("expected 2 users, got %d", len(got))
	}
	if got := e.AllUserUpdates(NamedAppResonite); len(got) != 1 || got[0].InAppIdentifier != "U-a" {
		t.Errorf("unexpected filtered users: %+v", got)
	}
	if got := e.AllSessions(NamedAppVRChat); len(got) != 1 || got[0].InAppSessionIdentifier != "wrld_1:1" {
		t.Errorf("unexpected filtered sessions: %+v", got)
	}
	if _, ok := e.SessionByGUID("missing"); ok {
		t.Error("expected missing session")
	}
	if _, ok := e.UserUpdate(NamedAppCluster, "usr_a"); ok {
		t.Error("expected missing user on other app")
	}
}

func TestTrackedSessions_OrderedByAttendance(t *testing.T) {
	e, _ := newRecordedEngine(t)

	for i, n := range []int{2, 9, 5} {
		p := KnownParticipant(fmt.Sprintf("usr_%d", i), false)
		e.MergeSession(SessionUpdate{
			App:                    NamedAppVRChat,
			InAppSessionIdentifier: fmt.Sprintf("wrld_%d:1", i),
			SessionDetails:         SessionDetails{CurrentAttendance: Ptr(n)},
		}, &p)
	}
	e.MergeSession(SessionUpdate{
		App:                    NamedAppVRChat,
		InAppSessionIdentifier: "wrld_empty:1",
		SessionDetails:         SessionDetails{CurrentAttendance: Ptr(40)},
	}, nil)

	tracked := e.TrackedSessions(NamedAppVRChat)
	if len(tracked) != 3 {
		t.Fatalf("expected 3 tracked sessions, got %d", len(tracked))
	}
	for i, want := range []int{9, 5, 2} {
		if tracked[i].Attendance() != want {
			t.Errorf("index %d: expected attendance %d, got %d", i, want, tracked[i].Attendance())
		}
	}
}

func TestSubscriptions_ReplaceAndRemove(t *testing.T) {
	e := NewEngine(&seqAllocator{})
	var calls []string
	e.SubscribeUserMerged("a", func(UserUpdate) { calls = append(calls, "a1") })
	e.SubscribeUserMerged("b", func(UserUpdate) { calls = append(calls, "b") })
	e.SubscribeUserMerged("a", func(UserUpdate) { calls = append(calls, "a2") })

	e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: "usr_a"})
	if fmt.Sprint(calls) != "[a2 b]" {
		t.Errorf("expected replaced listener in original position, got %v", calls)
	}

	calls = nil
	e.UnsubscribeUserMerged("a")
	e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: "usr_b"})
	if fmt.Sprint(calls) != "[b]" {
		t.Errorf("expected only b after unsubscribe, got %v", calls)
	}
}

func TestListenerMayQueryEngine(t *testing.T) {
	e := NewEngine(&seqAllocator{})
	var seen int
	e.SubscribeSessionChanged("reader", func(s Session) {
		if _, ok := e.SessionByGUID(s.GUID); ok {
			seen++
		}
	})
	e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: "wrld_1:1"}, nil)
	if seen != 1 {
		t.Errorf("expected listener to read the merged session, got %d", seen)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestSingleSessionInvariant_Concurrent(t *testing.T) {
	e := NewEngine(&seqAllocator{})

	var guids []string
	for i := 0; i < 5; i++ {
		s := e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: fmt.Sprintf("wrld_%d:1", i)}, nil)
		guids = append(guids, s.GUID)
	}

	const goroutines = 20
	const iterations = 200
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				account := fmt.Sprintf("usr_%d", (g+i)%7)
				switch i % 3 {
				case 0:
					e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: account, MainSession: knownIn(guids[(g*i)%len(guids)])})
				case 1:
					p := KnownParticipant(account, false)
					e.MergeSession(SessionUpdate{App: NamedAppVRChat, InAppSessionIdentifier: fmt.Sprintf("wrld_%d:1", (g+i)%5)}, &p)
				default:
					e.MergeUser(UserUpdate{App: NamedAppVRChat, InAppIdentifier: account, MainSession: &SessionRef{Knowledge: KnowledgePrivateInstance}})
				}
				_ = e.AllSessions()
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[string]string)
	for _, s := range e.AllSessions(NamedAppVRChat) {
		for _, id := range participantIDs(s) {
			if prev, dup := seen[id]; dup {
				t.Errorf("account %s is a participant of both %s and %s", id, prev, s.GUID)
			}
			seen[id] = s.GUID
			if guid, _ := e.ParticipationOf(NamedAppVRChat, id); guid != s.GUID {
				t.Errorf("participation index for %s points to %s, session says %s", id, guid, s.GUID)
			}
		}
	}
}
