package vrchat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/hai-vr/XYVR-sub001/internal/connector"
	"github.com/hai-vr/XYVR-sub001/internal/live"
)

const instanceJSON = `{
	"id": "wrld_home:12345~friends(usr_host)",
	"location": "wrld_home:12345~friends(usr_host)",
	"instanceId": "12345~friends(usr_host)",
	"name": "12345",
	"displayName": null,
	"worldId": "wrld_home",
	"ownerId": "usr_host",
	"capacity": 40,
	"userCount": 6,
	"closedAt": null,
	"world": {"id": "wrld_home", "name": "Home World", "capacity": 20, "thumbnailImageUrl": "https://example.invalid/t.png"}
}`

func TestAPI_GetInstance(t *testing.T) {
	var gotPath, gotCookie, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAgent = r.Header.Get("User-Agent")
		if c, err := r.Cookie("auth"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(instanceJSON))
	}))
	defer srv.Close()

	api := NewAPI(srv.URL+"/", "presenced-test", connector.StaticToken("authcookie_1"), srv.Client())
	loc := "wrld_home:12345~friends(usr_host)"
	inst, err := api.GetInstance(context.Background(), loc)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}

	if gotPath != "/instances/"+loc {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotCookie != "authcookie_1" {
		t.Errorf("expected auth cookie, got %q", gotCookie)
	}
	if gotAgent != "presenced-test" {
		t.Errorf("expected user agent, got %q", gotAgent)
	}

	update := inst.SessionUpdate(loc)
	if update.App != live.NamedAppVRChat || update.InAppSessionIdentifier != loc {
		t.Fatalf("unexpected identity %+v", update)
	}
	d := update.SessionDetails
	if *d.VirtualSpaceName != "Home World" || *d.VirtualSpaceDefaultCapacity != 20 {
		t.Errorf("unexpected world details: %v %v", *d.VirtualSpaceName, *d.VirtualSpaceDefaultCapacity)
	}
	if *d.SessionCapacity != 40 || *d.CurrentAttendance != 6 {
		t.Errorf("unexpected capacity/attendance: %d %d", *d.SessionCapacity, *d.CurrentAttendance)
	}
	if *d.HostInAppIdentifier != "usr_host" || *d.Name != "12345" || !*d.IsOpen {
		t.Errorf("unexpected host/name/open: %v %v %v", *d.HostInAppIdentifier, *d.Name, *d.IsOpen)
	}
	if len(d.Markers) != 1 || d.Markers[0] != live.MarkerVRChatFriends {
		t.Errorf("expected markers from the location, got %v", d.Markers)
	}
}

func TestAPI_GetInstanceErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"error":{"message":"nope"}}`))
	}))
	defer srv.Close()

	api := NewAPI(srv.URL, "ua", connector.StaticToken("t"), srv.Client())

	if _, err := api.GetInstance(context.Background(), "wrld_x:1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	status.Store(http.StatusServiceUnavailable)
	_, err := api.GetInstance(context.Background(), "wrld_x:1")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected a generic error for 503, got %v", err)
	}
}

func TestPipelineTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserAgent = "ua-test"
	target := pipelineTarget(cfg, connector.StaticToken("tok+en/1"))

	raw, header, err := target(context.Background())
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "wss" || u.Host != "pipeline.vrchat.cloud" {
		t.Errorf("unexpected endpoint %s", raw)
	}
	if got := u.Query().Get("authToken"); got != "tok+en/1" {
		t.Errorf("expected token round-trip, got %q", got)
	}
	if header.Get("User-Agent") != "ua-test" {
		t.Errorf("expected user agent header, got %q", header.Get("User-Agent"))
	}
}

func TestClient_FetchMergesInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(instanceJSON))
	}))
	defer srv.Close()

	engine := live.NewEngine(nil)
	cfg := DefaultConfig()
	cfg.UserID = "usr_self"
	cfg.APIURL = srv.URL
	c := New(cfg, connector.StaticToken("t"), engine)
	defer c.Stop()

	loc := "wrld_home:12345~friends(usr_host)"
	if err := c.fetch(context.Background(), loc); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	s, ok := engine.SessionByNativeID(live.NamedAppVRChat, loc)
	if !ok || s.VirtualSpaceName == nil || *s.VirtualSpaceName != "Home World" {
		t.Errorf("expected merged instance, got %+v", s)
	}
	if c.Name() != "vrchat:usr_self" {
		t.Errorf("unexpected name %q", c.Name())
	}
}
