package vrchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hai-vr/XYVR-sub001/internal/connector"
	"github.com/hai-vr/XYVR-sub001/internal/live"
)

// ErrNotFound is returned when the API has no record of an instance.
var ErrNotFound = errors.New("vrchat: not found")

// Instance is the subset of the VRChat instance record used here.
type Instance struct {
	ID               string   `json:"id"`
	Location         string   `json:"location"`
	InstanceID       string   `json:"instanceId"`
	Name             string   `json:"name"`
	DisplayName      *string  `json:"displayName"`
	WorldID          string   `json:"worldId"`
	OwnerID          *string  `json:"ownerId"`
	Capacity         int      `json:"capacity"`
	UserCount        int      `json:"userCount"`
	ClosedAt         *string  `json:"closedAt"`
	AgeGate          bool     `json:"ageGate"`
	CanRequestInvite bool     `json:"canRequestInvite"`
	World            apiWorld `json:"world"`
}

// API is a minimal VRChat HTTP client.
type API struct {
	baseURL   string
	userAgent string
	tokens    connector.TokenSource
	client    *http.Client
}

// NewAPI creates an API client. The auth cookie comes from tokens on every
// request.
func NewAPI(baseURL, userAgent string, tokens connector.TokenSource, client *http.Client) *API {
	if client == nil {
		client = http.DefaultClient
	}
	return &API{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		tokens:    tokens,
		client:    client,
	}
}

// GetInstance fetches the instance at a location string.
func (a *API) GetInstance(ctx context.Context, location string) (*Instance, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("vrchat: token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/instances/"+url.PathEscape(location), nil)
	if err != nil {
		return nil, fmt.Errorf("vrchat: build request: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: "auth", Value: token})

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vrchat: get instance %s: %w", location, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: instance %s", ErrNotFound, location)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("vrchat: get instance %s: status %d: %s", location, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var inst Instance
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		return nil, fmt.Errorf("vrchat: decode instance %s: %w", location, err)
	}
	return &inst, nil
}

// SessionUpdate converts an instance record to a session update for the
// given location.
func (inst *Instance) SessionUpdate(location string) live.SessionUpdate {
	loc := ParseLocation(location)
	details := locationDetails(loc)
	applyWorld(&details, inst.World)

	if inst.DisplayName != nil && *inst.DisplayName != "" {
		details.Name = live.Ptr(*inst.DisplayName)
	} else if inst.Name != "" {
		details.Name = live.Ptr(inst.Name)
	} else if loc.InstanceID != "" {
		details.Name = live.Ptr(loc.InstanceID)
	}
	if inst.OwnerID != nil && *inst.OwnerID != "" {
		details.HostInAppIdentifier = live.Ptr(*inst.OwnerID)
	}
	if inst.Capacity > 0 {
		details.SessionCapacity = live.Ptr(inst.Capacity)
	}
	details.CurrentAttendance = live.Ptr(inst.UserCount)
	details.IsOpen = live.Ptr(inst.ClosedAt == nil || *inst.ClosedAt == "")
	details.AgeGated = live.Ptr(inst.AgeGate || loc.AgeGated)

	return live.SessionUpdate{
		App:                    live.NamedAppVRChat,
		InAppSessionIdentifier: location,
		SessionDetails:         details,
	}
}
