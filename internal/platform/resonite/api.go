package resonite

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

// ErrNotFound is returned when the API has no record of a session.
var ErrNotFound = errors.New("resonite: not found")

// API is a minimal Resonite HTTP client.
type API struct {
	baseURL string
	userID  string
	tokens  connector.TokenSource
	client  *http.Client
}

// NewAPI creates an API client authenticating as userID.
func NewAPI(baseURL, userID string, tokens connector.TokenSource, client *http.Client) *API {
	if client == nil {
		client = http.DefaultClient
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		tokens:  tokens,
		client:  client,
	}
}

// authorization builds the "res <user>:<token>" header value.
func authorization(ctx context.Context, userID string, tokens connector.TokenSource) (string, error) {
	token, err := tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("resonite: token: %w", err)
	}
	return "res " + userID + ":" + token, nil
}

// GetSession fetches a session record and converts it to an update.
func (a *API) GetSession(ctx context.Context, sessionID string) (live.SessionUpdate, error) {
	auth, err := authorization(ctx, a.userID, a.tokens)
	if err != nil {
		return live.SessionUpdate{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return live.SessionUpdate{}, fmt.Errorf("resonite: build request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return live.SessionUpdate{}, fmt.Errorf("resonite: get session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return live.SessionUpdate{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return live.SessionUpdate{}, fmt.Errorf("resonite: get session %s: status %d: %s", sessionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info sessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return live.SessionUpdate{}, fmt.Errorf("resonite: decode session %s: %w", sessionID, err)
	}
	if info.SessionID == "" {
		info.SessionID = sessionID
	}
	return info.SessionUpdate(), nil
}
