// Package homeassistant is a minimal client for the Home Assistant REST API,
// used to read forecast sensor entities on the local network.
package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/batcontrol/batcontrol/pkg/common"
	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/log"
)

// State is one entity state as returned by /api/states/<entity>.
type State struct {
	EntityID   string                     `json:"entity_id"`
	State      string                     `json:"state"`
	Attributes map[string]json.RawMessage `json:"attributes"`
}

// Client talks to one Home Assistant instance with a long-lived access token.
type Client struct {
	url    string
	token  string
	client *http.Client
}

// New returns a client for the referenced instance.
func New(ref config.HomeAssistantRef) *Client {
	return &Client{
		url:    strings.TrimSuffix(ref.URL, "/"),
		token:  ref.Token,
		client: common.HTTPClient(common.LocalAPITimeout),
	}
}

// GetState fetches the current state of entity.
func (c *Client) GetState(ctx context.Context, entity string) (State, error) {
	u := c.url + "/api/states/" + entity
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return State{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	log.Ctx(ctx).DebugContext(ctx, "fetching homeassistant state", slog.String("entity", entity))

	resp, err := c.client.Do(req)
	if err != nil {
		return State{}, fmt.Errorf("failed to fetch homeassistant state: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return State{}, fmt.Errorf("homeassistant returned status %d for %s", resp.StatusCode, entity)
	}

	var s State
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return State{}, fmt.Errorf("failed to decode homeassistant state: %w", err)
	}
	return s, nil
}

// Attribute unmarshals one attribute of s into out.
func (s State) Attribute(name string, out any) error {
	raw, ok := s.Attributes[name]
	if !ok {
		return fmt.Errorf("entity %s has no attribute %s", s.EntityID, name)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode attribute %s: %w", name, err)
	}
	return nil
}
