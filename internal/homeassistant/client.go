// Package homeassistant watches Home Assistant integrations and repairs
// failing ones, first by reloading them and then by rebooting the VM that
// hosts Home Assistant.
package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Entry is one config entry (integration instance).
type Entry struct {
	EntryID string `json:"entry_id" yaml:"entry_id"`
	Domain  string `json:"domain" yaml:"domain"`
	Title   string `json:"title" yaml:"title"`
	State   string `json:"state" yaml:"state"`
}

// Failed reports whether the entry is in a state that needs repair.
func (e Entry) Failed() bool {
	switch e.State {
	case "setup_retry", "setup_error", "failed_unload", "failed":
		return true
	}
	return false
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	// URL is the Home Assistant base URL, e.g. http://192.168.1.20:8123.
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Home Assistant REST API with a long-lived token.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("homeassistant: url is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("homeassistant: token is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: strings.TrimRight(cfg.URL, "/"), token: cfg.Token, http: hc}, nil
}

// Entries lists every config entry.
func (c *Client) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	if err := c.do(ctx, http.MethodGet, "/api/config/config_entries/entry", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reload asks Home Assistant to reload one config entry.
func (c *Client) Reload(ctx context.Context, entryID string) error {
	return c.do(ctx, http.MethodPost, "/api/config/config_entries/entry/"+entryID+"/reload", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("homeassistant request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("homeassistant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("homeassistant %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
