// Package transmission talks to a Transmission daemon and manages the
// lifecycle of completed transfers.
package transmission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const sessionHeader = "X-Transmission-Session-Id"

// Torrent status codes reported by torrent-get.
const (
	StatusStopped      = 0
	StatusCheckWait    = 1
	StatusChecking     = 2
	StatusDownloadWait = 3
	StatusDownloading  = 4
	StatusSeedWait     = 5
	StatusSeeding      = 6
)

// Transfer is one torrent in the transfer list.
type Transfer struct {
	ID          int64   `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	HashString  string  `json:"hashString" yaml:"hash"`
	Status      int     `json:"status" yaml:"status"`
	PercentDone float64 `json:"percentDone" yaml:"percent_done"`
	DoneDate    int64   `json:"doneDate" yaml:"done_date"`
	UploadRatio float64 `json:"uploadRatio" yaml:"upload_ratio"`
	TotalSize   int64   `json:"totalSize" yaml:"total_size"`
}

// Complete reports whether the download has finished.
func (t Transfer) Complete() bool { return t.PercentDone >= 1.0 }

// Seeding reports whether the transfer is seeding or queued to seed.
func (t Transfer) Seeding() bool { return t.Status == StatusSeeding || t.Status == StatusSeedWait }

// ClientConfig configures the RPC client.
type ClientConfig struct {
	URL        string
	Username   string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a Transmission RPC client.
type Client struct {
	url      string
	username string
	password string
	http     *http.Client

	mu        sync.Mutex
	sessionID string
}

// NewClient creates a client for the RPC endpoint at cfg.URL, e.g.
// http://host:9091/transmission/rpc.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("transmission: url is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{url: cfg.URL, username: cfg.Username, password: cfg.Password, http: hc}, nil
}

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

// List returns the current transfer list.
func (c *Client) List(ctx context.Context) ([]Transfer, error) {
	args := map[string]any{
		"fields": []string{"id", "name", "hashString", "status", "percentDone", "doneDate", "uploadRatio", "totalSize"},
	}
	var out struct {
		Torrents []Transfer `json:"torrents"`
	}
	if err := c.call(ctx, "torrent-get", args, &out); err != nil {
		return nil, err
	}
	return out.Torrents, nil
}

// Stop pauses a transfer.
func (c *Client) Stop(ctx context.Context, id int64) error {
	return c.call(ctx, "torrent-stop", map[string]any{"ids": []int64{id}}, nil)
}

// Remove drops a transfer from the client. Local data is kept unless
// deleteData is set.
func (c *Client) Remove(ctx context.Context, id int64, deleteData bool) error {
	return c.call(ctx, "torrent-remove", map[string]any{
		"ids":               []int64{id},
		"delete-local-data": deleteData,
	}, nil)
}

func (c *Client) call(ctx context.Context, method string, args any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.StatusCode == http.StatusConflict {
		// Session id rotated; the response carries the new one.
		c.setSession(resp.Header.Get(sessionHeader))
		resp.Body.Close()
		resp, err = c.post(ctx, body)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var rpc rpcResponse
	if err := json.Unmarshal(raw, &rpc); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpc.Result != "success" {
		return fmt.Errorf("%s: %s", method, rpc.Result)
	}
	if out != nil && len(rpc.Arguments) > 0 {
		if err := json.Unmarshal(rpc.Arguments, out); err != nil {
			return fmt.Errorf("%s: decode arguments: %w", method, err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sid := c.session(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.http.Do(req)
}

func (c *Client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}
