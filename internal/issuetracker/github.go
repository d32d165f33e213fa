// Package issuetracker reads the state of tracked upstream issues.
package issuetracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v30/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Ref names one tracked issue.
type Ref struct {
	Repo   string // owner/name
	Number int
	Name   string
}

// ID is the stable identifier used in alert keys, e.g. "owner/name#12".
func (r Ref) ID() string { return fmt.Sprintf("%s#%d", r.Repo, r.Number) }

// Issue is the observed state of one issue.
type Issue struct {
	Ref      Ref    `json:"ref" yaml:"ref"`
	Title    string `json:"title" yaml:"title"`
	State    string `json:"state" yaml:"state"`
	Comments int    `json:"comments" yaml:"comments"`
	URL      string `json:"url" yaml:"url"`
}

// Client fetches tracked issues from GitHub.
type Client struct {
	gh     *github.Client
	refs   []Ref
	logger *zap.Logger
}

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse base url: %w", err)
		}
		c.gh.BaseURL = u
		return nil
	}
}

// New creates a client. An empty token uses unauthenticated requests.
func New(ctx context.Context, token string, refs []Ref, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var httpClient *http.Client
	if token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	c := &Client{gh: github.NewClient(httpClient), refs: refs, logger: logger}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Probe fetches every tracked issue. Issues that fail individually are
// skipped and logged; an error is returned only when nothing could be read.
func (c *Client) Probe(ctx context.Context) ([]Issue, error) {
	var (
		issues  []Issue
		lastErr error
	)
	for _, ref := range c.refs {
		iss, err := c.Fetch(ctx, ref)
		if err != nil {
			lastErr = err
			c.logger.Warn("issue fetch failed", zap.String("issue", ref.ID()), zap.Error(err))
			continue
		}
		issues = append(issues, iss)
	}
	if len(issues) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return issues, nil
}

// Fetch reads one issue.
func (c *Client) Fetch(ctx context.Context, ref Ref) (Issue, error) {
	owner, repo, ok := strings.Cut(ref.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return Issue{}, fmt.Errorf("invalid repo %q, want owner/name", ref.Repo)
	}
	gi, _, err := c.gh.Issues.Get(ctx, owner, repo, ref.Number)
	if err != nil {
		return Issue{}, fmt.Errorf("get issue %s: %w", ref.ID(), err)
	}
	return Issue{
		Ref:      ref,
		Title:    gi.GetTitle(),
		State:    gi.GetState(),
		Comments: gi.GetComments(),
		URL:      gi.GetHTMLURL(),
	}, nil
}
