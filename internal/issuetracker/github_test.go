package issuetracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, token string, refs []Ref, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), token, refs, nil, WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetch(t *testing.T) {
	c := newTestClient(t, "", nil, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/issues/42" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"number":42,"title":"Crash on start","state":"closed","comments":7,"html_url":"https://github.com/acme/widgets/issues/42"}`)
	})

	iss, err := c.Fetch(context.Background(), Ref{Repo: "acme/widgets", Number: 42})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if iss.State != "closed" || iss.Comments != 7 || iss.Title != "Crash on start" {
		t.Fatalf("issue = %+v", iss)
	}
	if iss.Ref.ID() != "acme/widgets#42" {
		t.Fatalf("ID = %s", iss.Ref.ID())
	}
}

func TestProbeSendsToken(t *testing.T) {
	var auth string
	c := newTestClient(t, "s3cret", []Ref{{Repo: "acme/widgets", Number: 1}}, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"number":1,"state":"open","comments":0}`)
	})
	if _, err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if auth != "Bearer s3cret" {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestProbePartialFailure(t *testing.T) {
	refs := []Ref{{Repo: "acme/widgets", Number: 1}, {Repo: "acme/widgets", Number: 2}}
	c := newTestClient(t, "", refs, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/acme/widgets/issues/2" {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"number":1,"state":"open","comments":3}`)
	})

	issues, err := c.Probe(context.Background())
	if err != nil {
		t.Fatalf("partial failure should not error: %v", err)
	}
	if len(issues) != 1 || issues[0].Ref.Number != 1 {
		t.Fatalf("issues = %+v", issues)
	}
}

func TestProbeAllFail(t *testing.T) {
	c := newTestClient(t, "", []Ref{{Repo: "acme/widgets", Number: 1}}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
	})
	if _, err := c.Probe(context.Background()); err == nil {
		t.Fatal("expected error when every fetch fails")
	}
}

func TestFetchInvalidRepo(t *testing.T) {
	c := newTestClient(t, "", nil, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := c.Fetch(context.Background(), Ref{Repo: "nope", Number: 1}); err == nil {
		t.Fatal("expected error for repo without owner")
	}
}
