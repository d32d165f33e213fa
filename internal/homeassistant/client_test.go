package homeassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientEntriesAndReload(t *testing.T) {
	var reloaded string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/config/config_entries/entry":
			_, _ = w.Write([]byte(`[{"entry_id":"e1","domain":"zwave_js","title":"Z-Wave JS","state":"setup_retry"}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/config/config_entries/entry/e1/reload":
			reloaded = "e1"
			_, _ = w.Write([]byte(`{"require_restart":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{URL: srv.URL + "/", Token: "tok"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	entries, err := c.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || !entries[0].Failed() || entries[0].EntryID != "e1" {
		t.Fatalf("entries = %+v", entries)
	}
	if err := c.Reload(context.Background(), "e1"); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if reloaded != "e1" {
		t.Fatal("reload not sent")
	}
	if err := c.Reload(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestClientRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{URL: srv.URL, Token: "wrong"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Entries(context.Background()); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestNewClientRequiresURLAndToken(t *testing.T) {
	if _, err := NewClient(ClientConfig{Token: "x"}); err == nil {
		t.Fatal("expected url error")
	}
	if _, err := NewClient(ClientConfig{URL: "http://ha"}); err == nil {
		t.Fatal("expected token error")
	}
}
