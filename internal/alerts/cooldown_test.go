package alerts

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyClass(t *testing.T) {
	cases := map[Key]string{
		"disk:threshold":         "disk",
		"container:plex:stopped": "container",
		"bare":                   "bare",
		"":                       "",
	}
	for k, want := range cases {
		if got := k.Class(); got != want {
			t.Errorf("%q.Class() = %q, want %q", k, got, want)
		}
	}
}

func TestShouldEmitWindow(t *testing.T) {
	e := NewEngine()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	window := time.Hour

	if !e.ShouldEmit("disk:threshold", t0, window) {
		t.Fatal("first emission should pass")
	}
	if e.ShouldEmit("disk:threshold", t0.Add(5*time.Minute), window) {
		t.Fatal("emission inside window should be suppressed")
	}
	if e.ShouldEmit("disk:threshold", t0.Add(59*time.Minute), window) {
		t.Fatal("emission just inside window should be suppressed")
	}
	if !e.ShouldEmit("disk:threshold", t0.Add(time.Hour), window) {
		t.Fatal("emission at window boundary should pass")
	}
	// Window restarts from the last emission, not the first.
	if e.ShouldEmit("disk:threshold", t0.Add(90*time.Minute), window) {
		t.Fatal("emission 30m after second emit should be suppressed")
	}
}

func TestShouldEmitKeysIndependent(t *testing.T) {
	e := NewEngine()
	now := time.Now()
	if !e.ShouldEmit("container:plex:stopped", now, time.Hour) {
		t.Fatal("plex should emit")
	}
	if !e.ShouldEmit("container:sonarr:stopped", now, time.Hour) {
		t.Fatal("sonarr should not share plex's cooldown")
	}
	if e.Len() != 2 {
		t.Fatalf("Len = %d, want 2", e.Len())
	}
}

func TestShouldEmitZeroWindowAlwaysEmits(t *testing.T) {
	e := NewEngine()
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !e.ShouldEmit("deletion:completed", now, 0) {
			t.Fatalf("emission %d suppressed with zero window", i)
		}
	}
}

func TestForget(t *testing.T) {
	e := NewEngine()
	now := time.Now()
	e.ShouldEmit("vm:ha:stopped", now, time.Hour)
	e.Forget("vm:ha:stopped")
	if !e.ShouldEmit("vm:ha:stopped", now, time.Hour) {
		t.Fatal("forgotten key should emit again")
	}
}

func TestShouldEmitConcurrentSingleWinner(t *testing.T) {
	e := NewEngine()
	now := time.Now()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.ShouldEmit("disk:threshold", now, time.Hour) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins.Load())
	}
}

func TestPolicyWindow(t *testing.T) {
	p := Policy{
		Default:  time.Hour,
		PerClass: map[string]time.Duration{"container": 15 * time.Minute, "deletion": 0},
	}
	if got := p.Window("disk:threshold"); got != time.Hour {
		t.Errorf("disk window = %v", got)
	}
	if got := p.Window("container:plex:stopped"); got != 15*time.Minute {
		t.Errorf("container window = %v", got)
	}
	if got := p.Window("deletion:completed"); got != 0 {
		t.Errorf("deletion window = %v", got)
	}
}

func TestActive(t *testing.T) {
	e := NewEngine()
	p := Policy{Default: time.Hour}
	t0 := time.Now()
	e.ShouldEmit("b:x", t0, time.Hour)
	e.ShouldEmit("a:x", t0, time.Hour)
	e.ShouldEmit("c:x", t0.Add(-2*time.Hour), time.Hour)

	got := e.Active(t0.Add(time.Minute), p)
	if len(got) != 2 || got[0] != "a:x" || got[1] != "b:x" {
		t.Fatalf("Active = %v", got)
	}
}

func TestWithTopic(t *testing.T) {
	now := time.Now()
	events := []Event{
		New("disk:threshold", SeverityWarning, "t", "m", now),
		{Key: "vm:a:stopped", Topic: "media"},
	}
	out := WithTopic(events, "alerts")
	if out[0].Topic != "alerts" || out[1].Topic != "media" {
		t.Fatalf("topics = %q, %q", out[0].Topic, out[1].Topic)
	}
	if events[0].Topic != "" {
		t.Fatal("input events must not be mutated")
	}
	if out[0].ID == "" {
		t.Fatal("New should assign an ID")
	}
}
