package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/remote"
	"github.com/marcus-qen/hostwarden/internal/remote/remotetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDiskBaselineEmitsNothing(t *testing.T) {
	m := DiskMonitor{Threshold: 80}
	events, snap := m.Evaluate(nil, DiskObservation{Path: "/", UsedPercent: 95}, t0)
	if len(events) != 0 {
		t.Fatalf("baseline emitted %d events", len(events))
	}
	if !snap.AboveThreshold || snap.UsedPercent != 95 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

// Level-triggered disk alerts filtered by a one hour cooldown: after the
// baseline tick, alerts reach the operator at t=0 and t=3700s but not t=300s.
func TestDiskThresholdWithCooldown(t *testing.T) {
	m := DiskMonitor{Threshold: 80}
	engine := alerts.NewEngine()
	window := 3600 * time.Second

	_, snap := m.Evaluate(nil, DiskObservation{Path: "/", UsedPercent: 84}, t0.Add(-300*time.Second))

	steps := []struct {
		at      time.Duration
		percent float64
		want    bool
	}{
		{0, 85, true},
		{300 * time.Second, 86, false},
		{3700 * time.Second, 87, true},
	}
	for _, step := range steps {
		var events []alerts.Event
		events, snap = m.Evaluate(&snap, DiskObservation{Path: "/", UsedPercent: step.percent}, t0.Add(step.at))
		if len(events) != 1 || events[0].Key != KeyDiskThreshold {
			t.Fatalf("t=%v: events = %+v", step.at, events)
		}
		if got := engine.ShouldEmit(events[0].Key, events[0].Timestamp, window); got != step.want {
			t.Fatalf("t=%v: emitted = %v, want %v", step.at, got, step.want)
		}
	}
}

func TestDiskRecoveryAndSeverity(t *testing.T) {
	m := DiskMonitor{Threshold: 80, CriticalAt: 95}
	prev := DiskSnapshot{UsedPercent: 70}

	events, snap := m.Evaluate(&prev, DiskObservation{Path: "/", UsedPercent: 96}, t0)
	if len(events) != 1 || events[0].Severity != alerts.SeverityCritical {
		t.Fatalf("events = %+v", events)
	}

	events, snap = m.Evaluate(&snap, DiskObservation{Path: "/", UsedPercent: 60}, t0.Add(time.Minute))
	if len(events) != 1 || events[0].Key != KeyDiskRecovered {
		t.Fatalf("events = %+v", events)
	}

	events, _ = m.Evaluate(&snap, DiskObservation{Path: "/", UsedPercent: 61}, t0.Add(2*time.Minute))
	if len(events) != 0 {
		t.Fatalf("below threshold emitted %+v", events)
	}
}

func TestDiskCandidatesBecomeDeleteActions(t *testing.T) {
	m := DiskMonitor{Threshold: 80}
	prev := DiskSnapshot{UsedPercent: 82, AboveThreshold: true}
	obs := DiskObservation{Path: "/", UsedPercent: 90, Candidates: []Candidate{
		{Path: "/srv/downloads/big.mkv", Name: "big.mkv", Size: 4 << 30},
		{Path: "/srv/downloads/season", Name: "season", Size: 2 << 30, IsDir: true},
	}}
	events, _ := m.Evaluate(&prev, obs, t0)
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	acts := events[0].Actions
	if len(acts) != 2 || acts[0].Kind != alerts.ActionDelete || acts[0].Target != "/srv/downloads/big.mkv" {
		t.Fatalf("actions = %+v", acts)
	}
	if !strings.Contains(acts[0].Label, "4.0 GiB") {
		t.Fatalf("label = %q", acts[0].Label)
	}
	if !strings.Contains(events[0].Message, "season (2.0 GiB, dir)") {
		t.Fatalf("message = %q", events[0].Message)
	}
}

func TestDiskProber(t *testing.T) {
	fake := remotetest.New().
		On("df --output=pcent / | tail -1", " 87%\n").
		On("find /srv/downloads -mindepth 1 -maxdepth 1 -exec du -sb {} + 2>/dev/null; true",
			"600000000\t/srv/downloads/a.mkv\n100\t/srv/downloads/tiny.txt\n900000000\t/srv/downloads/show\n"+
				"700000000\t/srv/downloads/tv-sonarr\n800000000\t/srv/downloads/.stash\n").
		On("find /srv/downloads -mindepth 1 -maxdepth 1 -type d", "/srv/downloads/show\n/srv/downloads/tv-sonarr\n/srv/downloads/.stash\n")

	p := &DiskProber{
		Exec:          fake,
		Path:          "/",
		ListAbove:     80,
		Roots:         []string{"/srv/downloads/"},
		MinSize:       500_000_000,
		Exclude:       []string{"tv-sonarr"},
		MaxCandidates: 10,
	}
	obs, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if obs.UsedPercent != 87 {
		t.Fatalf("UsedPercent = %v", obs.UsedPercent)
	}
	if len(obs.Candidates) != 3 {
		t.Fatalf("candidates = %+v", obs.Candidates)
	}
	if obs.Candidates[0].Name != "show" || !obs.Candidates[0].IsDir {
		t.Fatalf("first candidate = %+v", obs.Candidates[0])
	}
	if obs.Candidates[1].Name != ".stash" || !obs.Candidates[1].IsDir {
		t.Fatalf("hidden directory not offered: %+v", obs.Candidates[1])
	}
	if obs.Candidates[2].Name != "a.mkv" || obs.Candidates[2].IsDir {
		t.Fatalf("third candidate = %+v", obs.Candidates[2])
	}
}

func TestDiskProberSkipsListingBelowThreshold(t *testing.T) {
	fake := remotetest.New().On("df --output=pcent / | tail -1", "40%\n")
	p := &DiskProber{Exec: fake, ListAbove: 80, Roots: []string{"/srv"}}
	obs, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(obs.Candidates) != 0 || len(fake.Commands()) != 1 {
		t.Fatalf("listing ran below threshold: %v", fake.Commands())
	}
}

func TestDiskProberErrors(t *testing.T) {
	fake := remotetest.New().OnResult("df --output=pcent / | tail -1", remote.Result{ExitCode: 1, Stderr: "df: no"})
	if _, err := (&DiskProber{Exec: fake}).Probe(context.Background()); err == nil {
		t.Fatal("expected error on df failure")
	}
	fake = remotetest.New().On("df --output=pcent / | tail -1", "Use%\n")
	if _, err := (&DiskProber{Exec: fake}).Probe(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
}
