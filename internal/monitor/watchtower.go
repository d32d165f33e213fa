package monitor

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/remote"
)

// Watchtower outcomes.
const (
	WatchtowerUpdated = "updated"
	WatchtowerFailed  = "failed"
)

// WatchtowerUpdate is one container update reported in watchtower's log.
type WatchtowerUpdate struct {
	Container string    `json:"container" yaml:"container"`
	Outcome   string    `json:"outcome" yaml:"outcome"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	Time      time.Time `json:"time" yaml:"time"`
}

func (u WatchtowerUpdate) id() string {
	return u.Outcome + ":" + u.Container + "@" + u.Time.UTC().Format(time.RFC3339Nano)
}

// WatchtowerSnapshot holds the log entries already seen. Entries leave it
// once they fall out of the log window.
type WatchtowerSnapshot map[string]bool

// WatchtowerMonitor reports container updates and failed updates that
// appeared since the previous tick.
type WatchtowerMonitor struct{}

// Evaluate implements Monitor.
func (WatchtowerMonitor) Evaluate(prev *WatchtowerSnapshot, obs []WatchtowerUpdate, now time.Time) ([]alerts.Event, WatchtowerSnapshot) {
	next := make(WatchtowerSnapshot, len(obs))
	var events []alerts.Event
	for _, u := range obs {
		id := u.id()
		if next[id] {
			continue
		}
		next[id] = true
		if prev == nil || (*prev)[id] {
			continue
		}
		switch u.Outcome {
		case WatchtowerUpdated:
			events = append(events, alerts.New(alerts.Key(fmt.Sprintf("watchtower:%s:updated", u.Container)), alerts.SeverityInfo,
				"Container updated", fmt.Sprintf("Watchtower updated %s.", u.Container), now))
		case WatchtowerFailed:
			events = append(events, alerts.New(alerts.Key(fmt.Sprintf("watchtower:%s:failed", u.Container)), alerts.SeverityWarning,
				"Update failed", fmt.Sprintf("Watchtower could not update %s: %s", u.Container, truncate(u.Error, 100)), now))
		}
	}
	return events, next
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// WatchtowerProber reads the watchtower container's recent log.
type WatchtowerProber struct {
	Exec      remote.Executor
	Container string
	// Since bounds the log window; entries older than this are forgotten.
	Since time.Duration
}

// Probe implements Prober.
func (p *WatchtowerProber) Probe(ctx context.Context) ([]WatchtowerUpdate, error) {
	name := p.Container
	if name == "" {
		name = "watchtower"
	}
	since := p.Since
	if since <= 0 {
		since = 6 * time.Hour
	}
	cmd := fmt.Sprintf("docker logs --since %dm %s 2>&1", int(since.Minutes()), remote.Quote(name))
	out, err := remote.Output(ctx, p.Exec, cmd)
	if err != nil {
		return nil, fmt.Errorf("read watchtower log: %w", err)
	}
	return parseWatchtowerLog(out), nil
}

var (
	wtTime     = regexp.MustCompile(`time="([^"]+)"`)
	wtCreating = regexp.MustCompile(`Creating /([^\s"]+)`)
	wtError    = regexp.MustCompile(`Unable to update container /([^,\s"]+), err='([^']*)'`)
)

func parseWatchtowerLog(out string) []WatchtowerUpdate {
	var updates []WatchtowerUpdate
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "level=") {
			continue
		}
		m := wtTime.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, m[1])
		if err != nil {
			continue
		}
		if m := wtCreating.FindStringSubmatch(line); m != nil {
			updates = append(updates, WatchtowerUpdate{Container: m[1], Outcome: WatchtowerUpdated, Time: ts})
			continue
		}
		if m := wtError.FindStringSubmatch(line); m != nil {
			updates = append(updates, WatchtowerUpdate{Container: m[1], Outcome: WatchtowerFailed, Error: m[2], Time: ts})
		}
	}
	return updates
}
