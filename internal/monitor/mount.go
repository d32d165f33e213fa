package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/remote"
)

// MountHealth is the state of a mount point.
type MountHealth string

const (
	MountOK           MountHealth = "ok"
	MountDisconnected MountHealth = "disconnected"
	MountInaccessible MountHealth = "inaccessible"
)

// MountStatus is one mount point in an observation.
type MountStatus struct {
	Path   string      `json:"path" yaml:"path"`
	Health MountHealth `json:"health" yaml:"health"`
}

// MountSnapshot maps mount path to its last health.
type MountSnapshot map[string]MountHealth

// MountMonitor alerts when a network or removable mount drops or hangs.
type MountMonitor struct{}

// Evaluate implements Monitor.
func (MountMonitor) Evaluate(prev *MountSnapshot, obs []MountStatus, now time.Time) ([]alerts.Event, MountSnapshot) {
	next := make(MountSnapshot, len(obs))
	var events []alerts.Event
	for _, m := range obs {
		next[m.Path] = m.Health
		if prev == nil {
			continue
		}
		before, ok := (*prev)[m.Path]
		if !ok || before == m.Health {
			continue
		}
		switch {
		case m.Health != MountOK:
			events = append(events, alerts.New(alerts.Key(fmt.Sprintf("mount:%s:%s", m.Path, m.Health)), alerts.SeverityCritical,
				fmt.Sprintf("Mount %s %s", m.Path, m.Health),
				mountProblemMessage(m), now))
		case before != MountOK:
			events = append(events, alerts.New(alerts.Key(fmt.Sprintf("mount:%s:recovered", m.Path)), alerts.SeverityInfo,
				fmt.Sprintf("Mount %s recovered", m.Path),
				fmt.Sprintf("%s is mounted and readable again.", m.Path), now))
		}
	}
	return events, next
}

func mountProblemMessage(m MountStatus) string {
	if m.Health == MountDisconnected {
		return fmt.Sprintf("%s is no longer mounted.", m.Path)
	}
	return fmt.Sprintf("%s is mounted but did not respond to a directory listing.", m.Path)
}

// MountProber checks each path with mountpoint and a bounded ls.
type MountProber struct {
	Exec  remote.Executor
	Paths []string
}

// Probe implements Prober.
func (p *MountProber) Probe(ctx context.Context) ([]MountStatus, error) {
	statuses := make([]MountStatus, 0, len(p.Paths))
	for _, path := range p.Paths {
		q := remote.Quote(path)
		cmd := fmt.Sprintf(
			"if mountpoint -q %s; then if timeout 5 ls %s >/dev/null 2>&1; then echo ok; else echo inaccessible; fi; else echo disconnected; fi",
			q, q)
		out, err := remote.Output(ctx, p.Exec, cmd)
		if err != nil {
			return nil, fmt.Errorf("check mount %s: %w", path, err)
		}
		health := MountHealth(strings.TrimSpace(out))
		switch health {
		case MountOK, MountDisconnected, MountInaccessible:
		default:
			return nil, fmt.Errorf("check mount %s: unexpected output %q", path, out)
		}
		statuses = append(statuses, MountStatus{Path: path, Health: health})
	}
	return statuses, nil
}
