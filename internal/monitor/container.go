package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
)

// ContainerStatus is a normalized container health state.
type ContainerStatus string

const (
	ContainerRunning    ContainerStatus = "running"
	ContainerHealthy    ContainerStatus = "healthy"
	ContainerStarting   ContainerStatus = "starting"
	ContainerUnhealthy  ContainerStatus = "unhealthy"
	ContainerRestarting ContainerStatus = "restarting"
	ContainerStopped    ContainerStatus = "stopped"
)

// Problem reports whether the status needs operator attention.
func (s ContainerStatus) Problem() bool {
	switch s {
	case ContainerUnhealthy, ContainerRestarting, ContainerStopped:
		return true
	}
	return false
}

// ContainerState is one container in an observation.
type ContainerState struct {
	Name   string          `json:"name" yaml:"name"`
	Status ContainerStatus `json:"status" yaml:"status"`
	Detail string          `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// ContainerSnapshot maps container name to its last status.
type ContainerSnapshot map[string]ContainerStatus

// ContainerMonitor emits one event per transition into a problem status and
// one recovery event per transition out of it.
type ContainerMonitor struct {
	Ignore []string
}

// Evaluate implements Monitor.
func (m ContainerMonitor) Evaluate(prev *ContainerSnapshot, obs []ContainerState, now time.Time) ([]alerts.Event, ContainerSnapshot) {
	next := make(ContainerSnapshot, len(obs))
	seen := make(map[string]bool, len(obs))
	for _, c := range obs {
		if m.ignored(c.Name) {
			continue
		}
		next[c.Name] = c.Status
		seen[c.Name] = true
	}
	if prev == nil {
		return nil, next
	}

	var events []alerts.Event
	for _, c := range obs {
		if !seen[c.Name] {
			continue
		}
		before, tracked := (*prev)[c.Name]
		if !tracked || before == c.Status {
			continue
		}
		if before.Problem() && c.Status == ContainerStarting {
			// Hold the problem status until the container settles.
			next[c.Name] = before
			continue
		}
		if ev, ok := containerTransition(c.Name, before, c.Status, c.Detail, now); ok {
			events = append(events, ev)
		}
	}

	// A container missing from the list counts as stopped.
	var gone []string
	for name, before := range *prev {
		if seen[name] || m.ignored(name) {
			continue
		}
		next[name] = ContainerStopped
		if before != ContainerStopped {
			gone = append(gone, name)
		}
	}
	sort.Strings(gone)
	for _, name := range gone {
		ev, _ := containerTransition(name, (*prev)[name], ContainerStopped, "no longer listed", now)
		events = append(events, ev)
	}
	return events, next
}

func containerTransition(name string, before, after ContainerStatus, detail string, now time.Time) (alerts.Event, bool) {
	suffix := ""
	if detail != "" {
		suffix = fmt.Sprintf(" (%s)", detail)
	}
	switch {
	case after.Problem():
		sev := alerts.SeverityWarning
		if after == ContainerStopped {
			sev = alerts.SeverityCritical
		}
		key := alerts.Key(fmt.Sprintf("container:%s:%s", name, after))
		return alerts.New(key, sev,
			fmt.Sprintf("Container %s %s", name, after),
			fmt.Sprintf("%s changed from %s to %s%s.", name, before, after, suffix), now), true
	case before.Problem():
		key := alerts.Key(fmt.Sprintf("container:%s:recovered", name))
		return alerts.New(key, alerts.SeverityInfo,
			fmt.Sprintf("Container %s recovered", name),
			fmt.Sprintf("%s is %s again%s.", name, after, suffix), now), true
	}
	return alerts.Event{}, false
}

func (m ContainerMonitor) ignored(name string) bool {
	for _, n := range m.Ignore {
		if n == name {
			return true
		}
	}
	return false
}
