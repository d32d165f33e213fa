package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/marcus-qen/hostwarden/internal/alerts"
)

// KeyDiskThreshold and KeyDiskRecovered are the disk monitor's alert keys.
const (
	KeyDiskThreshold alerts.Key = "disk:threshold"
	KeyDiskRecovered alerts.Key = "disk:recovered"
)

// Candidate is a file or directory the operator may choose to delete.
type Candidate struct {
	Path  string `json:"path" yaml:"path"`
	Name  string `json:"name" yaml:"name"`
	Size  int64  `json:"size" yaml:"size"`
	IsDir bool   `json:"is_dir" yaml:"is_dir"`
}

// DiskObservation is one reading of filesystem usage.
type DiskObservation struct {
	Path        string      `json:"path" yaml:"path"`
	UsedPercent float64     `json:"used_percent" yaml:"used_percent"`
	Candidates  []Candidate `json:"candidates,omitempty" yaml:"candidates,omitempty"`
}

// DiskSnapshot is the disk monitor's retained state.
type DiskSnapshot struct {
	UsedPercent    float64
	AboveThreshold bool
}

// DiskMonitor alerts while usage is at or above Threshold. It is level
// triggered: every tick above the threshold yields an event and the cooldown
// engine decides what reaches the operator.
type DiskMonitor struct {
	Threshold  float64
	CriticalAt float64
}

// Evaluate implements Monitor.
func (m DiskMonitor) Evaluate(prev *DiskSnapshot, obs DiskObservation, now time.Time) ([]alerts.Event, DiskSnapshot) {
	above := obs.UsedPercent >= m.Threshold
	next := DiskSnapshot{UsedPercent: obs.UsedPercent, AboveThreshold: above}
	if prev == nil {
		return nil, next
	}

	switch {
	case above:
		sev := alerts.SeverityWarning
		if m.CriticalAt > 0 && obs.UsedPercent >= m.CriticalAt {
			sev = alerts.SeverityCritical
		}
		ev := alerts.New(KeyDiskThreshold, sev,
			"Disk space low",
			diskMessage(obs, m.Threshold), now)
		ev.Actions = CandidateActions(obs.Candidates)
		return []alerts.Event{ev}, next
	case prev.AboveThreshold:
		ev := alerts.New(KeyDiskRecovered, alerts.SeverityInfo,
			"Disk space recovered",
			fmt.Sprintf("Usage on %s is back to %.1f%% (threshold %.0f%%).", obs.Path, obs.UsedPercent, m.Threshold), now)
		return []alerts.Event{ev}, next
	}
	return nil, next
}

// CandidateActions converts candidates into delete actions.
func CandidateActions(cands []Candidate) []alerts.Action {
	if len(cands) == 0 {
		return nil
	}
	actions := make([]alerts.Action, 0, len(cands))
	for _, c := range cands {
		actions = append(actions, alerts.Action{
			Kind:   alerts.ActionDelete,
			Target: c.Path,
			Label:  fmt.Sprintf("🗑 %s (%s)", c.Name, humanize.IBytes(uint64(c.Size))),
		})
	}
	return actions
}

func diskMessage(obs DiskObservation, threshold float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage on %s is %.1f%% (threshold %.0f%%).", obs.Path, obs.UsedPercent, threshold)
	if len(obs.Candidates) > 0 {
		b.WriteString("\n\nLargest entries:")
		for _, c := range obs.Candidates {
			kind := "file"
			if c.IsDir {
				kind = "dir"
			}
			fmt.Fprintf(&b, "\n• %s (%s, %s)", c.Name, humanize.IBytes(uint64(c.Size)), kind)
		}
	}
	return b.String()
}
