package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/remote"
)

// SystemStats is one reading of host resource usage.
type SystemStats struct {
	RAMPercent  float64 `json:"ram_percent" yaml:"ram_percent"`
	SwapPercent float64 `json:"swap_percent" yaml:"swap_percent"`
	Load5       float64 `json:"load5" yaml:"load5"`
	TempCelsius float64 `json:"temp_celsius" yaml:"temp_celsius"`
	HasTemp     bool    `json:"has_temp" yaml:"has_temp"`
}

// SystemSnapshot records which resources were over their limit.
type SystemSnapshot map[string]bool

// SystemMonitor emits on threshold crossings in either direction. A zero
// limit disables that resource.
type SystemMonitor struct {
	RAMPercent  float64
	SwapPercent float64
	Load5       float64
	TempCelsius float64
}

type systemReading struct {
	name  string
	label string
	value float64
	limit float64
	unit  string
}

// Evaluate implements Monitor.
func (m SystemMonitor) Evaluate(prev *SystemSnapshot, obs SystemStats, now time.Time) ([]alerts.Event, SystemSnapshot) {
	readings := []systemReading{
		{"ram", "RAM usage", obs.RAMPercent, m.RAMPercent, "%"},
		{"swap", "Swap usage", obs.SwapPercent, m.SwapPercent, "%"},
		{"load", "5-minute load", obs.Load5, m.Load5, ""},
	}
	if obs.HasTemp {
		readings = append(readings, systemReading{"temp", "CPU temperature", obs.TempCelsius, m.TempCelsius, "°C"})
	}

	next := SystemSnapshot{}
	var events []alerts.Event
	for _, r := range readings {
		if r.limit <= 0 {
			continue
		}
		high := r.value >= r.limit
		next[r.name] = high
		if prev == nil {
			continue
		}
		was, tracked := (*prev)[r.name]
		if !tracked || was == high {
			continue
		}
		if high {
			events = append(events, alerts.New(alerts.Key("system:"+r.name+":high"), alerts.SeverityWarning,
				r.label+" high",
				fmt.Sprintf("%s is %.1f%s (limit %.1f%s).", r.label, r.value, r.unit, r.limit, r.unit), now))
		} else {
			events = append(events, alerts.New(alerts.Key("system:"+r.name+":normal"), alerts.SeverityInfo,
				r.label+" normal",
				fmt.Sprintf("%s is back to %.1f%s.", r.label, r.value, r.unit), now))
		}
	}
	return events, next
}

// SystemProber reads memory, load and temperature from the host.
type SystemProber struct {
	Exec remote.Executor
}

// Probe implements Prober.
func (p *SystemProber) Probe(ctx context.Context) (SystemStats, error) {
	var stats SystemStats

	free, err := remote.Output(ctx, p.Exec, "free -m")
	if err != nil {
		return stats, fmt.Errorf("read memory: %w", err)
	}
	if stats.RAMPercent, stats.SwapPercent, err = parseFree(free); err != nil {
		return stats, err
	}

	load, err := remote.Output(ctx, p.Exec, "cat /proc/loadavg")
	if err != nil {
		return stats, fmt.Errorf("read load: %w", err)
	}
	fields := strings.Fields(load)
	if len(fields) < 2 {
		return stats, fmt.Errorf("parse loadavg %q", load)
	}
	if stats.Load5, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return stats, fmt.Errorf("parse loadavg %q: %w", load, err)
	}

	temp, err := remote.Output(ctx, p.Exec, "cat /sys/class/thermal/thermal_zone0/temp 2>/dev/null || true")
	if err != nil {
		return stats, fmt.Errorf("read temperature: %w", err)
	}
	if t := strings.TrimSpace(temp); t != "" {
		milli, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return stats, fmt.Errorf("parse temperature %q: %w", t, err)
		}
		stats.TempCelsius = milli / 1000
		stats.HasTemp = true
	}
	return stats, nil
}

// parseFree returns RAM and swap usage percentages from `free -m`. RAM uses
// the "available" column when present.
func parseFree(out string) (ram, swap float64, err error) {
	var sawMem bool
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 3 {
			continue
		}
		switch f[0] {
		case "Mem:":
			total, _ := strconv.ParseFloat(f[1], 64)
			used, _ := strconv.ParseFloat(f[2], 64)
			if len(f) >= 7 {
				if avail, err := strconv.ParseFloat(f[6], 64); err == nil {
					used = total - avail
				}
			}
			if total > 0 {
				ram = used / total * 100
			}
			sawMem = true
		case "Swap:":
			total, _ := strconv.ParseFloat(f[1], 64)
			used, _ := strconv.ParseFloat(f[2], 64)
			if total > 0 {
				swap = used / total * 100
			}
		}
	}
	if !sawMem {
		return 0, 0, fmt.Errorf("parse free output: no Mem line")
	}
	return ram, swap, nil
}
