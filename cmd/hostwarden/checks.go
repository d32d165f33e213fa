package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/config"
	"github.com/marcus-qen/hostwarden/internal/homeassistant"
	"github.com/marcus-qen/hostwarden/internal/issuetracker"
	"github.com/marcus-qen/hostwarden/internal/monitor"
	"github.com/marcus-qen/hostwarden/internal/remote"
	"github.com/marcus-qen/hostwarden/internal/scheduler"
	"github.com/marcus-qen/hostwarden/internal/transmission"
)

// observer runs a check's probe without evaluating it.
type observer interface {
	Name() string
	Observe(ctx context.Context) (any, error)
}

// checkSet is every enabled check, ready to be scheduled or probed.
type checkSet struct {
	jobs      []scheduler.Job
	observers map[string]observer
	// disk backs /disk when the disk monitor is enabled.
	disk    *monitor.DiskProber
	closers []io.Closer
}

func (s *checkSet) add(c interface {
	scheduler.Check
	observer
}, sched config.Schedule) {
	s.jobs = append(s.jobs, scheduler.Job{Check: c, Interval: sched.Interval, Schedule: sched.Cron})
	s.observers[c.Name()] = c
}

func (s *checkSet) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// enabledChecks lists the names of the enabled checks in schedule order.
func enabledChecks(cfg config.Config) []string {
	var names []string
	m := cfg.Monitors
	for _, c := range []struct {
		name string
		on   bool
	}{
		{"disk", m.Disk.Enabled},
		{"containers", m.Containers.Enabled},
		{"vms", m.VMs.Enabled},
		{"mounts", m.Mounts.Enabled},
		{"system", m.System.Enabled},
		{"issues", m.Issues.Enabled},
		{"watchtower", m.Watchtower.Enabled},
		{"transmission", cfg.Transmission.Enabled},
		{"home_assistant", cfg.HomeAssistant.Enabled},
	} {
		if c.on {
			names = append(names, c.name)
		}
	}
	return names
}

func buildChecks(ctx context.Context, cfg config.Config, exec remote.Executor, logger *zap.Logger) (*checkSet, error) {
	set := &checkSet{observers: map[string]observer{}}
	m := cfg.Monitors

	if m.Disk.Enabled {
		roots := m.Disk.Roots
		if len(roots) == 0 {
			roots = cfg.Deletion.AllowedRoots
		}
		set.disk = &monitor.DiskProber{
			Exec:          exec,
			Path:          m.Disk.Path,
			ListAbove:     m.Disk.Threshold,
			Roots:         roots,
			MinSize:       m.Disk.MinCandidateSize,
			Exclude:       m.Disk.Exclude,
			MaxCandidates: m.Disk.MaxCandidates,
			Logger:        logger.Named("disk"),
		}
		set.add(monitor.Bind("disk", m.Disk.Topic, set.disk,
			monitor.DiskMonitor{Threshold: m.Disk.Threshold, CriticalAt: m.Disk.CriticalAt}), m.Disk.Schedule)
	}

	if m.Containers.Enabled {
		set.add(monitor.Bind("containers", m.Containers.Topic, &monitor.ContainerProber{Exec: exec},
			monitor.ContainerMonitor{Ignore: m.Containers.Ignore}), m.Containers.Schedule)
	}

	if m.VMs.Enabled {
		set.add(monitor.Bind("vms", m.VMs.Topic, &monitor.VMProber{Exec: exec, Names: m.VMs.Names},
			monitor.VMMonitor{Names: m.VMs.Names}), m.VMs.Schedule)
	}

	if m.Mounts.Enabled {
		set.add(monitor.Bind("mounts", m.Mounts.Topic, &monitor.MountProber{Exec: exec, Paths: m.Mounts.Paths},
			monitor.MountMonitor{}), m.Mounts.Schedule)
	}

	if m.System.Enabled {
		set.add(monitor.Bind("system", m.System.Topic, &monitor.SystemProber{Exec: exec},
			monitor.SystemMonitor{
				RAMPercent:  m.System.RAMPercent,
				SwapPercent: m.System.SwapPercent,
				Load5:       m.System.Load5,
				TempCelsius: m.System.TempCelsius,
			}), m.System.Schedule)
	}

	if m.Issues.Enabled {
		refs := make([]issuetracker.Ref, 0, len(m.Issues.Tracked))
		actions := map[string]alerts.Action{}
		for _, ti := range m.Issues.Tracked {
			ref := issuetracker.Ref{Repo: ti.Repo, Number: ti.Number, Name: ti.Name}
			refs = append(refs, ref)
			if ti.Action != nil {
				actions[ref.ID()] = *ti.Action
			}
		}
		var opts []issuetracker.Option
		if m.Issues.BaseURL != "" {
			opts = append(opts, issuetracker.WithBaseURL(m.Issues.BaseURL))
		}
		client, err := issuetracker.New(ctx, m.Issues.Token, refs, logger.Named("issues"), opts...)
		if err != nil {
			return nil, fmt.Errorf("issue tracker: %w", err)
		}
		set.add(monitor.Bind("issues", m.Issues.Topic, client,
			monitor.IssueMonitor{Actions: actions, CommentThreshold: m.Issues.CommentThreshold}), m.Issues.Schedule)
	}

	if m.Watchtower.Enabled {
		set.add(monitor.Bind("watchtower", m.Watchtower.Topic,
			&monitor.WatchtowerProber{Exec: exec, Container: m.Watchtower.Container, Since: m.Watchtower.Since},
			monitor.WatchtowerMonitor{}), m.Watchtower.Schedule)
	}

	if cfg.Transmission.Enabled {
		check, err := buildTransmission(ctx, cfg, logger.Named("transmission"), set)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.add(check, cfg.Transmission.Schedule)
	}

	if cfg.HomeAssistant.Enabled {
		check, err := buildHomeAssistant(cfg.HomeAssistant, exec, logger.Named("homeassistant"))
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.add(check, cfg.HomeAssistant.Schedule)
	}

	return set, nil
}

func buildTransmission(ctx context.Context, cfg config.Config, logger *zap.Logger, set *checkSet) (*transmission.Check, error) {
	tc := cfg.Transmission
	client, err := transmission.NewClient(transmission.ClientConfig{
		URL:      tc.URL,
		Username: tc.Username,
		Password: tc.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("transmission client: %w", err)
	}

	var store transmission.RecordStore
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		s, err := transmission.NewStore(filepath.Join(cfg.DataDir, "hostwarden.db"))
		if err != nil {
			return nil, fmt.Errorf("open transfer store: %w", err)
		}
		set.closers = append(set.closers, s)
		store = s
	}

	watcher := transmission.NewWatcher(time.Duration(tc.HoursUntilRemove) * time.Hour)
	return transmission.NewCheck(ctx, "transmission", tc.Topic, client, watcher, store, logger)
}

func buildHomeAssistant(hc config.HomeAssistantConfig, exec remote.Executor, logger *zap.Logger) (*homeassistant.Check, error) {
	client, err := homeassistant.NewClient(homeassistant.ClientConfig{URL: hc.URL, Token: hc.Token})
	if err != nil {
		return nil, fmt.Errorf("home assistant client: %w", err)
	}
	return homeassistant.NewCheck(homeassistant.CheckConfig{
		Name:           "home_assistant",
		Topic:          hc.Topic,
		API:            client,
		Exec:           exec,
		VM:             hc.VM,
		Integrations:   hc.Integrations,
		RebootCooldown: hc.RebootCooldown,
		SettleDelay:    hc.SettleDelay,
		Logger:         logger,
	})
}
