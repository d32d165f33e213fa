package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/metrics"
	"github.com/marcus-qen/hostwarden/internal/remote"
	"github.com/marcus-qen/hostwarden/internal/telemetry"
)

// API is the subset of Client the check uses.
type API interface {
	Entries(ctx context.Context) ([]Entry, error)
	Reload(ctx context.Context, entryID string) error
}

// CheckConfig configures a Check.
type CheckConfig struct {
	Name  string
	Topic string
	API   API
	// Exec reaches the VirtualBox host that runs the Home Assistant VM.
	Exec remote.Executor
	VM   string
	// Integrations lists the watched domains, e.g. zwave_js.
	Integrations   []string
	RebootCooldown time.Duration
	// SettleDelay is the wait between a reload and the re-check.
	SettleDelay time.Duration
	// PollInterval and PollAttempts bound the wait for the VM to power off.
	PollInterval time.Duration
	PollAttempts int
	Logger       *zap.Logger
	// Sleep overrides the context-aware wait in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Check watches integration states. A newly failing integration is reloaded;
// if the reload does not bring it back the VM is rebooted, at most once per
// RebootCooldown. It satisfies the scheduler's check contract and keeps its
// own state, since repairs are side effects.
type Check struct {
	cfg    CheckConfig
	logger *zap.Logger

	primed     bool
	reachable  bool
	down       bool
	failed     map[string]bool
	lastReboot time.Time
}

// NewCheck builds a check.
func NewCheck(cfg CheckConfig) (*Check, error) {
	if cfg.API == nil {
		return nil, errors.New("homeassistant: api client is required")
	}
	if cfg.Exec == nil {
		return nil, errors.New("homeassistant: executor is required")
	}
	if cfg.Name == "" {
		cfg.Name = "homeassistant"
	}
	if cfg.VM == "" {
		cfg.VM = "ha"
	}
	if len(cfg.Integrations) == 0 {
		cfg.Integrations = []string{"zwave_js"}
	}
	if cfg.RebootCooldown <= 0 {
		cfg.RebootCooldown = time.Hour
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 30
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Check{cfg: cfg, logger: cfg.Logger, failed: map[string]bool{}}, nil
}

// Name returns the check name.
func (c *Check) Name() string { return c.cfg.Name }

// Observe returns the watched entries without repairing anything.
func (c *Check) Observe(ctx context.Context) (any, error) {
	entries, err := c.cfg.API.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return c.watched(entries), nil
}

// Run reads entry states and repairs newly failing integrations. An
// unreachable Home Assistant is reported once, not returned as an error.
func (c *Check) Run(ctx context.Context, _ any, now time.Time) ([]alerts.Event, any, error) {
	entries, err := c.cfg.API.Entries(ctx)
	if err != nil {
		c.logger.Warn("home assistant unreachable", zap.Error(err))
		var events []alerts.Event
		if c.reachable {
			c.down = true
			events = append(events, alerts.New("ha:unreachable", alerts.SeverityWarning,
				"Home Assistant unreachable", fmt.Sprintf("Home Assistant may be down: %v", err), now))
		}
		c.reachable = false
		c.primed = true
		return alerts.WithTopic(events, c.cfg.Topic), nil, nil
	}

	var events []alerts.Event
	if c.down {
		c.down = false
		events = append(events, alerts.New("ha:reachable", alerts.SeverityInfo,
			"Home Assistant reachable", "Home Assistant answers again.", now))
	}
	c.reachable = true

	for _, e := range c.watched(entries) {
		switch {
		case e.Failed():
			// Failures present at startup are repaired on the next tick.
			if !c.primed || c.failed[e.Domain] {
				continue
			}
			c.failed[e.Domain] = true
			events = append(events, c.repair(ctx, e, now))
		case c.failed[e.Domain]:
			delete(c.failed, e.Domain)
			events = append(events, alerts.New(haKey(e.Domain, "recovered"), alerts.SeverityInfo,
				"Integration recovered", fmt.Sprintf("%s recovered (now %s).", label(e), e.State), now))
		}
	}
	c.primed = true
	return alerts.WithTopic(events, c.cfg.Topic), nil, nil
}

func (c *Check) repair(ctx context.Context, e Entry, now time.Time) alerts.Event {
	err := c.act(ctx, "ha-reload", e.Domain, func(ctx context.Context) error { return c.cfg.API.Reload(ctx, e.EntryID) })
	if err == nil {
		if err := c.cfg.Sleep(ctx, c.cfg.SettleDelay); err == nil {
			if entries, err := c.cfg.API.Entries(ctx); err == nil && loaded(entries, e.Domain) {
				delete(c.failed, e.Domain)
				return alerts.New(haKey(e.Domain, "reloaded"), alerts.SeverityInfo,
					"Integration reloaded", fmt.Sprintf("%s was in %s and recovered after a reload.", label(e), e.State), now)
			}
		}
	}

	if since := now.Sub(c.lastReboot); !c.lastReboot.IsZero() && since < c.cfg.RebootCooldown {
		remaining := (c.cfg.RebootCooldown - since).Round(time.Minute)
		return alerts.New(haKey(e.Domain, "failing"), alerts.SeverityWarning,
			"Integration failing",
			fmt.Sprintf("%s is in %s. VM reboot on cooldown (%s remaining).", label(e), e.State, remaining), now)
	}

	if err := c.act(ctx, "ha-reboot", c.cfg.VM, c.rebootVM); err != nil {
		return alerts.New(haKey(e.Domain, "reboot-failed"), alerts.SeverityCritical,
			"VM reboot failed",
			fmt.Sprintf("%s is in %s and rebooting %s failed: %v. Manual intervention needed.", label(e), e.State, c.cfg.VM, err), now)
	}
	c.lastReboot = now
	return alerts.New(haKey(e.Domain, "rebooted"), alerts.SeverityWarning,
		"VM rebooted",
		fmt.Sprintf("%s was in %s. Rebooted %s; next reboot available in %s.", label(e), e.State, c.cfg.VM, c.cfg.RebootCooldown), now)
}

// rebootVM shuts the VM down over ACPI, forcing power-off if that is
// refused, waits for it to stop and starts it headless.
func (c *Check) rebootVM(ctx context.Context) error {
	vm := c.cfg.VM
	if _, err := remote.Output(ctx, c.cfg.Exec, remote.Command("VBoxManage", "controlvm", vm, "acpipowerbutton")); err != nil {
		c.logger.Warn("ACPI shutdown refused, powering off", zap.String("vm", vm), zap.Error(err))
		if _, err := remote.Output(ctx, c.cfg.Exec, remote.Command("VBoxManage", "controlvm", vm, "poweroff")); err != nil {
			return fmt.Errorf("power off %s: %w", vm, err)
		}
	}
	for i := 0; i < c.cfg.PollAttempts; i++ {
		if err := c.cfg.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
		info, err := remote.Output(ctx, c.cfg.Exec, remote.Command("VBoxManage", "showvminfo", vm, "--machinereadable"))
		if err == nil && vmStopped(info) {
			break
		}
	}
	if _, err := remote.Output(ctx, c.cfg.Exec, remote.Command("VBoxManage", "startvm", vm, "--type", "headless")); err != nil {
		return fmt.Errorf("start %s: %w", vm, err)
	}
	return nil
}

func (c *Check) act(ctx context.Context, action, target string, fn func(context.Context) error) error {
	ctx, span := telemetry.StartActionSpan(ctx, action, target)
	err := fn(ctx)
	telemetry.EndActionSpan(span, err)
	metrics.RecordAction(action, err)
	if err != nil {
		c.logger.Warn("repair action failed", zap.String("action", action), zap.String("target", target), zap.Error(err))
		return err
	}
	c.logger.Info("repair action applied", zap.String("action", action), zap.String("target", target))
	return nil
}

func (c *Check) watched(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		for _, d := range c.cfg.Integrations {
			if e.Domain == d {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func loaded(entries []Entry, domain string) bool {
	for _, e := range entries {
		if e.Domain == domain && e.State != "loaded" {
			return false
		}
	}
	for _, e := range entries {
		if e.Domain == domain {
			return true
		}
	}
	return false
}

func vmStopped(info string) bool {
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "VMState="); ok {
			v = strings.Trim(v, `"`)
			return v == "poweroff" || v == "aborted"
		}
	}
	return false
}

func label(e Entry) string {
	if e.Title != "" {
		return e.Title
	}
	return e.Domain
}

func haKey(domain, what string) alerts.Key {
	return alerts.Key(fmt.Sprintf("ha:%s:%s", domain, what))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
