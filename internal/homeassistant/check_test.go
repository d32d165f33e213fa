package homeassistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/remote/remotetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu        sync.Mutex
	entries   []Entry
	err       error
	fixReload bool
	reloads   []string
}

func (f *fakeAPI) Entries(context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]Entry(nil), f.entries...), nil
}

func (f *fakeAPI) Reload(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads = append(f.reloads, id)
	if f.fixReload {
		for i := range f.entries {
			if f.entries[i].EntryID == id {
				f.entries[i].State = "loaded"
			}
		}
	}
	return nil
}

func (f *fakeAPI) set(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[0].State = state
}

func zwave(state string) []Entry {
	return []Entry{
		{EntryID: "e1", Domain: "zwave_js", Title: "Z-Wave JS", State: state},
		{EntryID: "e2", Domain: "hue", Title: "Hue", State: "setup_error"},
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestCheck(t *testing.T, api API, exec *remotetest.Fake) *Check {
	t.Helper()
	c, err := NewCheck(CheckConfig{
		Topic: "home", API: api, Exec: exec, VM: "ha",
		PollAttempts: 3, Sleep: noSleep,
	})
	if err != nil {
		t.Fatalf("NewCheck: %v", err)
	}
	return c
}

func run(t *testing.T, c *Check, now time.Time) []alerts.Event {
	t.Helper()
	events, _, err := c.Run(context.Background(), nil, now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return events
}

func TestCheckLeavesStartupFailureForNextTick(t *testing.T) {
	api := &fakeAPI{entries: zwave("setup_retry"), fixReload: true}
	c := newTestCheck(t, api, remotetest.New())

	if events := run(t, c, t0); len(events) != 0 {
		t.Fatalf("baseline events = %+v", events)
	}
	if len(api.reloads) != 0 {
		t.Fatalf("baseline reloaded %v", api.reloads)
	}

	events := run(t, c, t0.Add(time.Minute))
	if len(events) != 1 || events[0].Key != "ha:zwave_js:reloaded" || events[0].Topic != "home" {
		t.Fatalf("events = %+v", events)
	}
	if len(api.reloads) != 1 || api.reloads[0] != "e1" {
		t.Fatalf("reloads = %v", api.reloads)
	}
}

func TestCheckRebootsWhenReloadDoesNotHelp(t *testing.T) {
	api := &fakeAPI{entries: zwave("loaded")}
	exec := remotetest.New().
		On("VBoxManage controlvm ha acpipowerbutton", "").
		On("VBoxManage showvminfo ha --machinereadable", "name=\"ha\"\nVMState=\"poweroff\"\n").
		On("VBoxManage startvm ha --type headless", "")
	c := newTestCheck(t, api, exec)

	run(t, c, t0)
	api.set("setup_retry")
	events := run(t, c, t0.Add(time.Minute))
	if len(events) != 1 || events[0].Key != "ha:zwave_js:rebooted" {
		t.Fatalf("events = %+v", events)
	}
	if !exec.Ran("VBoxManage startvm ha --type headless") {
		t.Fatalf("commands = %v", exec.Commands())
	}

	// Still failing: no second repair until it recovers.
	if events := run(t, c, t0.Add(2*time.Minute)); len(events) != 0 {
		t.Fatalf("repeat events = %+v", events)
	}

	api.set("loaded")
	events = run(t, c, t0.Add(3*time.Minute))
	if len(events) != 1 || events[0].Key != "ha:zwave_js:recovered" {
		t.Fatalf("recovery events = %+v", events)
	}

	// A new failure inside the cooldown is reported, not rebooted.
	api.set("setup_error")
	n := len(exec.Commands())
	events = run(t, c, t0.Add(20*time.Minute))
	if len(events) != 1 || events[0].Key != "ha:zwave_js:failing" || events[0].Severity != alerts.SeverityWarning {
		t.Fatalf("cooldown events = %+v", events)
	}
	if len(exec.Commands()) != n {
		t.Fatalf("rebooted during cooldown: %v", exec.Commands()[n:])
	}
}

func TestCheckFallsBackToPowerOff(t *testing.T) {
	api := &fakeAPI{entries: zwave("loaded")}
	exec := remotetest.New().
		Fail("VBoxManage controlvm ha acpipowerbutton", errors.New("refused")).
		On("VBoxManage controlvm ha poweroff", "").
		On("VBoxManage showvminfo ha --machinereadable", "VMState=\"aborted\"\n").
		On("VBoxManage startvm ha --type headless", "")
	c := newTestCheck(t, api, exec)

	run(t, c, t0)
	api.set("failed")
	events := run(t, c, t0.Add(time.Minute))
	if len(events) != 1 || events[0].Key != "ha:zwave_js:rebooted" {
		t.Fatalf("events = %+v", events)
	}
	if !exec.Ran("VBoxManage controlvm ha poweroff") {
		t.Fatalf("commands = %v", exec.Commands())
	}
}

func TestCheckReportsFailedReboot(t *testing.T) {
	api := &fakeAPI{entries: zwave("loaded")}
	exec := remotetest.New().
		On("VBoxManage controlvm ha acpipowerbutton", "").
		On("VBoxManage showvminfo ha --machinereadable", "VMState=\"running\"\n").
		Fail("VBoxManage startvm ha --type headless", errors.New("locked"))
	c := newTestCheck(t, api, exec)

	run(t, c, t0)
	api.set("setup_retry")
	events := run(t, c, t0.Add(time.Minute))
	if len(events) != 1 || events[0].Key != "ha:zwave_js:reboot-failed" || events[0].Severity != alerts.SeverityCritical {
		t.Fatalf("events = %+v", events)
	}
	if !c.lastReboot.IsZero() {
		t.Fatal("failed reboot must not start the cooldown")
	}
}

func TestCheckReportsUnreachableOnce(t *testing.T) {
	api := &fakeAPI{entries: zwave("loaded")}
	c := newTestCheck(t, api, remotetest.New())

	run(t, c, t0)
	api.err = errors.New("connection refused")
	events := run(t, c, t0.Add(time.Minute))
	if len(events) != 1 || events[0].Key != "ha:unreachable" {
		t.Fatalf("events = %+v", events)
	}
	if events := run(t, c, t0.Add(2*time.Minute)); len(events) != 0 {
		t.Fatalf("repeat events = %+v", events)
	}

	api.err = nil
	events = run(t, c, t0.Add(3*time.Minute))
	if len(events) != 1 || events[0].Key != "ha:reachable" {
		t.Fatalf("back events = %+v", events)
	}
}

func TestCheckObserveFiltersIntegrations(t *testing.T) {
	c := newTestCheck(t, &fakeAPI{entries: zwave("loaded")}, remotetest.New())
	obs, err := c.Observe(context.Background())
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	entries := obs.([]Entry)
	if len(entries) != 1 || entries[0].Domain != "zwave_js" {
		t.Fatalf("entries = %+v", entries)
	}
}
