package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
)

// USBDevice is a USB device attached to a VM.
type USBDevice struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// VMObservation lists running VMs and their attached USB devices.
type VMObservation struct {
	Running []string               `json:"running" yaml:"running"`
	USB     map[string][]USBDevice `json:"usb,omitempty" yaml:"usb,omitempty"`
}

// VMSnapshot is the VM monitor's retained state.
type VMSnapshot struct {
	Running map[string]bool
	Devices map[string]map[string]string // vm -> device id -> name
}

// VMMonitor tracks VM power state and USB attachment. When Names is set only
// those VMs are considered.
type VMMonitor struct {
	Names []string
}

// Evaluate implements Monitor.
func (m VMMonitor) Evaluate(prev *VMSnapshot, obs VMObservation, now time.Time) ([]alerts.Event, VMSnapshot) {
	next := VMSnapshot{Running: map[string]bool{}, Devices: map[string]map[string]string{}}
	for _, vm := range obs.Running {
		if !m.watched(vm) {
			continue
		}
		next.Running[vm] = true
		devs := map[string]string{}
		for _, d := range obs.USB[vm] {
			devs[d.ID] = d.Name
		}
		next.Devices[vm] = devs
	}
	if prev == nil {
		return nil, next
	}

	var events []alerts.Event
	for _, vm := range sortedKeys(next.Running) {
		if !prev.Running[vm] {
			events = append(events, alerts.New(alerts.Key(fmt.Sprintf("vm:%s:started", vm)), alerts.SeverityInfo,
				fmt.Sprintf("VM %s started", vm), fmt.Sprintf("%s is running.", vm), now))
			continue
		}
		events = append(events, usbDiff(vm, prev.Devices[vm], next.Devices[vm], now)...)
	}
	for _, vm := range sortedKeys(prev.Running) {
		if !next.Running[vm] {
			events = append(events, alerts.New(alerts.Key(fmt.Sprintf("vm:%s:stopped", vm)), alerts.SeverityWarning,
				fmt.Sprintf("VM %s stopped", vm), fmt.Sprintf("%s is no longer running.", vm), now))
		}
	}
	return events, next
}

func usbDiff(vm string, before, after map[string]string, now time.Time) []alerts.Event {
	var events []alerts.Event
	for _, id := range sortedKeys(after) {
		if _, ok := before[id]; !ok {
			events = append(events, alerts.New(alerts.Key(fmt.Sprintf("usb:%s:%s:attached", vm, id)), alerts.SeverityInfo,
				fmt.Sprintf("USB attached to %s", vm), fmt.Sprintf("%s connected to %s.", after[id], vm), now))
		}
	}
	for _, id := range sortedKeys(before) {
		if _, ok := after[id]; !ok {
			events = append(events, alerts.New(alerts.Key(fmt.Sprintf("usb:%s:%s:detached", vm, id)), alerts.SeverityWarning,
				fmt.Sprintf("USB detached from %s", vm), fmt.Sprintf("%s disconnected from %s.", before[id], vm), now))
		}
	}
	return events
}

func (m VMMonitor) watched(vm string) bool {
	if len(m.Names) == 0 {
		return true
	}
	for _, n := range m.Names {
		if n == vm {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
