package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/hostwarden/internal/remote"
	"github.com/marcus-qen/hostwarden/internal/remote/remotetest"
)

func TestMountTransitions(t *testing.T) {
	m := MountMonitor{}
	_, snap := m.Evaluate(nil, []MountStatus{{Path: "/mnt/nas", Health: MountOK}}, t0)

	events, snap := m.Evaluate(&snap, []MountStatus{{Path: "/mnt/nas", Health: MountInaccessible}}, t0.Add(time.Minute))
	if len(events) != 1 || events[0].Key != "mount:/mnt/nas:inaccessible" {
		t.Fatalf("events = %+v", events)
	}
	events, snap = m.Evaluate(&snap, []MountStatus{{Path: "/mnt/nas", Health: MountDisconnected}}, t0.Add(2*time.Minute))
	if len(events) != 1 || events[0].Key != "mount:/mnt/nas:disconnected" {
		t.Fatalf("events = %+v", events)
	}
	events, _ = m.Evaluate(&snap, []MountStatus{{Path: "/mnt/nas", Health: MountOK}}, t0.Add(3*time.Minute))
	if len(events) != 1 || events[0].Key != "mount:/mnt/nas:recovered" {
		t.Fatalf("events = %+v", events)
	}
}

func TestMountBaselineSilent(t *testing.T) {
	events, _ := MountMonitor{}.Evaluate(nil, []MountStatus{{Path: "/mnt/nas", Health: MountDisconnected}}, t0)
	if len(events) != 0 {
		t.Fatalf("events = %+v", events)
	}
}

func TestMountProber(t *testing.T) {
	fake := remotetest.New().
		OnPrefix("if mountpoint -q /mnt/nas;", remote.Result{Stdout: "ok\n"}).
		OnPrefix("if mountpoint -q /mnt/usb;", remote.Result{Stdout: "disconnected\n"})

	statuses, err := (&MountProber{Exec: fake, Paths: []string{"/mnt/nas", "/mnt/usb"}}).Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if statuses[0].Health != MountOK || statuses[1].Health != MountDisconnected {
		t.Fatalf("statuses = %+v", statuses)
	}
	if !strings.Contains(fake.Commands()[0], "timeout 5 ls /mnt/nas") {
		t.Fatalf("command = %s", fake.Commands()[0])
	}

	fake = remotetest.New().OnPrefix("if mountpoint", remote.Result{Stdout: "weird\n"})
	if _, err := (&MountProber{Exec: fake, Paths: []string{"/mnt/nas"}}).Probe(context.Background()); err == nil {
		t.Fatal("expected error for unexpected output")
	}
}
