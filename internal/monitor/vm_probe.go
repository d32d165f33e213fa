package monitor

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/marcus-qen/hostwarden/internal/remote"
)

var (
	vboxListLine = regexp.MustCompile(`^"(.+)"\s+\{([0-9a-fA-F-]+)\}$`)
	usbAttachKV  = regexp.MustCompile(`^USBAttach([A-Za-z]+)(\d+)="?(.*?)"?$`)
)

// VMProber reads VirtualBox state through VBoxManage. When Names is set only
// those VMs are inspected for USB devices.
type VMProber struct {
	Exec  remote.Executor
	Names []string
}

// Probe implements Prober.
func (p *VMProber) Probe(ctx context.Context) (VMObservation, error) {
	out, err := remote.Output(ctx, p.Exec, "VBoxManage list runningvms")
	if err != nil {
		return VMObservation{}, fmt.Errorf("list running vms: %w", err)
	}
	obs := VMObservation{Running: parseVBoxList(out), USB: map[string][]USBDevice{}}
	for _, vm := range obs.Running {
		if !(VMMonitor{Names: p.Names}).watched(vm) {
			continue
		}
		info, err := remote.Output(ctx, p.Exec, remote.Command("VBoxManage", "showvminfo", vm, "--machinereadable"))
		if err != nil {
			return VMObservation{}, fmt.Errorf("show vm info %s: %w", vm, err)
		}
		obs.USB[vm] = parseUSBAttached(info)
	}
	return obs, nil
}

func parseVBoxList(out string) []string {
	var names []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if m := vboxListLine.FindStringSubmatch(strings.TrimSpace(sc.Text())); m != nil {
			names = append(names, m[1])
		}
	}
	return names
}

// parseUSBAttached groups USBAttach<Field><N> lines by N.
func parseUSBAttached(info string) []USBDevice {
	fields := map[string]map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		m := usbAttachKV.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		if fields[m[2]] == nil {
			fields[m[2]] = map[string]string{}
		}
		fields[m[2]][m[1]] = m[3]
	}

	devices := make([]USBDevice, 0, len(fields))
	for _, f := range fields {
		id := f["Address"]
		if id == "" {
			id = f["VendorId"] + ":" + f["ProductId"]
		}
		name := strings.TrimSpace(f["Manufacturer"] + " " + f["Product"])
		if name == "" {
			name = id
		}
		devices = append(devices, USBDevice{ID: id, Name: name})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}
