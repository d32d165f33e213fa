package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marcus-qen/hostwarden/internal/remote"
)

const dockerPSCommand = `docker ps -a --format '{{json .}}'`

// ContainerProber lists containers through the docker CLI.
type ContainerProber struct {
	Exec remote.Executor
}

// Probe implements Prober.
func (p *ContainerProber) Probe(ctx context.Context) ([]ContainerState, error) {
	out, err := remote.Output(ctx, p.Exec, dockerPSCommand)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return parseDockerPS(out)
}

type dockerPSLine struct {
	Names  string `json:"Names"`
	State  string `json:"State"`
	Status string `json:"Status"`
}

func parseDockerPS(out string) ([]ContainerState, error) {
	var states []ContainerState
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row dockerPSLine
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("parse docker ps line %q: %w", line, err)
		}
		name, _, _ := strings.Cut(row.Names, ",")
		states = append(states, ContainerState{
			Name:   name,
			Status: classifyContainer(row.State, row.Status),
			Detail: row.Status,
		})
	}
	return states, sc.Err()
}

// classifyContainer maps docker's State/Status columns to a ContainerStatus.
func classifyContainer(state, status string) ContainerStatus {
	state = strings.ToLower(state)
	lower := strings.ToLower(status)
	switch {
	case state == "restarting" || strings.HasPrefix(lower, "restarting"):
		return ContainerRestarting
	case state == "running" || strings.HasPrefix(lower, "up"):
		switch {
		case strings.Contains(lower, "(unhealthy)"):
			return ContainerUnhealthy
		case strings.Contains(lower, "(health: starting)"), strings.Contains(lower, "(starting)"):
			return ContainerStarting
		case strings.Contains(lower, "(healthy)"):
			return ContainerHealthy
		}
		return ContainerRunning
	}
	return ContainerStopped
}
