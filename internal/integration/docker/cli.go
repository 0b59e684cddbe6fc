package docker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"context"
)

// cli drives docker engines through the docker CLI. Remote servers are
// addressed through pre-configured docker contexts named after the server id.
type cli struct{}

func NewCLI() Runtime {
	return &cli{}
}

func (c *cli) command(ctx context.Context, serverId string, args ...string) *exec.Cmd {
	if serverId != "" {
		args = append([]string{"--context", serverId}, args...)
	}
	return exec.CommandContext(ctx, "docker", args...)
}

func (c *cli) Start(ctx context.Context, serverId string, spec ContainerSpec) (string, error) {
	args := []string{"run", "-d", "--restart", "unless-stopped"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}
	for key, value := range spec.Labels {
		args = append(args, "-l", key+"="+value)
	}
	args = append(args, spec.Image)

	out, err := c.command(ctx, serverId, args...).Output()
	if err != nil {
		return "", fmt.Errorf("docker run %s: %w", spec.Image, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *cli) Stop(ctx context.Context, serverId, containerId string) error {
	if err := c.command(ctx, serverId, "stop", containerId).Run(); err != nil {
		return fmt.Errorf("docker stop %s: %w", containerId, err)
	}
	return nil
}

type inspectState struct {
	Running    bool   `json:"Running"`
	ExitCode   int    `json:"ExitCode"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
	Health     *struct {
		Status string `json:"Status"`
	} `json:"Health"`
}

func (c *cli) Inspect(ctx context.Context, serverId, containerId string) (ContainerState, error) {
	out, err := c.command(ctx, serverId, "inspect", containerId, "--format", "{{json .State}}").Output()
	if err != nil {
		return ContainerState{}, fmt.Errorf("docker inspect %s: %w", containerId, err)
	}

	var raw inspectState
	if err := json.Unmarshal(bytes.TrimSpace(out), &raw); err != nil {
		return ContainerState{}, fmt.Errorf("parse inspect output for %s: %w", containerId, err)
	}

	state := ContainerState{
		Running:  raw.Running,
		ExitCode: raw.ExitCode,
	}
	if raw.Health != nil {
		state.Health = raw.Health.Status
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.StartedAt); err == nil {
		state.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.FinishedAt); err == nil {
		state.FinishedAt = t
	}
	return state, nil
}

type psEntry struct {
	ID    string `json:"ID"`
	Names string `json:"Names"`
	State string `json:"State"`
}

func (c *cli) List(ctx context.Context, serverId string) ([]Container, error) {
	out, err := c.command(ctx, serverId, "ps", "-a", "--format", "json").Output()
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}

	var containers []Container
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry psEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("parse ps output: %w", err)
		}
		containers = append(containers, Container{
			Id:    entry.ID,
			Name:  entry.Names,
			State: entry.State,
		})
	}
	return containers, scanner.Err()
}
