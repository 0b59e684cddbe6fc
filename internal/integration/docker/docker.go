package docker

import (
	"context"
	"time"
)

// ContainerSpec describes a container to start.
type ContainerSpec struct {
	Name   string
	Image  string
	Env    []string
	Labels map[string]string
}

// ContainerState is the inspection result for a single container.
type ContainerState struct {
	Running    bool
	Health     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Container is one entry of a container listing.
type Container struct {
	Id    string
	Name  string
	State string
}

// Runtime is the container runtime collaborator, one logical Docker
// engine per server id. An empty server id addresses the local engine.
type Runtime interface {
	Start(ctx context.Context, serverId string, spec ContainerSpec) (string, error)
	Stop(ctx context.Context, serverId, containerId string) error
	Inspect(ctx context.Context, serverId, containerId string) (ContainerState, error)
	List(ctx context.Context, serverId string) ([]Container, error)
}
