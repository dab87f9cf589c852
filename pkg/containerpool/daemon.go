package containerpool

import (
	"context"
	"time"
)

// Daemon is the slice of a container runtime the pool drives.
//
// Container references accept either the daemon id or the container name.
// Missing containers are reported as ErrNotFound.
type Daemon interface {
	// Run starts a detached container and returns its daemon id.
	Run(ctx context.Context, spec RunSpec) (string, error)
	Inspect(ctx context.Context, ref string) (*ContainerInfo, error)
	Stop(ctx context.Context, ref string, timeout time.Duration) error
	// Remove force-removes a container.
	Remove(ctx context.Context, ref string) error
	// ListByLabel returns daemon ids of containers in any state carrying key=value.
	ListByLabel(ctx context.Context, key, value string) ([]string, error)
}

// RunSpec describes a container to start.
type RunSpec struct {
	Name        string
	Image       string
	Labels      map[string]string
	Env         map[string]string
	Mounts      []Mount
	// PublishPort is a container port published on an ephemeral host port.
	PublishPort int
	ExtraHosts  []string
	AutoRemove  bool
}

// Mount binds a host path or named volume into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo is the inspected state of a container.
type ContainerInfo struct {
	ID     string
	Name   string
	Status string
	Labels map[string]string
	// Ports maps "<port>/tcp" to the published host port.
	Ports map[string]int
}

// Running reports whether the daemon considers the container running.
func (c *ContainerInfo) Running() bool {
	return c != nil && c.Status == "running"
}
