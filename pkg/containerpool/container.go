package containerpool

import (
	"strings"
	"time"
)

// Mode decides what happens to a container when its last session finishes.
type Mode string

const (
	// ModeEphemeral containers are stopped once no session is bound.
	ModeEphemeral Mode = "ephemeral"
	// ModePersistent containers survive until deleted explicitly.
	ModePersistent Mode = "persistent"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeEphemeral || m == ModePersistent
}

// Label keys written on every managed container.
const (
	LabelOwner          = "owner"
	LabelSessionID      = "session_id"
	LabelContainerID    = "container_id"
	LabelUser           = "user"
	LabelContainerMode  = "container_mode"
	LabelBrowserEnabled = "browser_enabled"
)

// ManagedContainer is the pool's record of a container it started.
type ManagedContainer struct {
	// ContainerID is the logical id handed to callers (exec-<session8>).
	ContainerID string
	Name        string
	DaemonID    string
	Mode        Mode
	Endpoint    string
	HostPort    int
	Status      string
	Labels      map[string]string
	CreatedAt   time.Time
}

// BrowserEnabled reads the browser label, accepting true, 1 and yes.
func (c *ManagedContainer) BrowserEnabled() bool {
	if c == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(c.Labels[LabelBrowserEnabled])) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// ModeOrDefault returns the container mode, treating unknown values as ephemeral.
func (c *ManagedContainer) ModeOrDefault() Mode {
	if c == nil {
		return ModeEphemeral
	}
	if c.Mode.Valid() {
		return c.Mode
	}
	if m := Mode(c.Labels[LabelContainerMode]); m.Valid() {
		return m
	}
	return ModeEphemeral
}

func (c *ManagedContainer) clone() ManagedContainer {
	cp := *c
	if c.Labels != nil {
		cp.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			cp.Labels[k] = v
		}
	}
	return cp
}

// Request asks the pool for an execution endpoint for a session.
type Request struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	BrowserEnabled bool   `json:"browser_enabled"`
	Mode           Mode   `json:"container_mode,omitempty"`
	// ContainerID names a tracked container to reuse.
	ContainerID string `json:"container_id,omitempty"`
}

// Acquisition is where a session's work should be sent.
type Acquisition struct {
	Endpoint    string `json:"executor_url"`
	ContainerID string `json:"container_id"`
	Reused      bool   `json:"reused"`
}

// ContainerSummary is one row of Stats.
type ContainerSummary struct {
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Mode        Mode   `json:"mode"`
}

// Stats summarizes tracked containers.
type Stats struct {
	TotalActive int                `json:"total_active"`
	Persistent  int                `json:"persistent_containers"`
	Ephemeral   int                `json:"ephemeral_containers"`
	Containers  []ContainerSummary `json:"containers"`
}

// ContainerIDFor returns the logical container id derived from a session id.
func ContainerIDFor(sessionID string) string {
	return "exec-" + shortID(sessionID)
}

// ContainerNameFor returns the deterministic daemon name for a session's container.
func ContainerNameFor(sessionID string) string {
	return "executor-" + shortID(sessionID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
