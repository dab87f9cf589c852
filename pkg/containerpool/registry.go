package containerpool

import (
	"sort"
	"sync"
)

// Registry tracks containers started by this process and which sessions use them.
//
// It is a best-effort cache: it is lost on restart and is not shared between
// processes. Cancellation compensates by asking the daemon directly.
type Registry struct {
	mu         sync.Mutex
	containers map[string]*ManagedContainer
	bindings   map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		containers: make(map[string]*ManagedContainer),
		bindings:   make(map[string]string),
	}
}

// Track records (or replaces) a container under its logical id.
func (r *Registry) Track(c *ManagedContainer) {
	if c == nil || c.ContainerID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[c.ContainerID] = c
}

// Get returns a copy of the tracked container.
func (r *Registry) Get(containerID string) (ManagedContainer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[containerID]
	if !ok {
		return ManagedContainer{}, false
	}
	return c.clone(), true
}

// Update applies fn to the tracked container under the registry lock.
func (r *Registry) Update(containerID string, fn func(c *ManagedContainer)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[containerID]
	if !ok {
		return false
	}
	fn(c)
	return true
}

// Forget drops a container and returns what was tracked.
func (r *Registry) Forget(containerID string) (ManagedContainer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[containerID]
	if !ok {
		return ManagedContainer{}, false
	}
	delete(r.containers, containerID)
	return c.clone(), true
}

// Bind points a session at a container.
func (r *Registry) Bind(sessionID, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[sessionID] = containerID
}

// Unbind removes a session's binding. It returns the container the session was
// bound to and how many other sessions remain bound to it.
func (r *Registry) Unbind(sessionID string) (containerID string, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	containerID, ok = r.bindings[sessionID]
	if !ok {
		return "", 0, false
	}
	delete(r.bindings, sessionID)
	for _, cid := range r.bindings {
		if cid == containerID {
			remaining++
		}
	}
	return containerID, remaining, true
}

// ContainerFor returns the container a session is bound to.
func (r *Registry) ContainerFor(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cid, ok := r.bindings[sessionID]
	return cid, ok
}

// SessionsFor lists sessions bound to a container, sorted.
func (r *Registry) SessionsFor(containerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for sid, cid := range r.bindings {
		if cid == containerID {
			out = append(out, sid)
		}
	}
	sort.Strings(out)
	return out
}

// UnbindAll removes every binding to a container and returns the affected sessions.
func (r *Registry) UnbindAll(containerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for sid, cid := range r.bindings {
		if cid == containerID {
			delete(r.bindings, sid)
			out = append(out, sid)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns copies of all tracked containers ordered by logical id.
func (r *Registry) Snapshot() []ManagedContainer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ManagedContainer, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out
}

// Len returns the number of tracked containers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Reset drops all state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers = make(map[string]*ManagedContainer)
	r.bindings = make(map[string]string)
}
