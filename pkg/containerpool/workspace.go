package containerpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// VolumeResolver maps a session's workspace to a mount source.
type VolumeResolver interface {
	Resolve(ctx context.Context, userID, sessionID string) (string, error)
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func safeSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}

// DirResolver keeps workspaces as host directories under Root/<user>/<session>.
type DirResolver struct {
	Root string
}

// Dir returns the workspace directory of a session without creating it.
func (d DirResolver) Dir(userID, sessionID string) string {
	return filepath.Join(d.Root, safeSegment(userID), safeSegment(sessionID))
}

// Resolve implements VolumeResolver.
func (d DirResolver) Resolve(_ context.Context, userID, sessionID string) (string, error) {
	if strings.TrimSpace(d.Root) == "" {
		return "", errors.New("workspace root is not configured")
	}
	dir := d.Dir(userID, sessionID)
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve workspace dir: %w", err)
	}
	// #nosec G301 -- workspaces are shared with the executor user inside the container
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	return abs, nil
}

// NamedVolumeResolver uses one daemon-managed named volume per session.
type NamedVolumeResolver struct {
	Prefix string
}

// Resolve implements VolumeResolver. The daemon creates the volume on first use.
func (n NamedVolumeResolver) Resolve(_ context.Context, userID, sessionID string) (string, error) {
	prefix := strings.TrimSpace(n.Prefix)
	if prefix == "" {
		prefix = "agentdock-ws"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, safeSegment(userID), safeSegment(shortID(sessionID))), nil
}
