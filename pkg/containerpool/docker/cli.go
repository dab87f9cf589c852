// Package docker drives the Docker CLI for the container pool.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/agentdock/pkg/containerpool"
)

// ErrUnavailable indicates the Docker daemon cannot be reached.
var ErrUnavailable = errors.New("docker daemon unavailable")

// runFunc executes the CLI and returns stdout, stderr and the process error.
// env entries are added to the inherited environment.
type runFunc func(ctx context.Context, binary string, env []string, args ...string) ([]byte, []byte, error)

// CLI implements containerpool.Daemon using the docker binary via os/exec.
type CLI struct {
	// Binary is the docker executable. Defaults to "docker".
	Binary string

	run runFunc
}

var _ containerpool.Daemon = (*CLI)(nil)

// New returns a CLI using binary.
func New(binary string) *CLI {
	return &CLI{Binary: binary}
}

func (c *CLI) binary() string {
	if strings.TrimSpace(c.Binary) == "" {
		return "docker"
	}
	return c.Binary
}

func (c *CLI) exec(ctx context.Context, args ...string) ([]byte, error) {
	return c.execEnv(ctx, nil, args...)
}

func (c *CLI) execEnv(ctx context.Context, env []string, args ...string) ([]byte, error) {
	run := c.run
	if run == nil {
		run = execCommand
	}
	stdout, stderr, err := run(ctx, c.binary(), env, args...)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if isNoSuchContainer(msg) {
			return nil, fmt.Errorf("docker %s: %s: %w", args[0], msg, containerpool.ErrNotFound)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("docker %s: exit code %d: %s", args[0], exitErr.ExitCode(), msg)
		}
		if msg != "" {
			return nil, fmt.Errorf("docker %s: %s: %w", args[0], msg, err)
		}
		return nil, fmt.Errorf("docker %s: %w", args[0], err)
	}
	return stdout, nil
}

func execCommand(ctx context.Context, binary string, env []string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func isNoSuchContainer(stderr string) bool {
	return strings.Contains(stderr, "No such container") || strings.Contains(stderr, "No such object")
}

// Preflight checks that the daemon is reachable by running docker info.
func (c *CLI) Preflight(ctx context.Context) error {
	if _, err := c.exec(ctx, "info", "--format", "{{.ServerVersion}}"); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// CheckHealth lets the CLI act as a server health checker.
func (c *CLI) CheckHealth(ctx context.Context) error {
	return c.Preflight(ctx)
}

// runArgs returns the docker CLI arguments for a detached run. Map-valued
// options are emitted in key order. Environment variables are passed by name
// only; runEnv carries their values so they never show up in the process list.
func runArgs(spec containerpool.RunSpec) []string {
	args := []string{"run", "-d"}
	if spec.AutoRemove {
		args = append(args, "--rm")
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k)
	}
	for _, m := range spec.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", m.Source+":"+m.Target+":"+mode)
	}
	if spec.PublishPort > 0 {
		args = append(args, "-p", strconv.Itoa(spec.PublishPort))
	}
	for _, h := range spec.ExtraHosts {
		args = append(args, "--add-host", h)
	}
	return append(args, spec.Image)
}

// runEnv returns the KEY=VALUE entries docker run reads for its -e names.
func runEnv(spec containerpool.RunSpec) []string {
	env := make([]string, 0, len(spec.Env))
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, k+"="+spec.Env[k])
	}
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Run implements containerpool.Daemon.
func (c *CLI) Run(ctx context.Context, spec containerpool.RunSpec) (string, error) {
	out, err := c.execEnv(ctx, runEnv(spec), runArgs(spec)...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(id, '\n'); i >= 0 {
		// Pull progress may precede the id.
		id = strings.TrimSpace(id[i+1:])
	}
	if id == "" {
		return "", errors.New("docker run: empty container id")
	}
	return id, nil
}

type inspectDoc struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Ports map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

func parseInspect(data []byte) (*containerpool.ContainerInfo, error) {
	var docs []inspectDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode docker inspect: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("docker inspect: empty result: %w", containerpool.ErrNotFound)
	}
	doc := docs[0]
	info := &containerpool.ContainerInfo{
		ID:     doc.ID,
		Name:   strings.TrimPrefix(doc.Name, "/"),
		Status: doc.State.Status,
		Labels: doc.Config.Labels,
		Ports:  make(map[string]int),
	}
	for key, bindings := range doc.NetworkSettings.Ports {
		for _, b := range bindings {
			port, err := strconv.Atoi(b.HostPort)
			if err != nil || port <= 0 {
				continue
			}
			info.Ports[key] = port
			break
		}
	}
	return info, nil
}

// Inspect implements containerpool.Daemon.
func (c *CLI) Inspect(ctx context.Context, ref string) (*containerpool.ContainerInfo, error) {
	out, err := c.exec(ctx, "inspect", "--type", "container", ref)
	if err != nil {
		return nil, err
	}
	return parseInspect(out)
}

// Stop implements containerpool.Daemon.
func (c *CLI) Stop(ctx context.Context, ref string, timeout time.Duration) error {
	secs := int(timeout.Round(time.Second) / time.Second)
	_, err := c.exec(ctx, "stop", "-t", strconv.Itoa(secs), ref)
	return err
}

// Remove implements containerpool.Daemon.
func (c *CLI) Remove(ctx context.Context, ref string) error {
	_, err := c.exec(ctx, "rm", "-f", ref)
	return err
}

// ListByLabel implements containerpool.Daemon.
func (c *CLI) ListByLabel(ctx context.Context, key, value string) ([]string, error) {
	out, err := c.exec(ctx, "ps", "-a", "-q", "--no-trunc", "--filter", "label="+key+"="+value)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
