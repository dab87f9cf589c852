package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var (
	containersServer  string
	containersTimeout time.Duration
)

var containersCmd = &cobra.Command{
	Use:   "containers",
	Short: "Inspect and control the container pool of a running server",
	Long: `The container registry lives in the serving process, so these commands
talk to its HTTP API. The address defaults to server.host and server.port
from the loaded config.

Examples:
  agentdock containers stats
  agentdock containers cancel <session-id>
  agentdock containers delete <container-id> --server http://10.0.0.5:8080`,
}

func init() {
	rootCmd.AddCommand(containersCmd)
	containersCmd.PersistentFlags().StringVar(&containersServer, "server", "", "Server base URL (default from config)")
	containersCmd.PersistentFlags().DurationVar(&containersTimeout, "timeout", 30*time.Second, "Request timeout")

	containersCmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show pool statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return containersCall(cmd, http.MethodGet, "/api/v1/containers/stats")
			},
		},
		&cobra.Command{
			Use:   "cancel <session-id>",
			Short: "Interrupt the task running for a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return containersCall(cmd, http.MethodPost, "/api/v1/containers/sessions/"+url.PathEscape(args[0])+"/cancel")
			},
		},
		&cobra.Command{
			Use:   "release <session-id>",
			Short: "Release a session's container binding",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return containersCall(cmd, http.MethodPost, "/api/v1/containers/sessions/"+url.PathEscape(args[0])+"/complete")
			},
		},
		&cobra.Command{
			Use:   "delete <container-id>",
			Short: "Remove a container and its registry entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return containersCall(cmd, http.MethodDelete, "/api/v1/containers/"+url.PathEscape(args[0]))
			},
		},
	)
}

// serverBaseURL resolves the API address from --server or the loaded config.
func serverBaseURL(cmd *cobra.Command) (string, error) {
	if containersServer != "" {
		return strings.TrimRight(containersServer, "/"), nil
	}
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return "", err
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)), nil
}

func containersCall(cmd *cobra.Command, method, path string) error {
	base, err := serverBaseURL(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), containersTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Read response", err)
	}
	if resp.StatusCode >= 300 {
		return exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("Server returned %s", resp.Status), fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		_, werr := os.Stdout.Write(body)
		return werr
	}
	return printJSON(v)
}
