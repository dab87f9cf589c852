package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/agentdock/internal/observability"
	"github.com/3leaps/agentdock/pkg/output"
	"github.com/3leaps/agentdock/pkg/runqueue"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and drive runs directly against the database",
	Long: `Operator commands for the run queue. They use the configured database
directly and print JSON to stdout.

Examples:
  agentdock runs enqueue --user u1 --prompt "summarize the repo"
  agentdock runs list <session-id>
  agentdock runs claim --worker ops-1
  agentdock runs fail <run-id> --worker ops-1 --message "stuck"
  agentdock runs cancel <session-id>
  agentdock runs watch <session-id> --until-idle`,
}

var (
	runsUser        string
	runsPrompt      string
	runsSession     string
	runsSchedule    string
	runsScheduledAt string
	runsConfigJSON  string
	runsWorker      string
	runsLease       int
	runsModes       []string
	runsMessage     string
	runsLimit       int
	runsOffset      int
	watchInterval   time.Duration
	watchUntilIdle  bool
)

func init() {
	rootCmd.AddCommand(runsCmd)

	enqueue := &cobra.Command{Use: "enqueue", Short: "Enqueue a task", Args: cobra.NoArgs, RunE: runRunsEnqueue}
	enqueue.Flags().StringVar(&runsUser, "user", "", "User id (required)")
	enqueue.Flags().StringVar(&runsPrompt, "prompt", "", "Prompt text (required)")
	enqueue.Flags().StringVar(&runsSession, "session", "", "Existing session id to continue")
	enqueue.Flags().StringVar(&runsSchedule, "schedule", string(runqueue.ScheduleImmediate), "Schedule mode (immediate|scheduled|nightly)")
	enqueue.Flags().StringVar(&runsScheduledAt, "at", "", "Scheduled time (RFC3339)")
	enqueue.Flags().StringVar(&runsConfigJSON, "config-json", "", "Run config as a JSON object")
	_ = enqueue.MarkFlagRequired("user")
	_ = enqueue.MarkFlagRequired("prompt")

	get := &cobra.Command{Use: "get <run-id>", Short: "Show a run", Args: cobra.ExactArgs(1), RunE: runRunsGet}

	list := &cobra.Command{Use: "list <session-id>", Short: "List a session's runs", Args: cobra.ExactArgs(1), RunE: runRunsList}
	list.Flags().IntVar(&runsLimit, "limit", 100, "Maximum runs to return")
	list.Flags().IntVar(&runsOffset, "offset", 0, "Runs to skip")

	claim := &cobra.Command{Use: "claim", Short: "Claim the next eligible run", Args: cobra.NoArgs, RunE: runRunsClaim}
	claim.Flags().IntVar(&runsLease, "lease", runqueue.DefaultLeaseSeconds, "Lease length in seconds")
	claim.Flags().StringSliceVar(&runsModes, "modes", nil, "Schedule modes to claim (default all)")

	start := &cobra.Command{Use: "start <run-id>", Short: "Mark a claimed run running", Args: cobra.ExactArgs(1), RunE: runRunsStart}
	fail := &cobra.Command{Use: "fail <run-id>", Short: "Fail a run and release its container", Args: cobra.ExactArgs(1), RunE: runRunsFail}
	fail.Flags().StringVar(&runsMessage, "message", "", "Error message")
	complete := &cobra.Command{Use: "complete <run-id>", Short: "Complete a run and release its container", Args: cobra.ExactArgs(1), RunE: runRunsComplete}

	for _, c := range []*cobra.Command{claim, start, fail, complete} {
		c.Flags().StringVar(&runsWorker, "worker", "", "Worker id")
	}
	_ = claim.MarkFlagRequired("worker")

	cancel := &cobra.Command{Use: "cancel <session-id>", Short: "Cancel a session's runs and stop its task", Args: cobra.ExactArgs(1), RunE: runRunsCancel}

	watch := &cobra.Command{Use: "watch <session-id>", Short: "Stream a session's run changes as JSONL", Args: cobra.ExactArgs(1), RunE: runRunsWatch}
	watch.Flags().DurationVar(&watchInterval, "interval", time.Second, "Polling interval")
	watch.Flags().BoolVar(&watchUntilIdle, "until-idle", false, "Exit once no run is queued or active")

	runsCmd.AddCommand(enqueue, get, list, claim, start, fail, complete, cancel, watch)
}

// withApp loads config, assembles the service with the CLI logger and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open database", err)
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runRunsEnqueue(cmd *cobra.Command, _ []string) error {
	req := runqueue.TaskRequest{
		UserID:       runsUser,
		Prompt:       runsPrompt,
		SessionID:    runsSession,
		ScheduleMode: runqueue.ScheduleMode(runsSchedule),
	}
	if runsScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, runsScheduledAt)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --at", err)
		}
		req.ScheduledAt = &at
	}
	if runsConfigJSON != "" {
		if err := json.Unmarshal([]byte(runsConfigJSON), &req.Config); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --config-json", err)
		}
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.queue.EnqueueTask(ctx, req)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Enqueue failed", err)
		}
		return printJSON(res)
	})
}

func runRunsGet(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		run, err := a.queue.GetRun(ctx, args[0])
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Get run failed", err)
		}
		return printJSON(run)
	})
}

func runRunsList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		runs, err := a.queue.ListRuns(ctx, args[0], runsLimit, runsOffset)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "List runs failed", err)
		}
		if runs == nil {
			runs = []*runqueue.Run{}
		}
		return printJSON(runs)
	})
}

func runRunsClaim(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		claim, err := a.queue.ClaimDispatch(ctx, runqueue.ClaimParams{
			WorkerID:      runsWorker,
			LeaseSeconds:  runsLease,
			ScheduleModes: runsModes,
		})
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Claim failed", err)
		}
		if claim == nil {
			fmt.Fprintln(os.Stderr, "No runs")
			return nil
		}
		return printJSON(claim)
	})
}

func runRunsStart(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		run, err := a.queue.StartRun(ctx, args[0], runsWorker)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Start failed", err)
		}
		return printJSON(run)
	})
}

func runRunsFail(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		var msg *string
		if runsMessage != "" {
			msg = &runsMessage
		}
		run, err := a.finisher.Fail(ctx, args[0], runsWorker, msg)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Fail failed", err)
		}
		return printJSON(run)
	})
}

func runRunsComplete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		run, err := a.finisher.Complete(ctx, args[0], runsWorker)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Complete failed", err)
		}
		return printJSON(run)
	})
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		n, err := a.canceller.CancelSession(ctx, args[0])
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cancel failed", err)
		}
		return printJSON(map[string]any{"session_id": args[0], "canceled_runs": n})
	})
}

func runRunsWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	return withApp(cmd, func(ctx context.Context, a *app) error {
		w := output.NewJSONLWriter(os.Stdout, args[0])
		defer func() { _ = w.Close() }()
		return watchSession(ctx, a.queue, w, args[0], watchInterval, watchUntilIdle)
	})
}

// watchSession polls the session's runs and writes every new or changed run.
// It ends with a summary record when the context is canceled or, with
// untilIdle, when the session has nothing left to do.
func watchSession(ctx context.Context, queue *runqueue.Service, w output.Writer, sessionID string, interval time.Duration, untilIdle bool) error {
	if interval <= 0 {
		interval = time.Second
	}
	started := time.Now()
	diff := output.NewRunDiff()
	changes := 0
	var snapshot []*runqueue.Run

	summarize := func() error {
		return w.WriteSummary(context.WithoutCancel(ctx), output.Summarize(snapshot, changes, time.Since(started)))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		runs, err := queue.ListRuns(ctx, sessionID, 1000, 0)
		switch {
		case ctx.Err() != nil:
			return summarize()
		case err != nil:
			_ = w.WriteError(ctx, &output.ErrorRecord{Code: "QUERY_FAILED", Message: err.Error()})
			return exitError(foundry.ExitExternalServiceUnavailable, "Watch failed", err)
		}
		snapshot = runs
		for _, run := range diff.Changed(runs) {
			if err := w.WriteRun(ctx, run); err != nil {
				if ctx.Err() != nil {
					return summarize()
				}
				return exitError(foundry.ExitFileWriteError, "Write failed", err)
			}
			changes++
		}
		if untilIdle && output.Idle(snapshot) {
			return summarize()
		}

		select {
		case <-ctx.Done():
			return summarize()
		case <-ticker.C:
		}
	}
}
