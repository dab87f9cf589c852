package output

import (
	"time"

	"github.com/3leaps/agentdock/pkg/runqueue"
)

// RunDiff remembers the last seen version of each run and reports which
// runs in a new snapshot are new or changed.
type RunDiff struct {
	seen map[string]string
}

// NewRunDiff returns an empty diff.
func NewRunDiff() *RunDiff {
	return &RunDiff{seen: make(map[string]string)}
}

func runVersion(run *runqueue.Run) string {
	return string(run.Status) + "|" + run.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

// Changed returns the runs in snapshot that differ from the previous call,
// in snapshot order.
func (d *RunDiff) Changed(snapshot []*runqueue.Run) []*runqueue.Run {
	var out []*runqueue.Run
	for _, run := range snapshot {
		v := runVersion(run)
		if d.seen[run.ID] == v {
			continue
		}
		d.seen[run.ID] = v
		out = append(out, run)
	}
	return out
}

// Idle reports whether no run in snapshot can still make progress.
func Idle(snapshot []*runqueue.Run) bool {
	for _, run := range snapshot {
		if run.Status.Cancelable() {
			return false
		}
	}
	return true
}

// Summarize builds the closing summary for a snapshot.
func Summarize(snapshot []*runqueue.Run, changes int, elapsed time.Duration) *SummaryRecord {
	statuses := make(map[string]int)
	for _, run := range snapshot {
		statuses[string(run.Status)]++
	}
	return &SummaryRecord{
		Runs:       len(snapshot),
		Changes:    changes,
		Statuses:   statuses,
		Idle:       Idle(snapshot),
		DurationMs: elapsed.Milliseconds(),
	}
}
