package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/agentdock/pkg/output"
	"github.com/3leaps/agentdock/pkg/runqueue"
)

// Watch message types.
const (
	WatchTypeRuns  = "runs"
	WatchTypeError = "error"
	WatchTypeIdle  = "idle"
)

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// WatchRuns streams the session's runs over a websocket whenever they change.
// With ?until_idle=true the stream closes once no run is queued or active.
func (a *API) WatchRuns(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	untilIdle := strings.EqualFold(r.URL.Query().Get("until_idle"), "true")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer func() { _ = ws.CloseNow() }()

	// Client messages are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	interval := a.WatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		runs, err := a.Queue.ListRuns(ctx, sessionID, 100, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger().Warn("Run watch query failed", zap.String("session_id", sessionID), zap.Error(err))
			_ = writeEnvelope(ctx, ws, wsEnvelope{Type: WatchTypeError, Data: map[string]string{"error": err.Error()}})
			_ = ws.Close(websocket.StatusInternalError, "query failed")
			return
		}

		if fp := fingerprint(runs); fp != last {
			last = fp
			if runs == nil {
				runs = []*runqueue.Run{}
			}
			if err := writeEnvelope(ctx, ws, wsEnvelope{Type: WatchTypeRuns, Data: runs}); err != nil {
				return
			}
		}

		if untilIdle && output.Idle(runs) {
			_ = writeEnvelope(ctx, ws, wsEnvelope{Type: WatchTypeIdle})
			_ = ws.Close(websocket.StatusNormalClosure, "session idle")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, msg wsEnvelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

func fingerprint(runs []*runqueue.Run) string {
	var b strings.Builder
	for _, run := range runs {
		b.WriteString(run.ID)
		b.WriteByte(':')
		b.WriteString(string(run.Status))
		b.WriteByte(':')
		b.WriteString(run.UpdatedAt.UTC().Format(time.RFC3339Nano))
		b.WriteByte(';')
	}
	return b.String()
}
