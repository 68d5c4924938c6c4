package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/docreview/docreview/internal/bus"
	"github.com/docreview/docreview/internal/logbus"
	"github.com/docreview/docreview/internal/shareguard"
)

const (
	wsHeartbeatInterval = 30 * time.Second
	wsHeartbeatTimeout  = 5 * time.Second
	wsHeartbeatClose    = websocket.StatusCode(4000)
)

type wsFrame struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id"`
	Status    string         `json:"status,omitempty"`
	Progress  float64        `json:"progress,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Level     string         `json:"level,omitempty"`
	Module    string         `json:"module,omitempty"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	EntryID   int64          `json:"entry_id,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// handleTaskLogStream serves the log/progress/status frame contract:
// connection frame on open, a bounded replay of TaskLog entries followed by
// the live tail, status frames on state transitions, and a 30s/5s
// heartbeat enforced by the server against the client.
func (s *Server) handleTaskLogStream(w http.ResponseWriter, r *http.Request) {
	_, task, err := s.loadAuthorizedTask(r, shareguard.OpViewTask)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logSub, err := s.cfg.LogBus.Subscribe(ctx, task.ID)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer logSub.Cancel()

	var statusSub *bus.Subscription
	if s.cfg.Bus != nil {
		statusSub = s.cfg.Bus.Subscribe("task.")
		defer s.cfg.Bus.Unsubscribe(statusSub)
	}

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsjson.Write(ctx, conn, v)
	}
	writeText := func(s string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.Write(ctx, websocket.MessageText, []byte(s))
	}

	if err := write(wsFrame{Type: "connection", TaskID: task.ID}); err != nil {
		return
	}

	readErrCh := make(chan error, 1)
	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				readErrCh <- err
				return
			}
			if typ == websocket.MessageText && string(data) == "ping" {
				if err := writeText("pong"); err != nil {
					readErrCh <- err
					return
				}
			}
		}
	}()

	heartbeat := time.NewTicker(wsHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case readErr := <-readErrCh:
			if readErr != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
			}
			return

		case entry, ok := <-logSub.Entries():
			if !ok {
				return
			}
			if err := write(wsFrame{
				Type:      "log",
				TaskID:    entry.TaskID,
				Level:     entry.Level,
				Module:    entry.Module,
				Stage:     entry.Stage,
				Message:   entry.Message,
				Metadata:  entry.Metadata,
				EntryID:   entry.EntryID,
				Timestamp: entry.Timestamp,
			}); err != nil {
				return
			}
			if entry.Level == "PROGRESS" && entry.Progress != nil {
				if err := write(wsFrame{Type: "progress", TaskID: entry.TaskID, Progress: *entry.Progress, Stage: entry.Stage}); err != nil {
					return
				}
			}

		case reason, ok := <-logSub.Closed():
			if !ok {
				return
			}
			if reason == logbus.CloseReasonSlowConsumer {
				_ = conn.Close(websocket.StatusPolicyViolation, "slow_consumer")
			}
			return

		case ev := <-statusSubCh(statusSub):
			if sce, ok := ev.Payload.(bus.TaskStateChangedEvent); ok && sce.TaskID == task.ID {
				if err := write(wsFrame{Type: "status", TaskID: task.ID, Status: sce.NewStatus}); err != nil {
					return
				}
			}

		case <-heartbeat.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, wsHeartbeatTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				_ = conn.Close(wsHeartbeatClose, "heartbeat_timeout")
				return
			}
		}
	}
}

// statusSubCh returns sub's channel, or a nil channel (which blocks
// forever in a select) when the Bus is not configured.
func statusSubCh(sub *bus.Subscription) <-chan bus.Event {
	if sub == nil {
		return nil
	}
	return sub.Ch()
}
