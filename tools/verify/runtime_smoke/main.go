//go:build ignore

// runtime_smoke drives the /ws/task/{id}/logs stream end to end against a
// running daemon: it expects the initial "connection" frame, round-trips a
// client-initiated ping/pong, and waits out one heartbeat interval to prove
// the server-initiated WS ping keeps the transport alive.
//
// Usage:
//
//	go run ./tools/verify/runtime_smoke/ -url=ws://127.0.0.1:8080/ws/task/<id>/logs -token=...
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

type wsFrame struct {
	Type     string         `json:"type"`
	TaskID   string         `json:"task_id"`
	Status   string         `json:"status,omitempty"`
	Progress float64        `json:"progress,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	Level    string         `json:"level,omitempty"`
	Module   string         `json:"module,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	EntryID  int64          `json:"entry_id,omitempty"`
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws/task/00000000-0000-0000-0000-000000000000/logs", "ws log stream endpoint")
	token := flag.String("token", "", "bearer token, sent as ?token= since WS clients cannot set headers from a browser")
	taskID := flag.String("task-id", "", "task id expected in the connection frame; empty skips the check")
	timeout := flag.Duration("timeout", 45*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dialURL := *url
	sep := "?"
	if strings.Contains(dialURL, "?") {
		sep = "&"
	}
	dialURL = dialURL + sep + "token=" + strings.TrimSpace(*token)

	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")

	connFrame, err := readJSONFrame(ctx, conn)
	if err != nil {
		fatal("read connection frame", err)
	}
	if connFrame.Type != "connection" {
		fatalf("expected connection frame, got type=%q", connFrame.Type)
	}
	if *taskID != "" && connFrame.TaskID != *taskID {
		fatalf("connection frame task_id mismatch: got %q want %q", connFrame.TaskID, *taskID)
	}
	fmt.Printf("CHECK connection ok task_id=%s\n", connFrame.TaskID)

	if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
		fatal("write ping", err)
	}
	pong, err := readText(ctx, conn)
	if err != nil {
		fatal("read pong", err)
	}
	if pong != "pong" {
		fatalf("expected literal pong, got %q", pong)
	}
	fmt.Println("CHECK ping/pong ok")

	// Stay connected past one full heartbeat cycle; the server should keep
	// pinging at the transport level rather than closing the connection.
	deadline := time.Now().Add(35 * time.Second)
	if remaining := time.Until(deadline); remaining > 0 {
		readCtx, readCancel := context.WithTimeout(ctx, remaining)
		_, _, err := conn.Read(readCtx)
		readCancel()
		if err != nil && ctx.Err() == nil && !isExpiredDeadline(err) {
			fatal("connection dropped during heartbeat window", err)
		}
	}
	fmt.Println("CHECK heartbeat window survived")

	fmt.Println("VERDICT PASS")
}

func isExpiredDeadline(err error) bool {
	return err != nil && strings.Contains(err.Error(), "context deadline exceeded")
}

func readJSONFrame(ctx context.Context, conn *websocket.Conn) (wsFrame, error) {
	var frame wsFrame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return wsFrame{}, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return wsFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}

func readText(ctx context.Context, conn *websocket.Conn) (string, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
