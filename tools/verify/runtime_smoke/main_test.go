//go:build ignore

package main

import (
	"encoding/json"
	"testing"
)

func TestWsFrameDecoding(t *testing.T) {
	var frame wsFrame
	raw := []byte(`{"type":"log","task_id":"t1","level":"INFO","stage":"parse","message":"hi","entry_id":7}`)
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "log" || frame.TaskID != "t1" || frame.EntryID != 7 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestIsExpiredDeadline(t *testing.T) {
	if isExpiredDeadline(nil) {
		t.Fatal("nil error should not be expired")
	}
	if !isExpiredDeadline(errDeadline{}) {
		t.Fatal("deadline error should be detected")
	}
}

type errDeadline struct{}

func (errDeadline) Error() string { return "context deadline exceeded" }
