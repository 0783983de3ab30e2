package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestFromContextReturnsStoredLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, JSON: true, Level: DebugLevel})
	ctx := ContextWithLogger(context.Background(), l)
	FromContext(ctx).Info("deal applied", "deal_id", "d-1")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "deal applied" || rec["deal_id"] != "d-1" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestFromContextFallback(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatalf("expected fallback logger")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, Level: WarnLevel})
	l.Info("hidden")
	l.With("task_id", "t-1").Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "t-1") {
		t.Fatalf("unexpected output %q", out)
	}
}
