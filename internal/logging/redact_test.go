package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestShouldRedactKey(t *testing.T) {
	sensitive := []string{"dsn", "DSN", "conf", "authorization", "session_secret", "auth_token", "password"}
	for _, key := range sensitive {
		if !shouldRedactKey(key) {
			t.Errorf("key %q should be masked", key)
		}
	}

	plain := []string{"dag_id", "task_id", "run_id", "msg"}
	for _, key := range plain {
		if shouldRedactKey(key) {
			t.Errorf("key %q should pass through", key)
		}
	}
}

func redactingTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{ReplaceAttr: redactAttr}))
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("failed to parse log line %q: %v", buf.String(), err)
	}
	return line
}

func TestRedactMasksGroupedAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := redactingTestLogger(&buf)
	logger.Info("Connected",
		slog.Group("db", slog.String("dsn", "postgres://u:p@h/meta"), slog.String("dag_id", "etl")))

	line := lastLine(t, &buf)
	db, ok := line["db"].(map[string]any)
	if !ok {
		t.Fatalf("expected db group in output, got %v", line)
	}
	if db["dsn"] != redactedValue {
		t.Fatalf("expected dsn masked, got %q", db["dsn"])
	}
	if db["dag_id"] != "etl" {
		t.Fatalf("expected dag_id intact, got %q", db["dag_id"])
	}
}

func TestRedactMasksWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := redactingTestLogger(&buf).With("auth_token", "tok-123")
	logger.Info("Request")

	line := lastLine(t, &buf)
	if line["auth_token"] != redactedValue {
		t.Fatalf("expected auth_token masked, got %q", line["auth_token"])
	}
	if line["msg"] != "Request" {
		t.Fatalf("expected message intact, got %q", line["msg"])
	}
}
