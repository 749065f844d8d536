package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/todo-chat/internal/shared"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("unmarshal audit line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRecordTool_WritesEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithOwner(shared.WithRequestID(context.Background(), "req-1"), "alice")
	RecordTool(ctx, "create_task", "", map[string]any{"title": "Buy milk"})
	RecordTool(ctx, "delete_task", "task_not_found", map[string]any{"task_id": 9})

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first["tool"] != "create_task" || first["outcome"] != OutcomeOK {
		t.Fatalf("unexpected first entry %#v", first)
	}
	if first["request_id"] != "req-1" || first["owner"] != "alice" {
		t.Fatalf("missing trace fields %#v", first)
	}
	if _, ok := first["error_kind"]; ok {
		t.Fatalf("error_kind should be omitted on success: %#v", first)
	}
	second := entries[1]
	if second["outcome"] != OutcomeError || second["error_kind"] != "task_not_found" {
		t.Fatalf("unexpected second entry %#v", second)
	}
}

func TestRecordTool_RedactsSensitiveParams(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	RecordTool(context.Background(), "update_task", "", map[string]any{
		"title":   "rotate api_key=sk-abcdefghijklmnopqrstuvwxyz123456",
		"api_key": "sk-abcdefghijklmnopqrstuvwxyz123456",
	})

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "abcdefghijklmnopqrstuvwxyz123456") {
		t.Fatalf("secret leaked into audit log: %s", raw)
	}
}

func TestRecordTool_AppendOnlyAndErrorCount(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := ErrorCount()
	RecordTool(context.Background(), "complete_task", "validation_error", nil)
	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	RecordTool(context.Background(), "list_tasks", "", nil)
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("audit file did not grow: %d -> %d", info1.Size(), info2.Size())
	}
	if got := ErrorCount() - before; got != 1 {
		t.Fatalf("error count delta = %d, want 1", got)
	}
}

func TestRecordTool_WithoutInitIsNoop(t *testing.T) {
	_ = Close()
	RecordTool(context.Background(), "list_tasks", "", nil)
}
