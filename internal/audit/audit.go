// Package audit keeps an append-only record of tool executions. Each entry is
// written to logs/audit.jsonl under the home directory and, once a database
// is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/todo-chat/internal/shared"
)

// Outcomes recorded for a tool execution.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

type entry struct {
	Timestamp string         `json:"timestamp"`
	RequestID string         `json:"request_id"`
	Owner     string         `json:"owner"`
	Tool      string         `json:"tool"`
	Outcome   string         `json:"outcome"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	errorCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the database that receives audit_log rows.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ErrorCount returns the number of failed tool executions since startup.
func ErrorCount() int64 {
	return errorCount.Load()
}

// RecordTool appends one tool execution. The request id and owner come from
// ctx. errorKind is empty for successful executions. Sensitive params are
// masked before anything is written.
func RecordTool(ctx context.Context, tool, errorKind string, params map[string]any) {
	outcome := OutcomeOK
	if errorKind != "" {
		outcome = OutcomeError
		errorCount.Add(1)
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: shared.RequestID(ctx),
		Owner:     shared.Owner(ctx),
		Tool:      tool,
		Outcome:   outcome,
		ErrorKind: errorKind,
		Params:    shared.RedactMap(params),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		_, _ = file.Write(append(b, '\n'))
	}
	if db != nil {
		paramsJSON := "{}"
		if ev.Params != nil {
			if pb, err := json.Marshal(ev.Params); err == nil {
				paramsJSON = string(pb)
			}
		}
		// Audit writes must not fail the caller; a cancelled request still
		// gets its row.
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (request_id, owner, tool, outcome, error_kind, params)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.RequestID, ev.Owner, tool, outcome, errorKind, paramsJSON)
	}
}
