// Package tools defines the closed set of task operations the model may
// request and executes them for an authenticated owner.
package tools

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/todo-chat/internal/audit"
	"github.com/basket/todo-chat/internal/otel"
	"github.com/basket/todo-chat/internal/persistence"
	"github.com/basket/todo-chat/internal/shared"
)

// Name identifies a registered tool.
type Name string

const (
	CreateTask   Name = "create_task"
	ListTasks    Name = "list_tasks"
	CompleteTask Name = "complete_task"
	DeleteTask   Name = "delete_task"
	UpdateTask   Name = "update_task"
)

// Names lists the registered tools in prompt order.
func Names() []Name {
	return []Name{CreateTask, ListTasks, CompleteTask, DeleteTask, UpdateTask}
}

// IsRegistered reports whether name is one of the five tools.
func IsRegistered(name string) bool {
	_, ok := paramTypes[Name(name)]
	return ok
}

// Error kinds returned in the "error" field of a failed Result.
const (
	ErrKindValidation  = "validation_error"
	ErrKindNotFound    = "task_not_found"
	ErrKindUnknownTool = "unknown_tool"
	ErrKindStore       = "store_error"
)

// Invocation is one tool call recovered from model output.
type Invocation struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Result is the JSON-serializable outcome of a tool call. Failures carry
// "error" and "message" keys.
type Result map[string]any

func errorResult(kind, msg string) Result {
	return Result{"error": kind, "message": msg}
}

// ErrorKind returns the error kind, or "" for a successful result.
func (r Result) ErrorKind() string {
	kind, _ := r["error"].(string)
	return kind
}

// IsError reports whether the result is a failure.
func (r Result) IsError() bool {
	return r.ErrorKind() != ""
}

// TaskStore is the slice of the store the tools need.
type TaskStore interface {
	CreateTask(ctx context.Context, owner, title string, description *string) (persistence.Task, error)
	ListTasks(ctx context.Context, owner string, filter persistence.TaskFilter) ([]persistence.Task, error)
	CompleteTask(ctx context.Context, owner string, id int64) (persistence.Task, error)
	UpdateTask(ctx context.Context, owner string, id int64, upd persistence.TaskUpdate) (persistence.Task, error)
	DeleteTask(ctx context.Context, owner string, id int64) (persistence.Task, error)
}

// Registry executes tool invocations against a TaskStore.
type Registry struct {
	Store   TaskStore
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics // optional
}

// NewRegistry builds a Registry and compiles the param schemas.
func NewRegistry(store TaskStore, logger *slog.Logger) (*Registry, error) {
	if _, err := loadSchemas(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		Store:  store,
		Logger: logger,
		Tracer: nooptrace.NewTracerProvider().Tracer(otel.TracerName),
	}, nil
}

// Execute runs one invocation for owner. Any owner supplied inside params is
// ignored. Failures come back as error Results, never as a Go error, so one
// failed call cannot abort the others in a batch.
func (r *Registry) Execute(ctx context.Context, owner string, inv Invocation) Result {
	name := Name(inv.Name)
	start := time.Now()

	ctx, span := otel.StartSpan(ctx, r.Tracer, "tool.execute",
		otel.AttrToolName.String(inv.Name),
		otel.AttrOwner.String(owner),
	)
	result := r.dispatch(ctx, owner, name, inv.Params)
	kind := result.ErrorKind()
	span.SetAttributes(otel.AttrToolOutcome.String(outcome(kind)))
	span.End()

	r.Metrics.RecordTool(ctx, inv.Name, kind, time.Since(start))
	audit.RecordTool(ctx, inv.Name, kind, inv.Params)

	attrs := append(shared.LogAttrs(ctx), "tool", inv.Name, "outcome", outcome(kind), "duration_ms", time.Since(start).Milliseconds())
	if kind != "" {
		attrs = append(attrs, "error_kind", kind)
		r.Logger.Warn("tool execution failed", attrs...)
	} else {
		r.Logger.Info("tool executed", attrs...)
	}
	return result
}

func outcome(kind string) string {
	if kind == "" {
		return audit.OutcomeOK
	}
	return audit.OutcomeError
}

func (r *Registry) dispatch(ctx context.Context, owner string, name Name, params map[string]any) Result {
	if _, ok := paramTypes[name]; !ok {
		return errorResult(ErrKindUnknownTool, "unknown tool: "+string(name))
	}
	if params == nil {
		params = map[string]any{}
	}

	switch name {
	case CreateTask:
		var p CreateTaskParams
		if err := decodeParams(name, params, &p); err != nil {
			return paramFailure(err)
		}
		task, err := r.Store.CreateTask(ctx, owner, strings.TrimSpace(p.Title), p.Description)
		if err != nil {
			return r.storeFailure(ctx, name, err)
		}
		return Result{"task_id": task.ID, "status": "created", "title": task.Title}

	case ListTasks:
		var p ListTasksParams
		if err := decodeParams(name, params, &p); err != nil {
			return paramFailure(err)
		}
		filter := persistence.TaskFilter(p.Status)
		if filter == "" {
			filter = persistence.TaskFilterAll
		}
		tasks, err := r.Store.ListTasks(ctx, owner, filter)
		if err != nil {
			return r.storeFailure(ctx, name, err)
		}
		return Result{"tasks": tasks, "count": len(tasks), "status": string(filter)}

	case CompleteTask:
		var p TaskIDParams
		if err := decodeParams(name, params, &p); err != nil {
			return paramFailure(err)
		}
		task, err := r.Store.CompleteTask(ctx, owner, p.TaskID)
		if err != nil {
			return r.storeFailure(ctx, name, err)
		}
		return Result{"task_id": task.ID, "status": "completed", "title": task.Title}

	case DeleteTask:
		var p TaskIDParams
		if err := decodeParams(name, params, &p); err != nil {
			return paramFailure(err)
		}
		task, err := r.Store.DeleteTask(ctx, owner, p.TaskID)
		if err != nil {
			return r.storeFailure(ctx, name, err)
		}
		return Result{"task_id": task.ID, "status": "deleted", "title": task.Title}

	case UpdateTask:
		var p UpdateTaskParams
		if err := decodeParams(name, params, &p); err != nil {
			return paramFailure(err)
		}
		if p.Title == nil && p.Description == nil {
			return errorResult(ErrKindValidation, "update_task needs a title or a description")
		}
		upd := persistence.TaskUpdate{Description: p.Description}
		if p.Title != nil {
			title := strings.TrimSpace(*p.Title)
			upd.Title = &title
		}
		task, err := r.Store.UpdateTask(ctx, owner, p.TaskID, upd)
		if err != nil {
			return r.storeFailure(ctx, name, err)
		}
		return Result{"task_id": task.ID, "status": "updated", "title": task.Title}
	}
	return errorResult(ErrKindUnknownTool, "unknown tool: "+string(name))
}

func paramFailure(err error) Result {
	var perr *ParamError
	if errors.As(err, &perr) {
		return errorResult(ErrKindValidation, perr.Message)
	}
	return errorResult(ErrKindValidation, err.Error())
}

func (r *Registry) storeFailure(ctx context.Context, name Name, err error) Result {
	if errors.Is(err, persistence.ErrNotFound) {
		return errorResult(ErrKindNotFound, "task not found")
	}
	r.Logger.Error("tool store failure", append(shared.LogAttrs(ctx), "tool", string(name), "error", err)...)
	return errorResult(ErrKindStore, "could not reach the task store")
}
