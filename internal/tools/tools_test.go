package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/todo-chat/internal/persistence"
)

func newTestRegistry(t *testing.T) (*Registry, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "todochat.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	reg, err := NewRegistry(store, nil)
	require.NoError(t, err)
	return reg, store
}

// recordingStore counts calls and fails the test on any write.
type recordingStore struct {
	t     *testing.T
	calls int
}

func (s *recordingStore) CreateTask(context.Context, string, string, *string) (persistence.Task, error) {
	s.calls++
	s.t.Errorf("unexpected CreateTask")
	return persistence.Task{}, nil
}

func (s *recordingStore) ListTasks(context.Context, string, persistence.TaskFilter) ([]persistence.Task, error) {
	s.calls++
	return nil, nil
}

func (s *recordingStore) CompleteTask(context.Context, string, int64) (persistence.Task, error) {
	s.calls++
	s.t.Errorf("unexpected CompleteTask")
	return persistence.Task{}, nil
}

func (s *recordingStore) UpdateTask(context.Context, string, int64, persistence.TaskUpdate) (persistence.Task, error) {
	s.calls++
	s.t.Errorf("unexpected UpdateTask")
	return persistence.Task{}, nil
}

func (s *recordingStore) DeleteTask(context.Context, string, int64) (persistence.Task, error) {
	s.calls++
	s.t.Errorf("unexpected DeleteTask")
	return persistence.Task{}, nil
}

func taskID(t *testing.T, r Result) int64 {
	t.Helper()
	id, ok := r["task_id"].(int64)
	require.True(t, ok, "task_id missing or not int64: %#v", r)
	return id
}

func TestRegistry_CreateListCompleteRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	created := reg.Execute(ctx, "alice", Invocation{Name: "create_task", Params: map[string]any{"title": "  Buy milk  "}})
	require.False(t, created.IsError(), "create failed: %#v", created)
	assert.Equal(t, "created", created["status"])
	assert.Equal(t, "Buy milk", created["title"])
	id := taskID(t, created)

	pending := reg.Execute(ctx, "alice", Invocation{Name: "list_tasks", Params: map[string]any{"status": "pending"}})
	require.False(t, pending.IsError())
	tasks := pending["tasks"].([]persistence.Task)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)
	assert.False(t, tasks[0].Completed)
	assert.Equal(t, 1, pending["count"])

	done := reg.Execute(ctx, "alice", Invocation{Name: "complete_task", Params: map[string]any{"task_id": float64(id)}})
	require.False(t, done.IsError(), "complete failed: %#v", done)
	assert.Equal(t, "completed", done["status"])

	completed := reg.Execute(ctx, "alice", Invocation{Name: "list_tasks", Params: map[string]any{"status": "completed"}})
	assert.Len(t, completed["tasks"].([]persistence.Task), 1)
	pending = reg.Execute(ctx, "alice", Invocation{Name: "list_tasks", Params: map[string]any{"status": "pending"}})
	assert.Empty(t, pending["tasks"].([]persistence.Task))
}

func TestRegistry_OwnerIsolation(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	created := reg.Execute(ctx, "alice", Invocation{Name: "create_task", Params: map[string]any{"title": "secret"}})
	id := float64(taskID(t, created))

	for _, name := range []string{"complete_task", "delete_task"} {
		res := reg.Execute(ctx, "bob", Invocation{Name: name, Params: map[string]any{"task_id": id}})
		assert.Equal(t, ErrKindNotFound, res.ErrorKind(), name)
	}
	res := reg.Execute(ctx, "bob", Invocation{Name: "update_task", Params: map[string]any{"task_id": id, "title": "mine now"}})
	assert.Equal(t, ErrKindNotFound, res.ErrorKind())

	// An owner smuggled into params is ignored.
	res = reg.Execute(ctx, "bob", Invocation{Name: "complete_task", Params: map[string]any{"task_id": id, "owner": "alice", "user_id": "alice"}})
	assert.Equal(t, ErrKindNotFound, res.ErrorKind())

	bobList := reg.Execute(ctx, "bob", Invocation{Name: "list_tasks"})
	assert.Empty(t, bobList["tasks"].([]persistence.Task))

	task, err := store.GetTask(ctx, "alice", int64(id))
	require.NoError(t, err)
	assert.False(t, task.Completed)
	assert.Equal(t, "secret", task.Title)
}

func TestRegistry_DeleteCapturesTitle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	created := reg.Execute(ctx, "alice", Invocation{Name: "create_task", Params: map[string]any{"title": "Take out trash"}})
	res := reg.Execute(ctx, "alice", Invocation{Name: "delete_task", Params: map[string]any{"task_id": float64(taskID(t, created))}})
	require.False(t, res.IsError())
	assert.Equal(t, "deleted", res["status"])
	assert.Equal(t, "Take out trash", res["title"])
}

func TestRegistry_UpdateTask(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	created := reg.Execute(ctx, "alice", Invocation{Name: "create_task", Params: map[string]any{"title": "Buy milk", "description": nil}})
	require.False(t, created.IsError(), "%#v", created)
	id := taskID(t, created)

	res := reg.Execute(ctx, "alice", Invocation{Name: "update_task", Params: map[string]any{"task_id": float64(id), "description": "oat"}})
	require.False(t, res.IsError(), "%#v", res)
	assert.Equal(t, "updated", res["status"])
	assert.Equal(t, "Buy milk", res["title"])

	task, err := store.GetTask(ctx, "alice", id)
	require.NoError(t, err)
	require.NotNil(t, task.Description)
	assert.Equal(t, "oat", *task.Description)
}

func TestRegistry_ValidationFailsBeforeStore(t *testing.T) {
	long := strings.Repeat("x", MaxTitleLen+1)
	tests := []struct {
		name   string
		inv    Invocation
		substr string
	}{
		{name: "update without fields", inv: Invocation{Name: "update_task", Params: map[string]any{"task_id": 3.0}}, substr: "title or a description"},
		{name: "update with null fields", inv: Invocation{Name: "update_task", Params: map[string]any{"task_id": 3.0, "title": nil, "description": nil}}, substr: "title or a description"},
		{name: "create missing title", inv: Invocation{Name: "create_task", Params: map[string]any{}}},
		{name: "create nil params", inv: Invocation{Name: "create_task"}},
		{name: "create empty title", inv: Invocation{Name: "create_task", Params: map[string]any{"title": ""}}},
		{name: "create blank title", inv: Invocation{Name: "create_task", Params: map[string]any{"title": "   "}}, substr: "blank"},
		{name: "create long title", inv: Invocation{Name: "create_task", Params: map[string]any{"title": long}}},
		{name: "create long description", inv: Invocation{Name: "create_task", Params: map[string]any{"title": "ok", "description": long}}},
		{name: "create numeric title", inv: Invocation{Name: "create_task", Params: map[string]any{"title": 42.0}}},
		{name: "complete zero id", inv: Invocation{Name: "complete_task", Params: map[string]any{"task_id": 0.0}}},
		{name: "complete negative id", inv: Invocation{Name: "complete_task", Params: map[string]any{"task_id": -4.0}}},
		{name: "complete fractional id", inv: Invocation{Name: "complete_task", Params: map[string]any{"task_id": 1.5}}},
		{name: "complete string id", inv: Invocation{Name: "complete_task", Params: map[string]any{"task_id": "7"}}},
		{name: "delete missing id", inv: Invocation{Name: "delete_task", Params: map[string]any{}}},
		{name: "list bad status", inv: Invocation{Name: "list_tasks", Params: map[string]any{"status": "archived"}}},
		{name: "update blank title", inv: Invocation{Name: "update_task", Params: map[string]any{"task_id": 3.0, "title": " "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &recordingStore{t: t}
			reg, err := NewRegistry(store, nil)
			require.NoError(t, err)

			res := reg.Execute(context.Background(), "alice", tt.inv)
			assert.Equal(t, ErrKindValidation, res.ErrorKind(), "%#v", res)
			assert.NotEmpty(t, res["message"])
			if tt.substr != "" {
				assert.Contains(t, res["message"], tt.substr)
			}
			assert.Zero(t, store.calls, "store must not be called")
		})
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	store := &recordingStore{t: t}
	reg, err := NewRegistry(store, nil)
	require.NoError(t, err)

	res := reg.Execute(context.Background(), "alice", Invocation{Name: "add_task", Params: map[string]any{"title": "x"}})
	assert.Equal(t, ErrKindUnknownTool, res.ErrorKind())
	assert.Zero(t, store.calls)
}

func TestRegistry_ListDefaultsToAll(t *testing.T) {
	store := &recordingStore{t: t}
	reg, err := NewRegistry(store, nil)
	require.NoError(t, err)

	res := reg.Execute(context.Background(), "alice", Invocation{Name: "list_tasks", Params: map[string]any{}})
	require.False(t, res.IsError(), "%#v", res)
	assert.Equal(t, "all", res["status"])
	assert.Equal(t, 0, res["count"])
	assert.Equal(t, 1, store.calls)
}

func TestNamesAndRegistration(t *testing.T) {
	assert.Len(t, Names(), 5)
	for _, n := range Names() {
		assert.True(t, IsRegistered(string(n)), n)
		assert.NotEmpty(t, Description(n))
	}
	assert.False(t, IsRegistered("add_task"))
	assert.False(t, IsRegistered(""))
}

func TestSchemaAndCatalog(t *testing.T) {
	raw, err := Schema(CreateTask)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok, "schema without properties: %s", raw)
	assert.Contains(t, props, "title")
	assert.Contains(t, props, "description")

	_, err = Schema(Name("add_task"))
	assert.Error(t, err)

	catalog, err := Catalog()
	require.NoError(t, err)
	for _, n := range Names() {
		assert.Contains(t, catalog, string(n))
	}
	assert.Contains(t, catalog, "task_id")
}
