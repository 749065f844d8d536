package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/basket/todo-chat/internal/bus"
)

// TaskFilter selects tasks by completion state.
type TaskFilter string

const (
	TaskFilterAll       TaskFilter = "all"
	TaskFilterPending   TaskFilter = "pending"
	TaskFilterCompleted TaskFilter = "completed"
)

// Valid reports whether f is one of the known filters.
func (f TaskFilter) Valid() bool {
	switch f {
	case TaskFilterAll, TaskFilterPending, TaskFilterCompleted:
		return true
	}
	return false
}

type Task struct {
	ID          int64     `db:"id" json:"id"`
	Owner       string    `db:"owner" json:"-"`
	Title       string    `db:"title" json:"title"`
	Description *string   `db:"description" json:"description"`
	Completed   bool      `db:"completed" json:"completed"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// TaskUpdate carries the fields to change. Nil leaves a field untouched.
type TaskUpdate struct {
	Title       *string
	Description *string
	Completed   *bool
}

const taskColumns = `id, owner, title, description, completed, created_at, updated_at`

// CreateTask inserts a task for owner and returns the stored row.
func (s *Store) CreateTask(ctx context.Context, owner, title string, description *string) (Task, error) {
	var task Task
	err := s.withTx(ctx, "create task", func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (owner, title, description, completed, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?);
		`, owner, title, description, ts, ts)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task last insert id: %w", err)
		}
		task, err = getTaskTx(ctx, tx, owner, id)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	s.publishTask(bus.TopicTaskCreated, task)
	return task, nil
}

// ListTasks returns owner's tasks, newest first, narrowed by filter.
func (s *Store) ListTasks(ctx context.Context, owner string, filter TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner = ?`
	switch filter {
	case TaskFilterPending:
		query += ` AND completed = 0`
	case TaskFilterCompleted:
		query += ` AND completed = 1`
	case TaskFilterAll, "":
	default:
		return nil, fmt.Errorf("unknown task filter %q", filter)
	}
	query += ` ORDER BY created_at DESC, id DESC;`

	tasks := []Task{}
	err := retryOnBusy(ctx, busyRetries, func() error {
		tasks = tasks[:0]
		return sqlscan.Select(ctx, s.db, &tasks, query, owner)
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// GetTask returns ErrNotFound unless the task exists and belongs to owner.
func (s *Store) GetTask(ctx context.Context, owner string, id int64) (Task, error) {
	return getTaskTx(ctx, s.db, owner, id)
}

// CompleteTask marks the task completed. Completing an already completed
// task succeeds without changing updated_at.
func (s *Store) CompleteTask(ctx context.Context, owner string, id int64) (Task, error) {
	var (
		task    Task
		changed bool
	)
	err := s.withTx(ctx, "complete task", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET completed = 1, updated_at = ?
			WHERE id = ? AND owner = ? AND completed = 0;
		`, now(), id, owner)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		task, err = getTaskTx(ctx, tx, owner, id)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	if changed {
		s.publishTask(bus.TopicTaskCompleted, task)
	}
	return task, nil
}

// UpdateTask applies upd to the task. An update with no fields is rejected.
func (s *Store) UpdateTask(ctx context.Context, owner string, id int64, upd TaskUpdate) (Task, error) {
	if upd.Title == nil && upd.Description == nil && upd.Completed == nil {
		return Task{}, fmt.Errorf("update task: no fields supplied")
	}
	var task Task
	err := s.withTx(ctx, "update task", func(tx *sql.Tx) error {
		current, err := getTaskTx(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		title := current.Title
		if upd.Title != nil {
			title = *upd.Title
		}
		description := current.Description
		if upd.Description != nil {
			description = upd.Description
		}
		completed := current.Completed
		if upd.Completed != nil {
			completed = *upd.Completed
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, completed = ?, updated_at = ?
			WHERE id = ? AND owner = ?;
		`, title, description, completed, now(), id, owner); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		task, err = getTaskTx(ctx, tx, owner, id)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	s.publishTask(bus.TopicTaskUpdated, task)
	return task, nil
}

// DeleteTask removes the task and returns it as it was before deletion.
func (s *Store) DeleteTask(ctx context.Context, owner string, id int64) (Task, error) {
	var task Task
	err := s.withTx(ctx, "delete task", func(tx *sql.Tx) error {
		var err error
		task, err = getTaskTx(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND owner = ?;`, id, owner); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	s.publishTask(bus.TopicTaskDeleted, task)
	return task, nil
}

func getTaskTx(ctx context.Context, q sqlscan.Querier, owner string, id int64) (Task, error) {
	var task Task
	err := sqlscan.Get(ctx, q, &task, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner = ?;`, id, owner)
	if sqlscan.NotFound(err) {
		return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *Store) publishTask(topic string, task Task) {
	s.bus.Publish(topic, task.Owner, bus.TaskEvent{
		TaskID:    task.ID,
		Title:     task.Title,
		Completed: task.Completed,
		At:        task.UpdatedAt,
	})
}
