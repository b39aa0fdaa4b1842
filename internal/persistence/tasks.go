package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work tracked through the review lifecycle. Status and
// reviewer are mutated only through the workflow service so transition
// legality stays in one place.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    string     `json:"priority"`
	Tags        []string   `json:"tags"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	Reviewer    string     `json:"reviewer,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ActivityEntry is one append-only work-log line on a task. Author is an
// agent id or the synthetic "user" actor.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	AuthorID  string    `json:"author_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskSideEffects are rows written atomically with a task mutation so a
// status change and its audit trail commit or roll back together.
type TaskSideEffects struct {
	Activity *ActivityEntry
	Comment  *Comment
	Log      *ActivityLogEntry
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(raw), nil
}

func decodeTags(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// InsertTask writes a new task plus an optional board activity row in one
// transaction. Fills ID when empty.
func (s *Store) InsertTask(ctx context.Context, t *Task, log *ActivityLogEntry) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, status, priority, tags, assignee_id, reviewer)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?);
		`, t.ID, t.Title, t.Description, string(t.Status), t.Priority, tags, t.AssigneeID, t.Reviewer)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return appendLogTx(ctx, tx, log)
	})
}

// UpdateTask persists every mutable task field plus the given side-effect
// rows in one transaction.
func (s *Store) UpdateTask(ctx context.Context, t Task, fx TaskSideEffects) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET
				title = ?, description = ?, status = ?, priority = ?, tags = ?,
				assignee_id = NULLIF(?, ''), reviewer = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, t.Title, t.Description, string(t.Status), t.Priority, tags, t.AssigneeID, t.Reviewer, t.ID)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		if fx.Activity != nil {
			if err := appendActivityTx(ctx, tx, fx.Activity); err != nil {
				return err
			}
		}
		if fx.Comment != nil {
			if err := appendCommentTx(ctx, tx, fx.Comment); err != nil {
				return err
			}
		}
		return appendLogTx(ctx, tx, fx.Log)
	})
}

// DeleteTask removes the task with its activity and comment rows, all or
// nothing.
func (s *Store) DeleteTask(ctx context.Context, taskID string, log *ActivityLogEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_activity WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete task activity: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete task comments: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return appendLogTx(ctx, tx, log)
	})
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var status, tags string
	var assignee sql.NullString
	if err := scan(&t.ID, &t.Title, &t.Description, &status, &t.Priority, &tags,
		&assignee, &t.Reviewer, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.AssigneeID = assignee.String
	decoded, err := decodeTags(tags)
	if err != nil {
		return nil, err
	}
	t.Tags = decoded
	return &t, nil
}

const taskColumns = `id, title, description, status, priority, tags, assignee_id, reviewer, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
type TaskFilter struct {
	Status     TaskStatus
	AssigneeID string
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AssigneeID != "" {
		conds = append(conds, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id DESC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func appendActivityTx(ctx context.Context, tx *sql.Tx, entry *ActivityEntry) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_activity (task_id, author_id, message) VALUES (?, ?, ?);
	`, entry.TaskID, entry.AuthorID, entry.Message)
	if err != nil {
		return fmt.Errorf("append task activity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append task activity: %w", err)
	}
	entry.ID = id
	entry.CreatedAt = time.Now().UTC()
	return nil
}

func appendCommentTx(ctx context.Context, tx *sql.Tx, c *Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comments (id, task_id, agent_id, content) VALUES (?, ?, ?, ?);
	`, c.ID, c.TaskID, c.AgentID, c.Content); err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	c.CreatedAt = time.Now().UTC()
	return nil
}

// ListActivity returns a task's work log oldest-first.
func (s *Store) ListActivity(ctx context.Context, taskID string) ([]ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_id, message, created_at
		FROM task_activity WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AuthorID, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task activity: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HasActivityFrom reports whether author already has a work-log entry on
// the task.
func (s *Store) HasActivityFrom(ctx context.Context, taskID, authorID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_activity WHERE task_id = ? AND author_id = ?;
	`, taskID, authorID).Scan(&count); err != nil {
		return false, fmt.Errorf("count task activity: %w", err)
	}
	return count > 0, nil
}

// AddComment appends a standalone comment outside a task mutation.
func (s *Store) AddComment(ctx context.Context, c *Comment) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?;`, c.TaskID).Scan(&exists); err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return appendCommentTx(ctx, tx, c)
	})
}

func (s *Store) ListComments(ctx context.Context, taskID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, content, created_at
		FROM comments WHERE task_id = ? ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AgentID, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// StatusCounts returns the number of tasks per status.
func (s *Store) StatusCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}
