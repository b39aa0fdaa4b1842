package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecurringTask is a template that periodically spawns tasks. RemoteJobID
// and RemoteSource correlate it with a job on a remote scheduling
// endpoint; the ocid:/openclaw tags carried in Tags are presentation only.
type RecurringTask struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Priority      string     `json:"priority"`
	Tags          []string   `json:"tags"`
	AssigneeID    string     `json:"assignee_id,omitempty"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	ScheduleTime  string     `json:"schedule_time"`
	IsActive      bool       `json:"is_active"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	RunCount      int        `json:"run_count"`
	RemoteJobID   string     `json:"remote_job_id,omitempty"`
	RemoteSource  string     `json:"remote_source,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RecurringRun is the audit record of one template trigger.
type RecurringRun struct {
	ID          int64     `json:"id"`
	RecurringID string    `json:"recurring_id"`
	TaskID      string    `json:"task_id,omitempty"`
	RanAt       time.Time `json:"ran_at"`
	Outcome     string    `json:"outcome"`
}

const recurringColumns = `id, title, description, priority, tags, assignee_id,
	schedule_type, schedule_value, schedule_time, is_active, last_run_at,
	next_run_at, run_count, remote_job_id, remote_source, created_at, updated_at`

func scanRecurring(scan func(dest ...any) error) (*RecurringTask, error) {
	var r RecurringTask
	var tags string
	var assignee sql.NullString
	var lastRun, nextRun sql.NullTime
	if err := scan(&r.ID, &r.Title, &r.Description, &r.Priority, &tags, &assignee,
		&r.ScheduleType, &r.ScheduleValue, &r.ScheduleTime, &r.IsActive,
		&lastRun, &nextRun, &r.RunCount, &r.RemoteJobID, &r.RemoteSource,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.AssigneeID = assignee.String
	if lastRun.Valid {
		t := lastRun.Time
		r.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		r.NextRunAt = &t
	}
	decoded, err := decodeTags(tags)
	if err != nil {
		return nil, err
	}
	r.Tags = decoded
	return &r, nil
}

// InsertRecurring writes a new template. Fills ID when empty.
func (s *Store) InsertRecurring(ctx context.Context, r *RecurringTask, log *ActivityLogEntry) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	tags, err := encodeTags(r.Tags)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO recurring_tasks (id, title, description, priority, tags,
				assignee_id, schedule_type, schedule_value, schedule_time,
				is_active, last_run_at, next_run_at, run_count, remote_job_id, remote_source)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, r.ID, r.Title, r.Description, r.Priority, tags, r.AssigneeID,
			r.ScheduleType, r.ScheduleValue, r.ScheduleTime, r.IsActive,
			nullTime(r.LastRunAt), nullTime(r.NextRunAt), r.RunCount,
			r.RemoteJobID, r.RemoteSource)
		if err != nil {
			return fmt.Errorf("insert recurring task: %w", err)
		}
		return appendLogTx(ctx, tx, log)
	})
}

// UpdateRecurring persists every mutable template field.
func (s *Store) UpdateRecurring(ctx context.Context, r RecurringTask) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return updateRecurringTx(ctx, tx, r)
	})
}

// UpdateRecurringAndRetract persists the full template row and retracts
// its still-open spawned tasks in one commit. This backs a patch that
// edits fields and deactivates the template at the same time.
func (s *Store) UpdateRecurringAndRetract(ctx context.Context, r RecurringTask) ([]string, error) {
	var deletedTasks []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		deletedTasks, err = retractSpawnedTx(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		return updateRecurringTx(ctx, tx, r)
	})
	if err != nil {
		return nil, err
	}
	return deletedTasks, nil
}

func updateRecurringTx(ctx context.Context, tx *sql.Tx, r RecurringTask) error {
	tags, err := encodeTags(r.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE recurring_tasks SET
			title = ?, description = ?, priority = ?, tags = ?,
			assignee_id = NULLIF(?, ''), schedule_type = ?, schedule_value = ?,
			schedule_time = ?, is_active = ?, last_run_at = ?, next_run_at = ?,
			run_count = ?, remote_job_id = ?, remote_source = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, r.Title, r.Description, r.Priority, tags, r.AssigneeID,
		r.ScheduleType, r.ScheduleValue, r.ScheduleTime, r.IsActive,
		nullTime(r.LastRunAt), nullTime(r.NextRunAt), r.RunCount,
		r.RemoteJobID, r.RemoteSource, r.ID)
	if err != nil {
		return fmt.Errorf("update recurring task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update recurring task: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetRecurring(ctx context.Context, id string) (*RecurringTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recurringColumns+` FROM recurring_tasks WHERE id = ?;`, id)
	r, err := scanRecurring(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recurring task: %w", err)
	}
	return r, nil
}

// GetRecurringByRemoteJob looks a template up by its remote correlation id.
func (s *Store) GetRecurringByRemoteJob(ctx context.Context, remoteJobID string) (*RecurringTask, error) {
	if remoteJobID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recurringColumns+` FROM recurring_tasks WHERE remote_job_id = ?;`, remoteJobID)
	r, err := scanRecurring(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recurring task by remote job: %w", err)
	}
	return r, nil
}

// GetRecurringByTitle matches a template by exact title. Used by the
// mirror's second-chance match when no correlation id exists yet.
func (s *Store) GetRecurringByTitle(ctx context.Context, title string) (*RecurringTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recurringColumns+` FROM recurring_tasks WHERE title = ?
		ORDER BY created_at ASC LIMIT 1;
	`, title)
	r, err := scanRecurring(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recurring task by title: %w", err)
	}
	return r, nil
}

func (s *Store) ListRecurring(ctx context.Context) ([]RecurringTask, error) {
	return s.queryRecurring(ctx, `SELECT `+recurringColumns+` FROM recurring_tasks ORDER BY created_at DESC, id DESC;`)
}

// ListDueRecurring returns active templates whose next_run_at has passed.
func (s *Store) ListDueRecurring(ctx context.Context, now time.Time) ([]RecurringTask, error) {
	return s.queryRecurring(ctx, `
		SELECT `+recurringColumns+` FROM recurring_tasks
		WHERE is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
}

func (s *Store) queryRecurring(ctx context.Context, query string, args ...any) ([]RecurringTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recurring tasks: %w", err)
	}
	defer rows.Close()

	var out []RecurringTask
	for rows.Next() {
		r, err := scanRecurring(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan recurring task: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ApplyTrigger commits one template trigger: the spawned task, its run
// row, and the template's advanced run bookkeeping, atomically. The
// caller sets LastRunAt, NextRunAt and RunCount on r before the call.
func (s *Store) ApplyTrigger(ctx context.Context, r RecurringTask, spawned *Task, ranAt time.Time, log *ActivityLogEntry) error {
	taskTags, err := encodeTags(spawned.Tags)
	if err != nil {
		return err
	}
	if spawned.ID == "" {
		spawned.ID = uuid.NewString()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, status, priority, tags, assignee_id, reviewer)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), '');
		`, spawned.ID, spawned.Title, spawned.Description, string(spawned.Status),
			spawned.Priority, taskTags, spawned.AssigneeID); err != nil {
			return fmt.Errorf("insert spawned task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recurring_runs (recurring_id, task_id, ran_at, outcome)
			VALUES (?, ?, ?, 'success');
		`, r.ID, spawned.ID, ranAt.UTC()); err != nil {
			return fmt.Errorf("insert recurring run: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE recurring_tasks SET
				last_run_at = ?, next_run_at = ?, run_count = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, nullTime(r.LastRunAt), nullTime(r.NextRunAt), r.RunCount, r.ID)
		if err != nil {
			return fmt.Errorf("advance recurring task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance recurring task: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return appendLogTx(ctx, tx, log)
	})
}

// RetractSpawned deletes the template's runs whose spawned task is not
// DONE, together with those tasks and their dependent rows. Optionally
// deactivates the template or removes it entirely with its full run
// history. Returns the ids of the deleted tasks.
func (s *Store) RetractSpawned(ctx context.Context, recurringID string, deleteTemplate bool, log *ActivityLogEntry) ([]string, error) {
	var deletedTasks []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		deletedTasks, err = retractSpawnedTx(ctx, tx, recurringID)
		if err != nil {
			return err
		}

		if deleteTemplate {
			if _, err := tx.ExecContext(ctx, `DELETE FROM recurring_runs WHERE recurring_id = ?;`, recurringID); err != nil {
				return fmt.Errorf("delete run history: %w", err)
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM recurring_tasks WHERE id = ?;`, recurringID)
			if err != nil {
				return fmt.Errorf("delete recurring task: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("delete recurring task: %w", err)
			}
			if n == 0 {
				return ErrNotFound
			}
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE recurring_tasks SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, recurringID)
			if err != nil {
				return fmt.Errorf("deactivate recurring task: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("deactivate recurring task: %w", err)
			}
			if n == 0 {
				return ErrNotFound
			}
		}
		return appendLogTx(ctx, tx, log)
	})
	if err != nil {
		return nil, err
	}
	return deletedTasks, nil
}

// retractSpawnedTx deletes the template's still-open spawned tasks, their
// activity and comments, and the run rows pointing at them. Completed
// work survives.
func retractSpawnedTx(ctx context.Context, tx *sql.Tx, recurringID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT t.id FROM recurring_runs rr
		JOIN tasks t ON t.id = rr.task_id
		WHERE rr.recurring_id = ? AND t.status != 'DONE';
	`, recurringID)
	if err != nil {
		return nil, fmt.Errorf("select spawned tasks: %w", err)
	}
	var deletedTasks []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan spawned task id: %w", err)
		}
		deletedTasks = append(deletedTasks, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("select spawned tasks: %w", err)
	}

	for _, taskID := range deletedTasks {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_activity WHERE task_id = ?;`, taskID); err != nil {
			return nil, fmt.Errorf("delete spawned task activity: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE task_id = ?;`, taskID); err != nil {
			return nil, fmt.Errorf("delete spawned task comments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM recurring_runs WHERE recurring_id = ? AND task_id = ?;`, recurringID, taskID); err != nil {
			return nil, fmt.Errorf("delete recurring run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID); err != nil {
			return nil, fmt.Errorf("delete spawned task: %w", err)
		}
	}
	return deletedTasks, nil
}

// ListRuns returns a template's run history newest-first.
func (s *Store) ListRuns(ctx context.Context, recurringID string) ([]RecurringRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recurring_id, COALESCE(task_id, ''), ran_at, outcome
		FROM recurring_runs WHERE recurring_id = ? ORDER BY id DESC;
	`, recurringID)
	if err != nil {
		return nil, fmt.Errorf("list recurring runs: %w", err)
	}
	defer rows.Close()

	var runs []RecurringRun
	for rows.Next() {
		var r RecurringRun
		if err := rows.Scan(&r.ID, &r.RecurringID, &r.TaskID, &r.RanAt, &r.Outcome); err != nil {
			return nil, fmt.Errorf("scan recurring run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TotalRunCount returns the number of run rows across all templates.
func (s *Store) TotalRunCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recurring_runs;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recurring runs: %w", err)
	}
	return n, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
