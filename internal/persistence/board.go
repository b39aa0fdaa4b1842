package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Board-level activity types recorded in activity_log.
const (
	LogTaskCreated      = "task_created"
	LogTaskDeleted      = "task_deleted"
	LogStatusChanged    = "status_changed"
	LogSentToReview     = "sent_to_review"
	LogTaskApproved     = "task_approved"
	LogTaskRejected     = "task_rejected"
	LogRecurringCreated = "recurring_created"
	LogRecurringDeleted = "recurring_deleted"
	LogRecurringRun     = "recurring_run"
)

// ActivityLogEntry is one board-level audit line, shown newest-first in
// the activity feed.
type ActivityLogEntry struct {
	ID           int64     `json:"id"`
	ActivityType string    `json:"activity_type"`
	AgentID      string    `json:"agent_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func appendLogTx(ctx context.Context, tx *sql.Tx, entry *ActivityLogEntry) error {
	if entry == nil {
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO activity_log (activity_type, agent_id, task_id, description)
		VALUES (?, ?, ?, ?);
	`, entry.ActivityType, entry.AgentID, entry.TaskID, entry.Description)
	if err != nil {
		return fmt.Errorf("append activity log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append activity log: %w", err)
	}
	entry.ID = id
	entry.CreatedAt = time.Now().UTC()
	return nil
}

// AppendActivityLog writes a board-level audit entry on its own.
func (s *Store) AppendActivityLog(ctx context.Context, entry *ActivityLogEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return appendLogTx(ctx, tx, entry)
	})
}

// ListActivityLog returns the newest limit entries, newest first.
func (s *Store) ListActivityLog(ctx context.Context, limit int) ([]ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, activity_type, agent_id, task_id, description, created_at
		FROM activity_log ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity log: %w", err)
	}
	defer rows.Close()

	var entries []ActivityLogEntry
	for rows.Next() {
		var e ActivityLogEntry
		if err := rows.Scan(&e.ID, &e.ActivityType, &e.AgentID, &e.TaskID, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InsertChatMessage persists one board chat line. Fills ID when empty.
func (s *Store) InsertChatMessage(ctx context.Context, m *ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_messages (id, agent_id, content) VALUES (?, ?, ?);
		`, m.ID, m.AgentID, m.Content); err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
		m.CreatedAt = time.Now().UTC()
		return nil
	})
}

// ListChatMessages returns the newest limit messages in chronological order.
func (s *Store) ListChatMessages(ctx context.Context, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, content, created_at FROM (
			SELECT id, agent_id, content, created_at
			FROM chat_messages ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// BoardStats summarizes the board for the stats endpoint.
type BoardStats struct {
	TasksByStatus   map[TaskStatus]int `json:"tasks_by_status"`
	TotalTasks      int                `json:"total_tasks"`
	ActiveAgents    int                `json:"active_agents"`
	RecurringActive int                `json:"recurring_active"`
	TotalRuns       int64              `json:"total_runs"`
}

func (s *Store) Stats(ctx context.Context) (*BoardStats, error) {
	counts, err := s.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	stats := &BoardStats{TasksByStatus: counts}
	for _, n := range counts {
		stats.TotalTasks += n
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agents WHERE status != 'offline';
	`).Scan(&stats.ActiveAgents); err != nil {
		return nil, fmt.Errorf("count active agents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recurring_tasks WHERE is_active = 1;
	`).Scan(&stats.RecurringActive); err != nil {
		return nil, fmt.Errorf("count active recurring: %w", err)
	}
	runs, err := s.TotalRunCount(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalRuns = runs
	return stats, nil
}
