package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	AgentRoleLead   = "LEAD"
	AgentRoleMember = "MEMBER"
)

// Agent represents a row in the agents table.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Description string    `json:"description"`
	Avatar      string    `json:"avatar"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpsertAgent inserts the agent or refreshes its profile fields. Status is
// preserved on conflict so a config reload does not reset liveness.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, role, description, avatar, status)
			VALUES (?, ?, ?, ?, ?, COALESCE(NULLIF(?, ''), 'offline'))
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				role = excluded.role,
				description = excluded.description,
				avatar = excluded.avatar,
				updated_at = CURRENT_TIMESTAMP;
		`, a.ID, a.Name, a.Role, a.Description, a.Avatar, a.Status)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, description, avatar, status, created_at, updated_at
		FROM agents WHERE id = ?;
	`, agentID).Scan(&a.ID, &a.Name, &a.Role, &a.Description, &a.Avatar, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns all agent rows ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, description, avatar, status, created_at, updated_at
		FROM agents ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.Description, &a.Avatar, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) SetAgentStatus(ctx context.Context, agentID, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, agentID)
		if err != nil {
			return fmt.Errorf("set agent status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set agent status: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// LeadAgentID returns the id of the LEAD agent, or "" when none exists.
func (s *Store) LeadAgentID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM agents WHERE role = 'LEAD' ORDER BY created_at ASC LIMIT 1;
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lead agent lookup: %w", err)
	}
	return id, nil
}
