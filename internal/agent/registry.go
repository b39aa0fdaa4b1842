// Package agent seeds and resolves the board's agent roster.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/clawcontrol/internal/config"
	"github.com/basket/clawcontrol/internal/persistence"
)

// DefaultLeadID is the reviewer/orchestrator used when no LEAD agent is
// configured.
const DefaultLeadID = "main"

type Registry struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewRegistry(store *persistence.Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Seed upserts the configured agents into the store. Existing rows keep
// their liveness status; profile fields are refreshed.
func (r *Registry) Seed(ctx context.Context, entries []config.AgentEntry) error {
	for _, e := range entries {
		role := persistence.AgentRoleMember
		if strings.EqualFold(e.Role, persistence.AgentRoleLead) {
			role = persistence.AgentRoleLead
		}
		err := r.store.UpsertAgent(ctx, persistence.Agent{
			ID:          e.ID,
			Name:        e.Name,
			Role:        role,
			Description: e.Description,
			Avatar:      e.Avatar,
		})
		if err != nil {
			return fmt.Errorf("seed agent %s: %w", e.ID, err)
		}
		r.logger.Debug("agent seeded", "agent_id", e.ID, "role", role)
	}
	return nil
}

// LeadID returns the LEAD agent's id, falling back to DefaultLeadID when
// the roster has none.
func (r *Registry) LeadID(ctx context.Context) string {
	id, err := r.store.LeadAgentID(ctx)
	if err != nil {
		r.logger.Warn("lead agent lookup failed", "error", err)
		return DefaultLeadID
	}
	if id == "" {
		return DefaultLeadID
	}
	return id
}

func (r *Registry) List(ctx context.Context) ([]persistence.Agent, error) {
	return r.store.ListAgents(ctx)
}

func (r *Registry) Get(ctx context.Context, id string) (*persistence.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

func (r *Registry) SetStatus(ctx context.Context, id, status string) error {
	return r.store.SetAgentStatus(ctx, id, status)
}
