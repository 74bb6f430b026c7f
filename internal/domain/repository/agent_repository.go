package repository

import (
	"context"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
)

// AgentRepository persists agent presets. Defined in the domain
// layer, implemented in infrastructure.
type AgentRepository interface {
	// FindByID looks an agent up by ID.
	FindByID(ctx context.Context, id string) (*entity.Agent, error)

	// FindAll returns every agent.
	FindAll(ctx context.Context) ([]*entity.Agent, error)

	// FindByName looks an agent up by name.
	FindByName(ctx context.Context, name string) (*entity.Agent, error)

	// Save creates or updates an agent.
	Save(ctx context.Context, agent *entity.Agent) error

	// Delete removes an agent.
	Delete(ctx context.Context, id string) error

	// Exists reports whether an agent exists.
	Exists(ctx context.Context, id string) (bool, error)
}
