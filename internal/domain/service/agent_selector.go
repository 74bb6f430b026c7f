package service

import (
	"context"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
	"github.com/agentrunner/agentrunner/internal/domain/repository"
	"github.com/agentrunner/agentrunner/pkg/errors"
)

// DefaultAgentSelector resolves agent names against the agent repository.
type DefaultAgentSelector struct {
	agentRepo repository.AgentRepository
}

// NewDefaultAgentSelector creates a repository-backed selector.
func NewDefaultAgentSelector(agentRepo repository.AgentRepository) AgentSelector {
	return &DefaultAgentSelector{agentRepo: agentRepo}
}

// Select returns the named agent. An empty name, or a name with no
// registered agent, falls back to the first agent on record so a
// session with a stale tag still gets a working preset.
func (s *DefaultAgentSelector) Select(ctx context.Context, name string) (*entity.Agent, error) {
	if name != "" {
		if agent, err := s.agentRepo.FindByID(ctx, name); err == nil {
			return agent, nil
		}
	}

	agents, err := s.agentRepo.FindAll(ctx)
	if err != nil {
		return nil, errors.NewInternalError("failed to find agents: " + err.Error())
	}
	if len(agents) == 0 {
		return nil, errors.NewNotFoundError("no agents available")
	}
	return agents[0], nil
}
