package service

import (
	"context"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
)

// MessageRouter resolves which agent handles a session's next prompt.
type MessageRouter interface {
	// Route returns the agent for the given session agent tag.
	Route(ctx context.Context, agentTag string) (*entity.Agent, error)
}

// DefaultMessageRouter delegates to an AgentSelector.
type DefaultMessageRouter struct {
	agentSelector AgentSelector
}

// AgentSelector picks an agent by name, falling back to the default
// agent when the name is empty or unknown.
type AgentSelector interface {
	Select(ctx context.Context, name string) (*entity.Agent, error)
}

// NewDefaultMessageRouter creates a router backed by the given selector.
func NewDefaultMessageRouter(selector AgentSelector) *DefaultMessageRouter {
	return &DefaultMessageRouter{agentSelector: selector}
}

// Route resolves the session's agent tag through the selector.
func (r *DefaultMessageRouter) Route(ctx context.Context, agentTag string) (*entity.Agent, error) {
	return r.agentSelector.Select(ctx, agentTag)
}
