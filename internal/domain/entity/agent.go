package entity

import (
	"time"

	"github.com/agentrunner/agentrunner/internal/domain/valueobject"
)

// Agent is a named behavioural preset: a system prompt, a model
// configuration, and an optional restricted toolset. Changing the
// active agent does not reset the conversation.
type Agent struct {
	id           string
	name         string
	modelConfig  valueobject.ModelConfig
	skills       []Skill
	workspace    string
	systemPrompt string
	allowedTools []string // restricted tool allow-list (empty = all tools)
	createdAt    time.Time
	updatedAt    time.Time
}

// NewAgent validates and builds an agent.
func NewAgent(id, name string, modelConfig valueobject.ModelConfig) (*Agent, error) {

	if id == "" {
		return nil, ErrInvalidAgentID
	}
	if name == "" {
		return nil, ErrInvalidAgentName
	}

	now := time.Now()
	return &Agent{
		id:          id,
		name:        name,
		modelConfig: modelConfig,
		skills:      make([]Skill, 0),
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

// ReconstructAgent rebuilds an agent from its persisted fields.
func ReconstructAgent(
	id, name string,
	modelConfig valueobject.ModelConfig,
	skills []Skill,
	workspace string,
	createdAt, updatedAt time.Time,
) *Agent {
	return &Agent{
		id:          id,
		name:        name,
		modelConfig: modelConfig,
		skills:      skills,
		workspace:   workspace,
		createdAt:   createdAt,
		updatedAt:   updatedAt,
	}
}

// SystemPrompt returns the agent's behavioural preset text.
func (a *Agent) SystemPrompt() string {
	return a.systemPrompt
}

// SetSystemPrompt updates the behavioural preset.
func (a *Agent) SetSystemPrompt(prompt string) {
	a.systemPrompt = prompt
	a.updatedAt = time.Now()
}

// AllowedTools returns the restricted toolset for this agent, or nil if
// every registered tool is allowed.
func (a *Agent) AllowedTools() []string {
	if a.allowedTools == nil {
		return nil
	}
	out := make([]string, len(a.allowedTools))
	copy(out, a.allowedTools)
	return out
}

// SetAllowedTools installs a restricted tool allow-list.
func (a *Agent) SetAllowedTools(tools []string) {
	a.allowedTools = tools
	a.updatedAt = time.Now()
}

// ID returns the agent identifier.
func (a *Agent) ID() string {
	return a.id
}

// Name returns the display name.
func (a *Agent) Name() string {
	return a.name
}

// ModelConfig returns the model settings.
func (a *Agent) ModelConfig() valueobject.ModelConfig {
	return a.modelConfig
}

// Skills returns a copy of the skill list.
func (a *Agent) Skills() []Skill {

	skills := make([]Skill, len(a.skills))
	copy(skills, a.skills)
	return skills
}

// AddSkill attaches a skill, rejecting duplicates.
func (a *Agent) AddSkill(skill Skill) error {

	for _, s := range a.skills {
		if s.ID() == skill.ID() {
			return ErrSkillAlreadyExists
		}
	}

	a.skills = append(a.skills, skill)
	a.updatedAt = time.Now()
	return nil
}

// RemoveSkill detaches a skill by ID.
func (a *Agent) RemoveSkill(skillID string) error {
	for i, skill := range a.skills {
		if skill.ID() == skillID {
			a.skills = append(a.skills[:i], a.skills[i+1:]...)
			a.updatedAt = time.Now()
			return nil
		}
	}
	return ErrSkillNotFound
}

// UpdateModelConfig swaps the model settings.
func (a *Agent) UpdateModelConfig(config valueobject.ModelConfig) {
	a.modelConfig = config
	a.updatedAt = time.Now()
}
