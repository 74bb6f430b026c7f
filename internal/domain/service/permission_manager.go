package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/domain/valueobject"
	"github.com/agentrunner/agentrunner/internal/infrastructure/eventbus"
)

// pendingCheck tracks one suspended Ask decision awaiting a response.
type pendingCheck struct {
	resultCh chan valueobject.PermissionResponse
}

// PermissionManager implements spec §4.2: first-match rule evaluation,
// an interactive request/response cycle over the Event Bus for Ask
// decisions, and a "remember" path that inserts a new exact-match rule.
//
// Grounded on security_hook.go's trusted/dangerous classification, which
// is generalised here into the explicit rule-list model the spec
// describes (patterns over tool/action/path rather than two flat sets).
type PermissionManager struct {
	mu      sync.RWMutex
	rules   []valueobject.PermissionRule
	pending map[string]*pendingCheck

	bus          eventbus.Bus
	logger       *zap.Logger
	pendingCount int
}

// NewPermissionManager creates a manager seeded with the spec's default
// rules (§4.2), publishing PermissionRequest/PermissionResponse events
// on bus so an interface can answer Ask checks asynchronously.
func NewPermissionManager(bus eventbus.Bus, logger *zap.Logger) *PermissionManager {
	return &PermissionManager{
		rules:   append([]valueobject.PermissionRule{}, valueobject.DefaultRules()...),
		pending: make(map[string]*pendingCheck),
		bus:     bus,
		logger:  logger,
	}
}

// AddRule appends a rule to the end of the rule list; rejected if
// malformed (spec §4.2 failure semantics: "a malformed rule is rejected
// at insertion, never silently ignored").
func (m *PermissionManager) AddRule(rule valueobject.PermissionRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
	return nil
}

// PrependRules inserts rules ahead of whatever is already registered, so
// they win any first-match tie against the defaults seeded at
// construction (used to layer config-derived rules ahead of DefaultRules).
func (m *PermissionManager) PrependRules(rules []valueobject.PermissionRule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(append([]valueobject.PermissionRule{}, rules...), m.rules...)
	return nil
}

// Check finds the first matching rule for (tool, action, path). On
// Allow, returns true. On Deny, returns false. On Ask, publishes a
// PermissionRequest and suspends the caller until a response arrives
// on the Event Bus or ctx is cancelled (P4: first-match wins; default
// with no match is Ask).
func (m *PermissionManager) Check(ctx context.Context, sessionID string, check valueobject.PermissionCheck) (bool, error) {
	decision := m.firstMatch(check.Tool, check.Action, check.Path)

	switch decision {
	case valueobject.DecisionAllow:
		return true, nil
	case valueobject.DecisionDeny:
		return false, nil
	}

	// Ask: suspend until a response arrives.
	if check.ID == "" {
		check.ID = uuid.NewString()
	}
	ch := make(chan valueobject.PermissionResponse, 1)

	m.mu.Lock()
	m.pending[check.ID] = &pendingCheck{resultCh: ch}
	m.pendingCount++
	pendingN := m.pendingCount
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypePermissionRequest, eventbus.PermissionRequestPayload{
			CheckID:     check.ID,
			Tool:        check.Tool,
			Action:      check.Action,
			Description: check.Description,
			Path:        check.Path,
		}))
	}
	m.logger.Info("Permission check suspended, awaiting response",
		zap.String("check_id", check.ID),
		zap.String("tool", check.Tool),
		zap.Int("pending", pendingN),
	)

	select {
	case resp := <-ch:
		if resp.Remember {
			// Prepended so the remembered decision wins over the Ask rule
			// that suspended this check.
			_ = m.PrependRules([]valueobject.PermissionRule{{
				ToolPattern:   check.Tool,
				ActionPattern: check.Action,
				PathPattern:   check.Path,
				Decision: func() valueobject.PermissionDecision {
					if resp.Allow {
						return valueobject.DecisionAllow
					}
					return valueobject.DecisionDeny
				}(),
			}})
		}
		return resp.Allow, nil
	case <-ctx.Done():
		// A dropped response stream resolves to deny (spec §4.2 failure semantics).
		m.mu.Lock()
		delete(m.pending, check.ID)
		m.pendingCount--
		m.mu.Unlock()
		return false, ctx.Err()
	}
}

// Respond is called by the facade when the interface answers an Ask
// check (spec §4.2 `respond(id, allow, remember)`).
func (m *PermissionManager) Respond(ctx context.Context, id string, allow, remember bool) error {
	m.mu.Lock()
	pc, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
		m.pendingCount--
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("permission check %q not found or already answered", id)
	}

	resp := valueobject.PermissionResponse{ID: id, Allow: allow, Remember: remember}
	if m.bus != nil {
		m.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypePermissionResponse, eventbus.PermissionResponsePayload{
			CheckID:  id,
			Allow:    allow,
			Remember: remember,
		}))
	}
	pc.resultCh <- resp
	return nil
}

// PendingCount returns the number of Ask checks currently suspended,
// backing the `PermissionsPending{count}` Update (spec §9).
func (m *PermissionManager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingCount
}

func (m *PermissionManager) firstMatch(tool, action, path string) valueobject.PermissionDecision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		if r.Matches(tool, action, path) {
			return r.Decision
		}
	}
	return valueobject.DecisionAsk
}

// Rules returns a copy of the current rule list (for diagnostics/tests).
func (m *PermissionManager) Rules() []valueobject.PermissionRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]valueobject.PermissionRule, len(m.rules))
	copy(out, m.rules)
	return out
}
