package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind classifies what a tool does, driving automatic permission decisions.
type Kind string

const (
	KindRead        Kind = "read"        // read-only (read_file, list_dir...)
	KindEdit        Kind = "edit"        // mutates files (write_file, patch...)
	KindExecute     Kind = "execute"     // runs commands (shell, run...)
	KindDelete      Kind = "delete"      // removes files or resources
	KindSearch      Kind = "search"      // search (web_search, grep...)
	KindFetch       Kind = "fetch"       // network retrieval (fetch_url...)
	KindThink       Kind = "think"       // no side effects (save_memory, plan...)
	KindCommunicate Kind = "communicate" // user interaction (ask_user, notify...)
)

// MutatorKinds are the kinds that need user confirmation (intercepted in AskMode).
var MutatorKinds = map[Kind]bool{
	KindEdit:    true,
	KindDelete:  true,
	KindExecute: true,
}

// SafeKinds are auto-approved.
var SafeKinds = map[Kind]bool{
	KindRead:   true,
	KindSearch: true,
	KindThink:  true,
}

// Tool is the abstraction every executable tool implements.
type Tool interface {
	// Name returns the tool identifier.
	Name() string
	// Description returns the model-facing description.
	Description() string
	// Kind returns the operation class (drives permission policy).
	Kind() Kind
	// Schema returns the JSON Schema for the input.
	Schema() map[string]interface{}
	// Execute runs the tool.
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result is what a tool execution returns.
type Result struct {
	Output   string                 // compact result for the model
	Display  string                 // rich rendering for the UI (falls back to Output)
	Success  bool                   // whether the call succeeded
	Metadata map[string]interface{} // structured side-channel data
	Error    string                 // error detail when Success is false
}

// DisplayOrOutput returns Display when set, otherwise Output.
func (r *Result) DisplayOrOutput() string {
	if r.Display != "" {
		return r.Display
	}
	return r.Output
}

// Definition is the tool description handed to the model.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry holds the registered tool set.
type Registry interface {
	// Register adds a tool.
	Register(tool Tool) error
	// Unregister removes a tool.
	Unregister(name string) error
	// Get looks a tool up by name.
	Get(name string) (Tool, bool)
	// List returns every registered definition.
	List() []Definition
	// Has reports whether a tool is registered.
	Has(name string) bool
}

// InMemoryRegistry is the default map-backed Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool, rejecting duplicates.
func (r *InMemoryRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// Unregister removes a tool by name.
func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}

	delete(r.tools, name)
	return nil
}

// Get looks a tool up by name.
func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// List returns every registered definition.
func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return defs
}

// Has reports whether a tool is registered.
func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

// ExecutionContext selects where a tool runs.
type ExecutionContext int

const (
	ExecContextGateway ExecutionContext = iota // in the gateway process
	ExecContextSandbox                         // inside the sandbox
	ExecContextRemote                          // on a remote node
)

// String names the execution context.
func (c ExecutionContext) String() string {
	switch c {
	case ExecContextGateway:
		return "gateway"
	case ExecContextSandbox:
		return "sandbox"
	case ExecContextRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Executor runs tools in a chosen execution context.
type Executor interface {
	// Execute runs a named tool.
	Execute(ctx context.Context, tool Tool, args map[string]interface{}) (*Result, error)
	// SetContext switches the execution context.
	SetContext(execCtx ExecutionContext)
}

// Policy gates which tools may run and how.
type Policy struct {
	Profile     string   // preset name: minimal, coding, messaging, full
	AllowList   []string // explicitly allowed tools
	DenyList    []string // explicitly denied tools
	AskMode     bool     // require user confirmation before mutators
	MaxExecTime int      // execution ceiling in seconds
}

// IsAllowed reports whether the policy permits a tool, deny list first.
func (p *Policy) IsAllowed(toolName string) bool {
	// deny list wins
	for _, denied := range p.DenyList {
		if denied == toolName {
			return false
		}
	}

	// an empty allow list permits everything not denied
	if len(p.AllowList) == 0 {
		return true
	}

	for _, allowed := range p.AllowList {
		if allowed == toolName {
			return true
		}
	}

	return false
}

// NeedsConfirmation reports whether a tool needs a user prompt under AskMode.
func (p *Policy) NeedsConfirmation(kind Kind) bool {
	if !p.AskMode {
		return false
	}
	// SafeKinds pass even in AskMode
	if SafeKinds[kind] {
		return false
	}

	return MutatorKinds[kind]
}

// PolicyEnforcer applies a Policy over a Registry.
type PolicyEnforcer struct {
	policy   *Policy
	registry Registry
}

// NewPolicyEnforcer pairs a policy with a registry.
func NewPolicyEnforcer(policy *Policy, registry Registry) *PolicyEnforcer {
	return &PolicyEnforcer{
		policy:   policy,
		registry: registry,
	}
}

// FilteredList returns the registry definitions the policy allows.
func (e *PolicyEnforcer) FilteredList() []Definition {
	all := e.registry.List()
	filtered := make([]Definition, 0)

	for _, def := range all {
		if e.policy.IsAllowed(def.Name) {
			filtered = append(filtered, def)
		}
	}

	return filtered
}

// CanExecute reports whether a named tool may run.
func (e *PolicyEnforcer) CanExecute(toolName string) bool {
	return e.policy.IsAllowed(toolName)
}

// NeedsApproval reports whether a named tool needs confirmation.
func (e *PolicyEnforcer) NeedsApproval() bool {
	return e.policy.AskMode
}

// MarshalJSON serialises a Result for transport.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"output":   r.Output,
		"display":  r.Display,
		"success":  r.Success,
		"metadata": r.Metadata,
		"error":    r.Error,
	})
}

// toolContextKey is the context key the Tool Dispatcher uses to thread a
// ToolContext through Execute. A context value, not a widened Execute
// signature — every existing Tool keeps Execute(ctx, args), and only the
// ones that care (edit-kind tools wanting undo/conflict detection) pull
// it out.
type toolContextKey struct{}

// ToolContext is the Tool Dispatcher's per-call execution environment
// (working directory, sandbox handle, snapshot/undo store, file-mtime
// tracker). Tools that don't need it can ignore the context value
// entirely; edit-kind tools use it to snapshot pre-edit content and
// detect concurrent external modification.
type ToolContext struct {
	WorkDir   string
	Sandbox   interface{} // *sandbox.ProcessSandbox; kept opaque here to avoid an import cycle
	Snapshots SnapshotStore
	FileTimes FileTimeTracker
}

// SnapshotStore records pre-edit file content so a future undo can
// restore it. Implementations only need to retain the most recent
// snapshot per path.
type SnapshotStore interface {
	Snapshot(path string, content []byte)
}

// FileTimeTracker records the last modification time an edit tool
// observed for a path, so a later edit into the same path can detect
// that the file changed underneath it since it was last read.
type FileTimeTracker interface {
	Observe(path string, modTime int64)
	LastObserved(path string) (int64, bool)
}

// WithToolContext attaches a ToolContext to ctx for the duration of one
// Dispatcher call.
func WithToolContext(ctx context.Context, tc *ToolContext) context.Context {
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFromContext retrieves the ToolContext attached by the Tool
// Dispatcher, if any.
func ToolContextFromContext(ctx context.Context) (*ToolContext, bool) {
	tc, ok := ctx.Value(toolContextKey{}).(*ToolContext)
	return tc, ok
}
