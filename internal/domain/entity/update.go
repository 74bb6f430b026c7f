package entity

// UpdateKind discriminates the runner→interface Update union.
type UpdateKind string

const (
	UpdateStarted             UpdateKind = "started"
	UpdateTextDelta           UpdateKind = "text_delta"
	UpdateToolStarted         UpdateKind = "tool_started"
	UpdateToolCompleted       UpdateKind = "tool_completed"
	UpdateCompleted           UpdateKind = "completed"
	UpdateError               UpdateKind = "error"
	UpdateStatus              UpdateKind = "status"
	UpdateTokenUsage          UpdateKind = "token_usage"
	UpdateModelInfo           UpdateKind = "model_info"
	UpdateSessions            UpdateKind = "sessions"
	UpdateTodos               UpdateKind = "todos_updated"
	UpdateLsp                 UpdateKind = "lsp_updated"
	UpdateMcp                 UpdateKind = "mcp_updated"
	UpdateModifiedFiles       UpdateKind = "modified_files_updated"
	UpdatePermissionsPending  UpdateKind = "permissions_pending"
	UpdatePermissionRequested UpdateKind = "permission_request"
	UpdateSandbox             UpdateKind = "sandbox_updated"
	UpdateSystemMessage       UpdateKind = "system_message"
	UpdateAgentChanged        UpdateKind = "agent_changed"
	UpdateSessionLoaded       UpdateKind = "session_loaded"
)

// SessionSummary is one row in a Sessions update.
type SessionSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Agent   string `json:"agent,omitempty"`
	Shared  bool   `json:"shared,omitempty"`
	Current bool   `json:"current,omitempty"`
}

// TokenUsageInfo is the running token/cost accounting after each step.
type TokenUsageInfo struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	ContextLimit int     `json:"context_limit"`
}

// PermissionRequestInfo mirrors a pending Ask check for the interface.
type PermissionRequestInfo struct {
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Path        string `json:"path,omitempty"`
}

// Update is one event from the runner to the interface. Only the
// fields relevant to Kind are populated.
type Update struct {
	Kind UpdateKind `json:"kind"`

	// TextDelta / Completed / Status / SystemMessage / Error
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`

	// ToolStarted / ToolCompleted
	ToolCall *ToolCallEvent `json:"tool_call,omitempty"`

	// TokenUsage / ModelInfo
	Usage        *TokenUsageInfo `json:"usage,omitempty"`
	ContextLimit int             `json:"context_limit,omitempty"`

	// Sessions / SessionLoaded
	Sessions  []SessionSummary `json:"sessions,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Title     string           `json:"title,omitempty"`
	Messages  []Message        `json:"messages,omitempty"`

	// TodosUpdated
	Todos []Todo `json:"todos,omitempty"`

	// LspUpdated / McpUpdated
	LspServers []LspServerStatus `json:"lsp_servers,omitempty"`
	McpServers []McpServerStatus `json:"mcp_servers,omitempty"`

	// ModifiedFilesUpdated
	ModifiedFiles []ModifiedFile `json:"modified_files,omitempty"`

	// PermissionsPending / PermissionRequest
	PendingCount      int                    `json:"pending_count,omitempty"`
	PermissionRequest *PermissionRequestInfo `json:"permission_request,omitempty"`

	// SandboxUpdated
	Sandbox *SandboxState `json:"sandbox,omitempty"`

	// AgentChanged
	Agent string `json:"agent,omitempty"`
}
