package entity

// ActionKind discriminates the interface→runner Action union.
type ActionKind string

const (
	ActionSendPrompt         ActionKind = "send_prompt"
	ActionCancel             ActionKind = "cancel"
	ActionQuit               ActionKind = "quit"
	ActionChangeModel        ActionKind = "change_model"
	ActionChangeAgent        ActionKind = "change_agent"
	ActionNewSession         ActionKind = "new_session"
	ActionSwitchSession      ActionKind = "switch_session"
	ActionRenameSession      ActionKind = "rename_session"
	ActionForkSession        ActionKind = "fork_session"
	ActionShareSession       ActionKind = "share_session"
	ActionUnshareSession     ActionKind = "unshare_session"
	ActionGotoMessage        ActionKind = "goto_message"
	ActionUndo               ActionKind = "undo"
	ActionRedo               ActionKind = "redo"
	ActionRevert             ActionKind = "revert"
	ActionUnrevert           ActionKind = "unrevert"
	ActionCompact            ActionKind = "compact"
	ActionSandboxStart       ActionKind = "sandbox_start"
	ActionSandboxStop        ActionKind = "sandbox_stop"
	ActionSandboxRestart     ActionKind = "sandbox_restart"
	ActionMcpToggle          ActionKind = "mcp_toggle"
	ActionMcpReconnect       ActionKind = "mcp_reconnect"
	ActionSaveSettings       ActionKind = "save_settings"
	ActionPermissionResponse ActionKind = "permission_response"
	ActionUpdateTestProvider ActionKind = "update_test_provider"
)

// SettingsScope selects which config file a SaveSettings action writes.
type SettingsScope string

const (
	SettingsScopeProject SettingsScope = "project"
	SettingsScopeGlobal  SettingsScope = "global"
)

// Action is one command from the interface to the runner. Only the
// fields relevant to Kind are populated; the rest stay zero.
type Action struct {
	Kind ActionKind `json:"kind"`

	// SendPrompt
	Text string `json:"text,omitempty"`

	// ChangeModel: "provider/model" or bare model name
	ModelSpec string `json:"model_spec,omitempty"`

	// ChangeAgent
	AgentName string `json:"agent_name,omitempty"`

	// SwitchSession / RenameSession / ForkSession / GotoMessage / Revert
	SessionID string `json:"session_id,omitempty"`
	Title     string `json:"title,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	// McpToggle / McpReconnect
	ServerName string `json:"server_name,omitempty"`

	// SaveSettings
	Scope    SettingsScope          `json:"scope,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`

	// PermissionResponse
	RequestID string `json:"request_id,omitempty"`
	Allow     bool   `json:"allow,omitempty"`
	Remember  bool   `json:"remember,omitempty"`

	// UpdateTestProviderSettings
	TestSyntheticStreaming *bool `json:"test_synthetic_streaming,omitempty"`
	TestSyntheticToolCalls *bool `json:"test_synthetic_tool_calls,omitempty"`
}
