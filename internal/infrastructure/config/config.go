package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	AIService AIServiceConfig `mapstructure:"ai_service"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	PythonEnv string          `mapstructure:"python_env"` // root of the conda/venv environment for python-backed tools
}

// GatewayConfig configures the HTTP/SSE facade.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// AIServiceConfig configures the (legacy) sidecar AI service reference.
type AIServiceConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// DatabaseConfig configures persistence.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig configures the agent runtime.
type AgentConfig struct {
	DefaultModel    string              `mapstructure:"default_model"`
	DefaultProvider string              `mapstructure:"default_provider"`
	Workspace       string              `mapstructure:"workspace"`
	MaxIterations   int                 `mapstructure:"max_iterations"`
	AskMode         bool                `mapstructure:"ask_mode"`
	Models          []ModelConfig       `mapstructure:"models"`          // model catalog shown to interfaces
	FallbackModels  []string            `mapstructure:"fallback_models"` // failover chain
	Providers       []LLMProviderConfig `mapstructure:"providers"`       // LLM provider configs for llm.Router

	// Per-model policy overrides (model family key → overrides).
	// Keys are matched by substring against model ID, e.g. "qwen3", "minimax", "claude".
	// Nil values / omitted keys use auto-detected defaults from ResolveModelPolicy.
	ModelPolicies map[string]ModelPolicyConfig `mapstructure:"model_policies"`

	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Security   SecurityConfig   `mapstructure:"security"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	GRPCPort   int              `mapstructure:"grpc_port"` // gRPC agent server port (default 50051)
}

// ModelPolicyConfig holds YAML-configurable per-model policy overrides.
// All fields are pointers so nil = "don't override, use auto-detected value".
type ModelPolicyConfig struct {
	RepairToolPairing   *bool   `mapstructure:"repair_tool_pairing"`
	EnforceTurnOrdering *bool   `mapstructure:"enforce_turn_ordering"`
	ReasoningFormat     *string `mapstructure:"reasoning_format"`
	ProgressInterval    *int    `mapstructure:"progress_interval"`
	ProgressEscalation  *bool   `mapstructure:"progress_escalation"`
	PromptStyle         *string `mapstructure:"prompt_style"`
	SystemRoleSupport   *bool   `mapstructure:"system_role_support"`
	ThinkingTagHint     *bool   `mapstructure:"thinking_tag_hint"`
}

// LLMProviderConfig configures a Go-native LLM provider (used by llm.Router).
type LLMProviderConfig struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"` // openai (default) | anthropic | gemini
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// ModelConfig describes one entry in the model catalog.
type ModelConfig struct {
	ID          string `mapstructure:"id"`       // e.g. "bailian/qwen3-coder-plus"
	Alias       string `mapstructure:"alias"`    // e.g. "Coder"
	Provider    string `mapstructure:"provider"` // e.g. "bailian"
	Description string `mapstructure:"description"`
}

// RuntimeConfig holds the agent's runtime tunables, all overridable from config.yaml.
type RuntimeConfig struct {
	ToolTimeout      time.Duration `mapstructure:"tool_timeout"`        // per-tool execution timeout
	RunTimeout       time.Duration `mapstructure:"run_timeout"`         // max duration of a single run
	SubAgentTimeout  time.Duration `mapstructure:"sub_agent_timeout"`   // subagent wall-clock budget
	SubAgentMaxSteps int           `mapstructure:"sub_agent_max_steps"` // subagent step cap
	MaxTokenBudget   int64         `mapstructure:"max_token_budget"`    // token budget ceiling
	ConcurrentTools  bool          `mapstructure:"concurrent_tools"`    // execute independent tool calls in parallel
	MaxRetries       int           `mapstructure:"max_retries"`         // max LLM call retries (default: 3)
	RetryBaseWait    time.Duration `mapstructure:"retry_base_wait"`     // base backoff between retries (default: 2s, exponential)
}

// GuardrailsConfig configures the doom-loop detector and context guard.
type GuardrailsConfig struct {
	ContextMaxTokens    int     `mapstructure:"context_max_tokens"`    // context window size
	ContextWarnRatio    float64 `mapstructure:"context_warn_ratio"`    // warn threshold (0.7 = 70%)
	ContextHardRatio    float64 `mapstructure:"context_hard_ratio"`    // force-compact threshold
	LoopDetectWindow    int     `mapstructure:"loop_detect_window"`    // sliding window size for loop detection
	LoopDetectThreshold int     `mapstructure:"loop_detect_threshold"` // identical calls in a row to flag as a loop
	CostGuardEnabled    bool    `mapstructure:"cost_guard_enabled"`
}

// SecurityConfig configures the permission manager's default policy.
type SecurityConfig struct {
	// ApprovalMode: "auto" | "ask_dangerous" | "ask_all"
	//   auto          — run every tool without confirmation
	//   ask_dangerous — confirm only tools in DangerousTools
	//   ask_all       — confirm every tool call
	ApprovalMode    string        `mapstructure:"approval_mode"`
	DangerousTools  []string      `mapstructure:"dangerous_tools"`  // tool names that always require confirmation
	TrustedTools    []string      `mapstructure:"trusted_tools"`    // tool names that never require confirmation
	TrustedCommands []string      `mapstructure:"trusted_commands"` // command prefixes exempt from confirmation
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"` // how long an Ask decision waits before denying (default 5m)
}

// ToolsConfig configures the tool registry's declarative entries.
type ToolsConfig struct {
	Registry []ToolRegConfig `mapstructure:"registry"`
}

// ToolRegConfig declares one tool registration.
type ToolRegConfig struct {
	Name         string              `mapstructure:"name"`          // canonical tool name
	Backend      string              `mapstructure:"backend"`       // go | python | command | grpc
	Command      string              `mapstructure:"command"`       // shell command, when backend=command
	ArgsFormat   string              `mapstructure:"args_format"`   // argument template
	Handler      string              `mapstructure:"handler"`       // builtin handler name, when backend=go
	GRPCMethod   string              `mapstructure:"grpc_method"`   // when backend=python/grpc
	GRPCEndpoint string              `mapstructure:"grpc_endpoint"` // address, when backend=grpc
	Enabled      bool                `mapstructure:"enabled"`
	Timeout      time.Duration       `mapstructure:"timeout"` // optional, overrides the global tool_timeout
	Aliases      map[string][]string `mapstructure:"aliases"` // provider → alias names
}

// CompactionConfig configures the compaction engine.
type CompactionConfig struct {
	MessageThreshold int  `mapstructure:"message_threshold"`   // message count that triggers compaction
	TokenThreshold   int  `mapstructure:"token_threshold"`     // token count that triggers compaction
	KeepRecent       int  `mapstructure:"keep_recent"`         // number of recent messages to preserve
	SummaryMaxTokens int  `mapstructure:"summary_max_tokens"`  // max tokens in the generated summary
	PreFlushToMemory bool `mapstructure:"pre_flush_to_memory"` // persist key facts to vector memory before pruning
}

// MCPConfig configures MCP server connections.
type MCPConfig struct {
	Servers []MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"` // JSON-RPC endpoint
	Enabled  bool   `mapstructure:"enabled"`
}

// MemoryConfig configures the vector memory store.
type MemoryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	OllamaURL  string `mapstructure:"ollama_url"`  // embedding service address (http://host:port)
	EmbedModel string `mapstructure:"embed_model"` // embedding model name, e.g. qwen3-embedding
	StorePath  string `mapstructure:"store_path"`  // LanceDB persistence directory
	StoreType  string `mapstructure:"store_type"`  // lancedb | memory
}

// Load builds the Config from defaults, layered config files, and environment
// variables, in that priority order (lowest to highest):
// defaults -> ~/.agentrunner/config.yaml -> project-local config.yaml -> env vars.
// This mirrors the layering convention used by other agentic CLIs.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: global config at ~/.agentrunner/config.yaml (API keys, providers, etc).
	globalDir := filepath.Join(os.Getenv("HOME"), ".agentrunner")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: project-local config (workspace, models, runtime overrides).
	// Checks ./config/config.yaml then ./config.yaml, merging on top of layer 1.
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break // only the first local config found is used
		}
	}

	// Layer 3: environment variable overrides (AGENTRUNNER_*).
	v.SetEnvPrefix("AGENTRUNNER")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 18789)
	v.SetDefault("gateway.mode", "local")

	v.SetDefault("ai_service.host", "localhost")
	v.SetDefault("ai_service.port", 50051)
	v.SetDefault("ai_service.timeout", 120)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "agentrunner.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("agent.runtime.tool_timeout", "30s")
	v.SetDefault("agent.runtime.run_timeout", "5m")
	v.SetDefault("agent.runtime.sub_agent_timeout", "2m")
	v.SetDefault("agent.runtime.max_token_budget", 100000)
	v.SetDefault("agent.runtime.concurrent_tools", true)
	v.SetDefault("agent.runtime.max_retries", 3)
	v.SetDefault("agent.runtime.retry_base_wait", "2s")

	v.SetDefault("agent.guardrails.context_max_tokens", 128000)
	v.SetDefault("agent.guardrails.context_warn_ratio", 0.7)
	v.SetDefault("agent.guardrails.context_hard_ratio", 0.85)
	v.SetDefault("agent.guardrails.loop_detect_window", 10)
	v.SetDefault("agent.guardrails.loop_detect_threshold", 5)
	v.SetDefault("agent.guardrails.cost_guard_enabled", true)

	v.SetDefault("agent.compaction.message_threshold", 30)
	v.SetDefault("agent.compaction.token_threshold", 30000)
	v.SetDefault("agent.compaction.keep_recent", 10)
	v.SetDefault("agent.compaction.summary_max_tokens", 1000)
	v.SetDefault("agent.compaction.pre_flush_to_memory", true)

	v.SetDefault("agent.security.approval_mode", "ask_dangerous")
	v.SetDefault("agent.security.dangerous_tools", []string{"shell_exec", "write_file", "delete_file", "python_exec"})
	v.SetDefault("agent.security.trusted_tools", []string{"read_file", "list_files", "web_search", "think"})
	v.SetDefault("agent.security.trusted_commands", []string{"ls", "cat", "head", "tail", "grep", "find", "wc", "echo", "pwd", "which", "file", "stat"})
	v.SetDefault("agent.security.approval_timeout", "5m")
}
