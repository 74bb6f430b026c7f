package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentrunner/agentrunner/internal/application/usecase"
	"github.com/agentrunner/agentrunner/internal/domain/entity"
	"github.com/agentrunner/agentrunner/internal/domain/memory"
	"github.com/agentrunner/agentrunner/internal/domain/repository"
	"github.com/agentrunner/agentrunner/internal/domain/service"
	domaintool "github.com/agentrunner/agentrunner/internal/domain/tool"
	"github.com/agentrunner/agentrunner/internal/domain/valueobject"
	"github.com/agentrunner/agentrunner/internal/infrastructure/config"
	"github.com/agentrunner/agentrunner/internal/infrastructure/embedding"
	"github.com/agentrunner/agentrunner/internal/infrastructure/eventbus"
	"github.com/agentrunner/agentrunner/internal/infrastructure/llm"
	_ "github.com/agentrunner/agentrunner/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/agentrunner/agentrunner/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/agentrunner/agentrunner/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/agentrunner/agentrunner/internal/infrastructure/monitoring"
	"github.com/agentrunner/agentrunner/internal/infrastructure/persistence"
	"github.com/agentrunner/agentrunner/internal/infrastructure/plugin"
	"github.com/agentrunner/agentrunner/internal/infrastructure/prompt"
	"github.com/agentrunner/agentrunner/internal/infrastructure/sandbox"
	"github.com/agentrunner/agentrunner/internal/infrastructure/sideload"
	toolpkg "github.com/agentrunner/agentrunner/internal/infrastructure/tool"
	"github.com/agentrunner/agentrunner/internal/infrastructure/vectorstore"
	"github.com/agentrunner/agentrunner/internal/interfaces/agentgrpc"
	httpServer "github.com/agentrunner/agentrunner/internal/interfaces/http"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the dependency-injection container that wires the Runner core
// (tool registry, LLM router, permission/security hooks, prompt engine)
// to its external adapters (HTTP/SSE facade, gRPC facade, CLI/TUI/REPL).
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	agentRepo   repository.AgentRepository
	sessionRepo repository.SessionRepository

	agentSelector service.AgentSelector
	messageRouter service.MessageRouter

	processMessageUseCase *usecase.ProcessMessageUseCase

	toolRegistry domaintool.Registry
	llmRouter    *llm.Router
	mcpManager   *toolpkg.MCPManager
	agentLoop    *service.AgentLoop
	securityHook *service.SecurityHook
	grpcAgentSrv *agentgrpc.Server
	httpServer   *httpServer.Server

	promptEngine *prompt.PromptEngine
	monitor      *monitoring.Monitor
	sideloadMgr  *sideload.Manager
	pluginLoader *plugin.Loader

	// Event Bus / Permission Manager / Tool Dispatcher (spec §4.1, §4.2,
	// §4.6): the real, wired tool-execution pipeline. dispatcher is what
	// every interface and the agent loop actually call through — it is the
	// ToolExecutor the rest of the app sees.
	eventBus    eventbus.Bus
	permissions *service.PermissionManager
	doomLoop    *service.DoomLoopDetector
	sandbox     *sandbox.ProcessSandbox
	dispatcher  *toolpkg.Dispatcher

	// set once a Runner (or another interactive surface) takes over the
	// permission Ask cycle; the app-level bridge then stays out of it.
	permissionUIAttached atomic.Bool
}

// markPermissionUIAttached records that an interactive surface now
// answers permission requests.
func (app *App) markPermissionUIAttached() {
	app.permissionUIAttached.Store(true)
}

// NewApp creates the full application (HTTP facade + gRPC facade + seeded data).
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.agentrunner/ exists with default files on first run.
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}
	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}
	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}
	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}
	if err := app.seedData(); err != nil {
		return nil, fmt.Errorf("failed to seed data: %w", err)
	}

	return app, nil
}

// NewAppCLI creates a lightweight app for interactive CLI/TUI/REPL mode.
// Only initializes: DB (silent), tools, LLM router, agent loop, prompt engine.
// Skips: HTTP server, gRPC server, seed data.
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initRepositoriesSilent(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}
	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}
	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	// No initInterfaces (HTTP/gRPC) — interactive mode doesn't need servers.
	// No seedData — avoid noisy DB writes on every CLI launch.
	return app, nil
}

func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories")

	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.sessionRepo = persistence.NewGormSessionRepository(db)
	return nil
}

// initRepositoriesSilent initializes repositories with quiet DB logging (CLI mode).
func (app *App) initRepositoriesSilent() error {
	db, err := persistence.NewDBConnectionSilent(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.sessionRepo = persistence.NewGormSessionRepository(db)
	return nil
}

func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	app.agentSelector = service.NewDefaultAgentSelector(app.agentRepo)
	app.messageRouter = service.NewDefaultMessageRouter(app.agentSelector)

	// Event Bus (§4.1), Permission Manager (§4.2), Doom-Loop Detector
	// (§4.3) — constructed here so initInfrastructure can hand them to the
	// Tool Dispatcher below.
	app.eventBus = eventbus.NewInMemoryBus(app.logger, 256)
	app.permissions = service.NewPermissionManager(app.eventBus, app.logger)
	app.seedPermissionRules()
	app.doomLoop = service.NewDoomLoopDetector()

	return nil
}

// seedPermissionRules bridges the legacy SecurityConfig (approval_mode,
// trusted_tools, dangerous_tools from config.yaml; trusted_commands is not
// bridged) into PermissionRules and prepends them ahead of the spec's DefaultRules(),
// which NewPermissionManager already seeded. Rules are matched
// first-match-wins (P4), so the config-derived rules — what an operator
// actually tuned — take precedence over the generic Kind-based fallback.
func (app *App) seedPermissionRules() {
	secCfg := app.config.Agent.Security

	var rules []valueobject.PermissionRule
	switch secCfg.ApprovalMode {
	case "auto":
		rules = append(rules, valueobject.PermissionRule{
			ToolPattern: "*", ActionPattern: "*", Decision: valueobject.DecisionAllow,
		})
	case "ask_dangerous", "ask_all":
		for _, t := range secCfg.TrustedTools {
			rules = append(rules, valueobject.PermissionRule{
				ToolPattern: t, ActionPattern: "*", Decision: valueobject.DecisionAllow,
			})
		}
		for _, d := range secCfg.DangerousTools {
			rules = append(rules, valueobject.PermissionRule{
				ToolPattern: d, ActionPattern: "*", Decision: valueobject.DecisionAsk,
			})
		}
	}

	if len(rules) == 0 {
		return
	}
	if err := app.permissions.PrependRules(rules); err != nil {
		app.logger.Warn("Failed to seed config-derived permission rules", zap.Error(err))
	}
}

func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	// Tool registry + executor.
	app.toolRegistry = domaintool.NewInMemoryRegistry()
	homeDir, _ := os.UserHomeDir()
	systemSkillsDir := filepath.Join(homeDir, ".agentrunner", "skills")

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		sbxCfg.Timeout = app.config.Agent.Runtime.ToolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}
	app.sandbox = sbx

	// Tool Dispatcher (§4.6): the real seven-step pipeline — normalize
	// name, doom-loop check, permission check, sandbox resolution,
	// execute, truncate, event publish. This is the ToolExecutor every
	// interface and the agent loop are handed; it replaces the old flat
	// toolBridge pass-through.
	defaultLoopCfg := service.DefaultAgentLoopConfig()
	app.dispatcher = toolpkg.NewDispatcher(
		app.toolRegistry,
		app.permissions,
		app.doomLoop,
		sbx,
		app.eventBus,
		app.logger,
		toolpkg.DispatcherConfig{
			MaxParallelTools: defaultLoopCfg.MaxParallelTools,
			MaxOutputChars:   defaultLoopCfg.MaxOutputChars,
			ToolTimeout:      app.config.Agent.Runtime.ToolTimeout,
		},
	)

	// LLM router (modular provider factory with failover).
	// Must be initialized before RegisterAllTools, since the subagent tool depends on it.
	creds, credErr := config.LoadCredentials()
	if credErr != nil {
		app.logger.Warn("Credentials file unreadable, falling back to config keys", zap.Error(credErr))
	}
	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   config.ResolveAPIKey(p.Name, creds, p.APIKey),
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM router initialized",
		zap.Int("providers", len(app.config.Agent.Providers)),
	)

	// Sideload modules: subprocess bridges discovered from
	// ~/.agentrunner/modules manifests. A module can contribute tools
	// (registered into the shared registry) and LLM providers (proxied
	// over JSON-RPC and added to the router).
	app.sideloadMgr = sideload.NewManager(app.toolRegistry, app.logger)
	app.sideloadMgr.SetProjectDir(app.config.Agent.Workspace)
	if err := app.sideloadMgr.DiscoverAndStart(context.Background()); err != nil {
		app.logger.Warn("Sideload module discovery failed", zap.Error(err))
	}
	for name := range app.sideloadMgr.ListModules() {
		mod, ok := app.sideloadMgr.GetModule(name)
		if !ok {
			continue
		}
		if caps := mod.Capabilities(); caps != nil {
			for _, p := range caps.Providers {
				app.llmRouter.AddProvider(llm.NewSideloadProxyProvider(app.sideloadMgr, p.ID, p.Models, app.logger))
			}
		}
	}

	// MCP manager (hot-pluggable, reads ~/.agentrunner/mcp.json).
	mcpConfigPath := filepath.Join(homeDir, ".agentrunner", "mcp.json")
	app.mcpManager = toolpkg.NewMCPManager(mcpConfigPath, app.toolRegistry, app.logger)

	// Unified tool registration (single entry point).
	subMaxSteps := app.config.Agent.Runtime.SubAgentMaxSteps
	if subMaxSteps <= 0 {
		subMaxSteps = 20
	}
	// Pick the first available provider for research-tool summarization.
	var researchURL, researchKey, researchModel string
	if len(app.config.Agent.Providers) > 0 {
		p := app.config.Agent.Providers[0]
		researchURL = p.BaseURL
		researchKey = p.APIKey
		if len(p.Models) > 0 {
			// Strip provider prefix, e.g. "bailian/qwen3-coder-plus" -> "qwen3-coder-plus".
			model := p.Models[0]
			if idx := strings.Index(model, "/"); idx >= 0 {
				model = model[idx+1:]
			}
			researchModel = model
		}
	}

	// Semantic memory (optional): ollama embeddings + a lancedb store,
	// surfaced to the model as the memory_search tool.
	var memoryManager *memory.MemoryManager
	if app.config.Memory.Enabled {
		embedder, err := embedding.NewOllamaEmbedder(app.config.Memory.OllamaURL, app.config.Memory.EmbedModel, app.logger)
		if err != nil {
			app.logger.Warn("Memory embedder init failed, memory_search disabled", zap.Error(err))
		} else {
			var store memory.VectorStore
			if app.config.Memory.StoreType == "memory" {
				store = memory.NewInMemoryVectorStore()
			} else {
				lance, err := vectorstore.NewLanceDBVectorStore(app.config.Memory.StorePath, embedder.Dimension(), app.logger)
				if err != nil {
					app.logger.Warn("LanceDB store init failed, memory_search disabled", zap.Error(err))
				} else {
					store = lance
				}
			}
			if store != nil {
				memoryManager = memory.NewMemoryManager(store, embedder)
			}
		}
	}

	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:         app.toolRegistry,
		Sandbox:          sbx,
		SkillExec:        nil,
		PythonEnv:        app.config.PythonEnv,
		SkillsDir:        systemSkillsDir,
		ResearchLLMURL:   researchURL,
		ResearchLLMKey:   researchKey,
		ResearchLLMModel: researchModel,
		Workspace:        app.config.Agent.Workspace,
		MCPManager:       app.mcpManager,
		MemoryManager:    memoryManager,
		SubAgent: &toolpkg.SubAgentDeps{
			LLMClient:    app.llmRouter,
			ToolExecutor: app.dispatcher,
			DefaultModel: app.config.Agent.DefaultModel,
			MaxSteps:     subMaxSteps,
			Timeout:      app.config.Agent.Runtime.SubAgentTimeout,
		},
		Logger: app.logger,
	})

	// Runtime metrics (Prometheus text endpoint + debug dashboard).
	app.monitor = monitoring.NewMonitor(app.logger)

	// Plugin loader: ~/.agentrunner/plugins manifests, hot-reloaded.
	pluginLoader, plErr := plugin.NewLoader(&plugin.LoaderConfig{
		PluginDir:     filepath.Join(homeDir, ".agentrunner", "plugins"),
		EnableHotLoad: true,
	}, app.logger)
	if plErr != nil {
		app.logger.Warn("Plugin loader init failed", zap.Error(plErr))
	} else {
		plugin.RegisterBuiltinPlugins(pluginLoader)
		if err := pluginLoader.LoadAll(context.Background()); err != nil {
			app.logger.Warn("Plugin load failed", zap.Error(err))
		}
		app.pluginLoader = pluginLoader
	}

	// Prompt engine (hot-pluggable system prompt assembly — system + workspace layers).
	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt engine discovery failed, will use empty system prompt",
			zap.Error(err),
		)
	}

	return nil
}

func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	// ProcessMessageUseCase: legacy HTTP/REPL path that talks to the LLM router directly.
	app.processMessageUseCase = usecase.NewProcessMessageUseCase(
		app.sessionRepo,
		app.messageRouter,
		app.llmRouter,
		app.logger,
	)

	// Agent loop (the Streaming Loop, §4.8): LLM router + Tool Dispatcher.
	// app.dispatcher implements BatchToolExecutor, so a whole turn's tool
	// calls go through the permission/doom-loop/sandbox pipeline in one
	// DispatchTurn instead of the loop's own hook-gated fallback path.
	loopTools := app.dispatcher

	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = app.config.Agent.DefaultModel

	// Bridge per-model policy overrides from config.yaml.
	if len(app.config.Agent.ModelPolicies) > 0 {
		loopCfg.ModelPolicies = make(map[string]*service.ModelPolicyOverride)
		for key, cfgPolicy := range app.config.Agent.ModelPolicies {
			override := &service.ModelPolicyOverride{
				RepairToolPairing:   cfgPolicy.RepairToolPairing,
				EnforceTurnOrdering: cfgPolicy.EnforceTurnOrdering,
				ReasoningFormat:     cfgPolicy.ReasoningFormat,
				ProgressInterval:    cfgPolicy.ProgressInterval,
				ProgressEscalation:  cfgPolicy.ProgressEscalation,
				PromptStyle:         cfgPolicy.PromptStyle,
				SystemRoleSupport:   cfgPolicy.SystemRoleSupport,
				ThinkingTagHint:     cfgPolicy.ThinkingTagHint,
			}
			loopCfg.ModelPolicies[key] = override
		}
	}
	if app.config.Agent.Guardrails.LoopDetectThreshold > 0 {
		loopCfg.DoomLoopThreshold = app.config.Agent.Guardrails.LoopDetectThreshold
		loopCfg.LoopDetectThreshold = app.config.Agent.Guardrails.LoopDetectThreshold
	}
	if app.config.Agent.Guardrails.LoopDetectWindow > 0 {
		loopCfg.LoopWindowSize = app.config.Agent.Guardrails.LoopDetectWindow
	}

	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if app.config.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = app.config.Agent.Runtime.RetryBaseWait
	}

	if app.config.Agent.Compaction.MessageThreshold > 0 {
		loopCfg.CompactThreshold = app.config.Agent.Compaction.MessageThreshold
	}
	if app.config.Agent.Compaction.KeepRecent > 0 {
		loopCfg.CompactKeepLast = app.config.Agent.Compaction.KeepRecent
	}

	app.agentLoop = service.NewAgentLoop(
		app.llmRouter,
		loopTools,
		loopCfg,
		app.logger,
	)
	app.logger.Info("Agent loop initialized",
		zap.String("model", loopCfg.Model),
	)

	// Permission manager (spec §4.2), wired as the agent loop's approval hook.
	app.securityHook = service.NewSecurityHook(
		app.config.Agent.Security,
		nil, // approvalFunc is attached by each interface (HTTP/CLI) as it comes up.
		app.logger,
	)
	app.agentLoop.SetHooks(service.NewHookChain(
		app.securityHook,
		monitoring.NewMetricsHook(app.monitor),
	))

	// Bridge the Permission Manager's Ask cycle to whatever interactive
	// approval UI an interface has attached to securityHook. The
	// Dispatcher is the one that calls permissions.Check and suspends on
	// Ask; this subscription is what resumes it by answering Respond.
	app.eventBus.Subscribe(eventbus.EventTypePermissionRequest, func(ctx context.Context, ev eventbus.Event) {
		payload, ok := ev.Payload().(eventbus.PermissionRequestPayload)
		if !ok {
			return
		}
		if app.permissionUIAttached.Load() {
			// A Runner is forwarding requests to its interface and will
			// answer via the PermissionResponse action.
			return
		}
		fn := app.securityHook.ApprovalFunc()
		if fn == nil {
			// No interface has attached an approval UI yet; auto-allow
			// rather than leaving the check suspended forever.
			_ = app.permissions.Respond(ctx, payload.CheckID, true, false)
			return
		}
		go func() {
			allowed, err := fn(ctx, payload.Tool, map[string]interface{}{
				"action":      payload.Action,
				"path":        payload.Path,
				"description": payload.Description,
			})
			if err != nil {
				allowed = false
			}
			_ = app.permissions.Respond(ctx, payload.CheckID, allowed, false)
		}()
	})

	// Middleware pipeline (data-transformation hooks around LLM calls).
	mwPipeline := service.NewMiddlewarePipeline(app.logger)
	mwPipeline.Use(
		service.NewDanglingToolCallMiddleware(app.logger),
	)
	app.agentLoop.SetMiddleware(mwPipeline)
	app.logger.Info("Middleware pipeline configured",
		zap.Int("middlewares", mwPipeline.Len()),
	)

	return nil
}

// sessionIDKey is a context key for passing a session identifier down to
// the security hook, so interactive approval prompts can be routed to the
// right caller.
type sessionIDKey struct{}

// WithSessionID stores a session identifier in the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext extracts the session identifier from the context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	loopToolsBridge := app.dispatcher
	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Gateway.Host,
			Port: app.config.Gateway.Port,
			Mode: app.config.Gateway.Mode,
		},
		app.processMessageUseCase,
		app.agentLoop,
		loopToolsBridge,
		app.promptEngine,
		app.monitor,
		app.pluginLoader,
		app.logger,
	)

	grpcPort := app.config.Agent.GRPCPort
	if grpcPort == 0 {
		grpcPort = 50052
	}
	loopTools := app.dispatcher
	app.grpcAgentSrv = agentgrpc.NewServer(app.agentLoop, loopTools, grpcPort, app.logger)
	app.logger.Info("gRPC agent server created", zap.Int("port", grpcPort))

	return nil
}

func (app *App) seedData() error {
	app.logger.Info("Seeding default data")

	ctx := context.Background()

	defaultAgent, err := entity.NewAgent(
		"default",
		"Default Agent",
		valueobject.DefaultModelConfig(),
	)
	if err != nil {
		return fmt.Errorf("failed to create default agent: %w", err)
	}

	if err := app.agentRepo.Save(ctx, defaultAgent); err != nil {
		return fmt.Errorf("failed to save default agent: %w", err)
	}

	app.logger.Info("Default agent created",
		zap.String("id", defaultAgent.ID()),
		zap.String("name", defaultAgent.Name()),
	)

	return nil
}

// Start launches the HTTP and gRPC facades.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	go app.monitor.StartCollector(ctx, time.Minute)

	if app.pluginLoader != nil {
		go func() {
			if err := app.pluginLoader.StartWatching(ctx); err != nil {
				app.logger.Warn("Plugin watcher stopped", zap.Error(err))
			}
		}()
	}

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if app.grpcAgentSrv != nil {
		if err := app.grpcAgentSrv.Start(); err != nil {
			app.logger.Warn("gRPC agent server failed to start", zap.Error(err))
		}
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop shuts down the HTTP and gRPC facades and closes the database connection.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.sideloadMgr != nil {
		app.sideloadMgr.StopAll(ctx)
	}

	if app.grpcAgentSrv != nil {
		app.grpcAgentSrv.Stop()
	}

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// ProcessMessageUseCase returns the message processing usecase (used by REPL).
func (app *App) ProcessMessageUseCase() *usecase.ProcessMessageUseCase {
	return app.processMessageUseCase
}

// Logger returns the application logger.
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config.
func (app *App) AppConfig() *config.Config {
	return app.config
}

// AgentLoop returns the agent loop instance (used by CLI/TUI).
func (app *App) AgentLoop() *service.AgentLoop {
	return app.agentLoop
}

// PromptEngine returns the prompt engine (used by CLI/TUI).
func (app *App) PromptEngine() *prompt.PromptEngine {
	return app.promptEngine
}

// ToolRegistry returns the tool registry (used by CLI/TUI).
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}

// SecurityHook returns the permission manager so interfaces (CLI/HTTP) can
// attach their own interactive approval function.
func (app *App) SecurityHook() *service.SecurityHook {
	return app.securityHook
}
