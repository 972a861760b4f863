package server

import (
	"context"
	"fmt"
	"os"

	"github.com/carapace-sec/carapace/internal/agent"
	"github.com/carapace-sec/carapace/internal/approval"
	"github.com/carapace-sec/carapace/internal/channel"
	"github.com/carapace-sec/carapace/internal/classifier"
	"github.com/carapace-sec/carapace/internal/command"
	"github.com/carapace-sec/carapace/internal/config"
	"github.com/carapace-sec/carapace/internal/engine"
	"github.com/carapace-sec/carapace/internal/gate"
	"github.com/carapace-sec/carapace/internal/logging"
	"github.com/carapace-sec/carapace/internal/provider"
	"github.com/carapace-sec/carapace/internal/rule"
	"github.com/carapace-sec/carapace/internal/session"
	"github.com/carapace-sec/carapace/internal/storage"
	"github.com/carapace-sec/carapace/internal/tool"
)

// ErrConfig marks an unrecoverable configuration problem.
var ErrConfig = fmt.Errorf("configuration error")

// Bootstrap assembles the full pipeline: storage, rules, providers,
// classifier, engine, approval gate, session manager, orchestrator,
// agent loop, and the HTTP server. port overrides the configured port
// when positive.
func Bootstrap(ctx context.Context, port int) (*Server, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	cfg, err := config.Load(paths)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Pretty:    cfg.Log.Pretty,
		LogToFile: cfg.Log.ToFile,
	})
	log := logging.Component("bootstrap")

	token, err := paths.LoadOrCreateToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	rules, err := rule.NewStore(paths.RulesPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := rules.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("rule hot-reload unavailable")
	}
	log.Info().Int("rules", rules.Current().Len()).Str("data_dir", paths.Root).Msg("rules loaded")

	providers := provider.Initialize(ctx, cfg)

	// The classifier and rule evaluator share the fast auxiliary model.
	// When it is unavailable the pipeline degrades conservatively.
	var auxClient classifier.ModelClient
	var auxModel string
	if p, modelID, err := providers.Resolve(cfg.Model.Classifier); err == nil {
		auxClient = p
		auxModel = modelID
	} else {
		log.Warn().Err(err).Msg("auxiliary model unavailable; classification degrades to conservative defaults")
	}

	cls := classifier.New(auxClient, auxModel, cfg.Security.ArgsBudget)
	eval := engine.NewLLMEvaluator(auxClient, auxModel)
	eng := engine.New(rules, eval)

	store := storage.New(paths.Root)
	sessions := session.NewManager(store)
	approvals := approval.NewGate(cfg.Security.ApprovalTimeout)
	channels := channel.NewRegistry()

	workDir, err := os.Getwd()
	if err != nil {
		workDir = paths.Root
	}
	tools := tool.DefaultRegistry(workDir)

	orchestrator := gate.New(cls, eng, approvals, channels, tools, cfg.Security.HistoryContextEntries)
	loop := agent.New(providers, cfg.Model.Agent, tools, orchestrator, sessions, workDir)
	commands := command.NewExecutor(rules, sessions, approvals, eng, channels)

	serverConfig := DefaultConfig()
	serverConfig.Port = cfg.Server.Port
	serverConfig.EnableCORS = cfg.Server.EnableCORS

	return New(serverConfig, token, sessions, approvals, channels, commands, loop, cfg.Retention), nil
}
