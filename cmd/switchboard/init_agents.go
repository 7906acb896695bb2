package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"switchboard/internal/adapter/store"
	"switchboard/internal/adapter/tool"
	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
	"switchboard/internal/infra/logger"
	"switchboard/internal/usecase/events"
	"switchboard/internal/usecase/multiagent"
	"switchboard/internal/usecase/scheduling"
	"switchboard/internal/usecase/specialist"
	"switchboard/internal/usecase/supervisor"
)

// AgentComponents holds the multi-agent runtime.
type AgentComponents struct {
	Registry *multiagent.Registry
	Broker   *multiagent.Broker
	Hub      *tool.Hub
	Events   *events.Service
}

// initAgents builds the tool hub, the specialist registry and the broker.
func initAgents(cfg *config.Config, db *store.DB, bus domain.EventBus, ch domain.RealtimeChannel, llmComp *LLMComponents, log *slog.Logger) (*AgentComponents, error) {
	templates := mergeTemplates(multiagent.BuiltinTemplates(), cfg.Agents.Templates, cfg.Agents.Disabled)

	var exclusions []multiagent.Exclusion
	for _, ex := range cfg.Agents.Exclusions {
		exclusions = append(exclusions, multiagent.Exclusion{Pattern: ex.Pattern, Reason: ex.Reason})
	}
	registry, err := multiagent.NewRegistry(templates, exclusions, logger.Component(log, "registry"))
	if err != nil {
		return nil, err
	}

	tools := tool.NewRegistry(logger.Component(log, "tools"))
	hub := tool.NewHub(tools, bus, tool.HubConfig{
		PrivateTools: cfg.Tools.PrivateTools,
		Timeout:      cfg.Tools.Timeout,
	}, logger.Component(log, "hub"))

	emitter := events.NewService(ch, db.Messages(), hub, logger.Component(log, "events"))

	factory := specialist.NewFactory(specialist.Config{
		MaxIterations: cfg.Agents.MaxWorkerIterations,
		Timeout:       cfg.Agents.WorkerTimeout,
		MaxTokens:     cfg.Supervisor.MaxTokens,
		Temperature:   cfg.Supervisor.Temperature,
	}, llmComp.Router, hub, registry, logger.Component(log, "specialist"))

	broker := multiagent.NewBroker(registry, factory, emitter, cfg.Agents.MaxWorkers, logger.Component(log, "broker"))

	if err := registerTools(cfg, tools, db, broker, registry, log); err != nil {
		return nil, err
	}

	return &AgentComponents{Registry: registry, Broker: broker, Hub: hub, Events: emitter}, nil
}

func registerTools(cfg *config.Config, tools *tool.Registry, db *store.DB, broker *multiagent.Broker, registry *multiagent.Registry, log *slog.Logger) error {
	toolLog := logger.Component(log, "tools")
	list := []domain.Tool{
		tool.NewMemoryWriteTool(db.Memory(), toolLog),
		tool.NewMemorySearchTool(db.Memory(), toolLog),
		tool.NewDelegateTool(broker, registry, toolLog),
		tool.NewSpecialistsTool(registry, toolLog),
	}
	if cfg.Tools.SearXNGURL != "" {
		backend := tool.NewSearXNGBackend(cfg.Tools.SearXNGURL, &http.Client{Timeout: cfg.Tools.Timeout}, toolLog)
		list = append(list, tool.NewWebSearchTool(backend, cfg.Tools.SearchCache, toolLog))
	} else {
		log.Info("web search disabled, no searxng_url configured")
	}

	for _, t := range list {
		if err := tools.Register(t); err != nil {
			return fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}
	return nil
}

// mergeTemplates overlays configured templates on the built-ins by type and
// drops disabled types. Built-in order is kept; new types follow in config
// order.
func mergeTemplates(builtin, configured []domain.SpecialistTemplate, disabled []string) []domain.SpecialistTemplate {
	out := make([]domain.SpecialistTemplate, 0, len(builtin)+len(configured))
	index := make(map[domain.SpecialistType]int)
	for _, t := range builtin {
		index[t.Type] = len(out)
		out = append(out, t)
	}
	for _, t := range configured {
		if i, ok := index[t.Type]; ok {
			out[i] = t
			continue
		}
		index[t.Type] = len(out)
		out = append(out, t)
	}
	return slices.DeleteFunc(out, func(t domain.SpecialistTemplate) bool {
		return slices.Contains(disabled, string(t.Type))
	})
}

func initScheduler(cfg *config.Config, emitter *events.Service, dispatcher *supervisor.Dispatcher, log *slog.Logger) (*scheduling.Scheduler, error) {
	sched := scheduling.NewScheduler(emitter, dispatcher, log)
	for _, t := range cfg.Scheduler.Tasks {
		if err := sched.AddTask(scheduling.Task{
			Name:     t.Name,
			Schedule: t.Schedule,
			Prompt:   t.Prompt,
			OneShot:  t.OneShot,
		}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
