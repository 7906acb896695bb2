package main

import (
	"fmt"
	"log/slog"

	"switchboard/internal/adapter/llm"
	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
)

// LLMComponents holds the configured providers.
type LLMComponents struct {
	Registry *llm.Registry
	Default  domain.ModelProvider
	Router   *llm.PreferenceRouter
}

// initLLM builds every configured provider, wraps each in a circuit breaker
// when enabled, and puts failover in front of the default.
func initLLM(cfg *config.Config, log *slog.Logger) (*LLMComponents, error) {
	registry := llm.NewRegistry()

	cbCfg := cfg.LLM.CircuitBreaker
	for _, pc := range cfg.LLM.Providers {
		var provider domain.ModelProvider = llm.NewOpenAIProvider(pc, log)
		if cbCfg.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, cbCfg, log)
		}
		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}
	if cbCfg.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cbCfg.MaxFailures,
			"timeout", cbCfg.Timeout,
			"interval", cbCfg.Interval,
		)
	}

	defaultLLM, err := registry.Get(cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("default llm provider: %w", err)
	}

	if len(cfg.LLM.Fallbacks) > 0 {
		var fallbacks []domain.ModelProvider
		for _, name := range cfg.LLM.Fallbacks {
			fb, err := registry.Get(name)
			if err != nil {
				return nil, fmt.Errorf("failover provider %s: %w", name, err)
			}
			fallbacks = append(fallbacks, fb)
		}
		defaultLLM = llm.NewFailoverProvider(defaultLLM, fallbacks, log)
		log.Info("model failover enabled", "fallbacks", cfg.LLM.Fallbacks)
	}

	return &LLMComponents{
		Registry: registry,
		Default:  defaultLLM,
		Router:   llm.NewPreferenceRouter(cfg.LLM.Preferences, registry, defaultLLM),
	}, nil
}
