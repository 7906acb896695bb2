package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSupervisor(cfg, ve)
	validateAgents(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateStore(cfg, ve)
	validateGateway(cfg, ve)
	validateScheduler(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateSupervisor(cfg *Config, ve *ValidationError) {
	s := cfg.Supervisor
	if strings.TrimSpace(s.ID) == "" {
		ve.Add("supervisor.id must not be empty")
	}
	if strings.Contains(s.ID, ":") {
		ve.Add("supervisor.id must not contain ':'")
	}
	if s.MaxToolIterations <= 0 {
		ve.Add("supervisor.max_tool_iterations must be > 0")
	}
	if s.ReuseWindow < 0 {
		ve.Add("supervisor.reuse_window must be >= 0")
	}
	if s.HistoryTokenBudget < 0 {
		ve.Add("supervisor.history_token_budget must be >= 0")
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		ve.Add("supervisor.temperature must be between 0 and 2")
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	a := cfg.Agents
	if a.MaxWorkers <= 0 {
		ve.Add("agents.max_workers must be > 0")
	}
	if a.WorkerTimeout <= 0 {
		ve.Add("agents.worker_timeout must be > 0")
	}
	if a.MaxWorkerIterations <= 0 {
		ve.Add("agents.max_worker_iterations must be > 0")
	}
	seen := make(map[string]bool)
	for i, t := range a.Templates {
		if t.Type == "" {
			ve.Add("agents.templates[%d].type must not be empty", i)
			continue
		}
		if seen[string(t.Type)] {
			ve.Add("agents.templates[%d]: duplicate type %q", i, t.Type)
		}
		seen[string(t.Type)] = true
		if strings.TrimSpace(t.Identity.Name) == "" {
			ve.Add("agents.templates[%d].identity.name must not be empty", i)
		}
		if t.Delegation.CommandOnly && t.Delegation.CommandTrigger == "" {
			ve.Add("agents.templates[%d]: command_only requires command_trigger", i)
		}
	}
	for i, ex := range a.Exclusions {
		if ex.Pattern == "" {
			ve.Add("agents.exclusions[%d].pattern must not be empty", i)
		}
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	names := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if names[p.Name] {
			ve.Add("llm.providers[%d]: duplicate name %q", i, p.Name)
		}
		names[p.Name] = true
		if p.BaseURL != "" {
			if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				ve.Add("llm.providers[%d].base_url %q is not an absolute URL", i, p.BaseURL)
			}
		}
		if p.ConnTimeout < 0 || p.RespTimeout < 0 {
			ve.Add("llm.providers[%d]: timeouts must be >= 0", i)
		}
	}
	if cfg.LLM.DefaultProvider != "" && !names[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q is not in llm.providers", cfg.LLM.DefaultProvider)
	}
	for _, fb := range cfg.LLM.Fallbacks {
		if !names[fb] {
			ve.Add("llm.fallbacks: unknown provider %q", fb)
		}
	}
	for pref, name := range cfg.LLM.Preferences {
		if name != "default" && !names[name] {
			ve.Add("llm.preferences.%s: unknown provider %q", pref, name)
		}
	}
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled && (cb.Timeout < 0 || cb.Interval < 0) {
		ve.Add("llm.circuit_breaker: durations must be >= 0")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.Timeout <= 0 {
		ve.Add("tools.timeout must be > 0")
	}
	if u := cfg.Tools.SearXNGURL; u != "" {
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			ve.Add("tools.searxng_url %q is not an absolute URL", u)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Store.Path) == "" {
		ve.Add("store.path must not be empty")
	}
	if cfg.Store.AuditRetention < 0 {
		ve.Add("store.audit_retention must be >= 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q: %v", g.Addr, err)
	}
	if len(g.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must contain at least one token")
	}
	for i, tok := range g.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}
	if g.MessagesPerMinute < 0 || g.MessageBurst < 0 || g.ConnectsPerMinute < 0 || g.ConnectBurst < 0 {
		ve.Add("gateway rate limits must be >= 0")
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	names := make(map[string]bool)
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name must not be empty", i)
		} else if names[t.Name] {
			ve.Add("scheduler.tasks[%d]: duplicate name %q", i, t.Name)
		}
		names[t.Name] = true
		if strings.TrimSpace(t.Prompt) == "" {
			ve.Add("scheduler.tasks[%d].prompt must not be empty", i)
		}
		if !validSchedule(t.Schedule) {
			ve.Add("scheduler.tasks[%d].schedule %q is neither a cron expression nor a positive duration", i, t.Schedule)
		}
	}
}

func validSchedule(s string) bool {
	if d, err := time.ParseDuration(s); err == nil {
		return d > 0
	}
	_, err := cronParser.Parse(s)
	return err == nil
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
	validExporters  = map[string]bool{"noop": true, "stdout": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.Enabled && !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q must be noop or stdout", cfg.Tracer.Exporter)
	}
}
