package multiagent

import (
	"io"
	"log/slog"
	"strings"

	"switchboard/internal/domain"
)

// discardLogger returns a no-op logger for components created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CommandMatch is a message routed to a specialist by its command trigger.
type CommandMatch struct {
	Command string
	Type    domain.SpecialistType
	Mission string
}

// CommandRouter maps explicit command triggers to specialist types.
// The metadata command wins; otherwise a leading "/command" token in the
// content is tried. Unknown commands do not match.
type CommandRouter struct {
	registry *Registry
	logger   *slog.Logger
}

// NewCommandRouter creates a router over the registry's command triggers.
func NewCommandRouter(registry *Registry, logger *slog.Logger) *CommandRouter {
	if logger == nil {
		logger = discardLogger()
	}
	return &CommandRouter{registry: registry, logger: logger}
}

// Match returns the specialist bound to the message's command, if any.
func (r *CommandRouter) Match(msg domain.Message) (CommandMatch, bool) {
	triggers := r.registry.CommandTriggers()

	if cmd := msg.Metadata.AgentCommand; cmd != nil {
		name := normalizeCommand(cmd.Command)
		if t, ok := triggers[name]; ok {
			r.logger.Debug("command trigger matched", "command", name, "type", t, "source", "metadata")
			return CommandMatch{Command: name, Type: t, Mission: strings.TrimSpace(msg.Content)}, true
		}
		r.logger.Debug("unknown command trigger", "command", name)
	}

	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, "/") {
		return CommandMatch{}, false
	}
	rest := content[1:]
	name, mission := rest, ""
	if idx := strings.IndexAny(rest, " \n\t"); idx >= 0 {
		name, mission = rest[:idx], strings.TrimSpace(rest[idx+1:])
	}
	name = normalizeCommand(name)
	t, ok := triggers[name]
	if !ok {
		r.logger.Debug("unknown command prefix", "command", name)
		return CommandMatch{}, false
	}
	if mission == "" {
		mission = content
	}
	r.logger.Debug("command trigger matched", "command", name, "type", t, "source", "content")
	return CommandMatch{Command: name, Type: t, Mission: mission}, true
}

func normalizeCommand(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
}
