package tool

import (
	"log/slog"
	"sort"
	"sync"

	"switchboard/internal/domain"
)

// Registry holds named tools and their compiled input schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]domain.Tool
	schemas *SchemaSet
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]domain.Tool),
		schemas: NewSchemaSet(),
		logger:  logger,
	}
}

// Register adds a tool. A schema that fails to compile disables input
// validation for that tool and is logged.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, "tool "+name)
	}
	if err := r.schemas.Add(name, t.Schema().Parameters); err != nil {
		r.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
	}
	r.tools[name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Validate checks input against the tool's schema.
func (r *Registry) Validate(name string, input []byte) error {
	return r.schemas.Validate(name, input)
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns all tool schemas for LLM function-calling, sorted by name.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}
