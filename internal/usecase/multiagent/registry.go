package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"switchboard/internal/domain"
)

type registeredAgent struct {
	agent    domain.Agent
	identity domain.AgentIdentity
}

// Registry holds the specialist templates and every live agent.
//
// Templates are fixed at construction. The live-agent indexes (by ID and by
// lowercase name) are always updated together under one lock.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]registeredAgent
	byName map[string]string // lowercase name -> agent ID

	templates  map[domain.SpecialistType]domain.SpecialistTemplate
	exclusions []Exclusion
	logger     *slog.Logger
}

// NewRegistry creates a Registry from specialist templates. A nil exclusions
// slice selects DefaultExclusions.
func NewRegistry(templates []domain.SpecialistTemplate, exclusions []Exclusion, logger *slog.Logger) (*Registry, error) {
	if exclusions == nil {
		exclusions = DefaultExclusions
	}
	r := &Registry{
		byID:       make(map[string]registeredAgent),
		byName:     make(map[string]string),
		templates:  make(map[domain.SpecialistType]domain.SpecialistTemplate, len(templates)),
		exclusions: append([]Exclusion(nil), exclusions...),
		logger:     logger,
	}
	for _, t := range templates {
		if t.Type == "" {
			return nil, domain.NewDomainError("NewRegistry", domain.ErrInvalidInput, "template without type")
		}
		if _, dup := r.templates[t.Type]; dup {
			return nil, domain.NewSubSystemError("agent", "NewRegistry", domain.ErrDuplicate, string(t.Type))
		}
		r.templates[t.Type] = t
	}
	return r, nil
}

// Register adds a live agent and attaches the registry to it.
// Returns ErrDuplicate if the ID or the case-insensitive name is taken.
func (r *Registry) Register(agent domain.Agent) error {
	identity := agent.Identity()
	nameKey := identity.NameKey()

	r.mu.Lock()
	if _, exists := r.byID[identity.ID]; exists {
		r.mu.Unlock()
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, "id "+identity.ID)
	}
	if _, exists := r.byName[nameKey]; exists {
		r.mu.Unlock()
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, "name "+identity.Name)
	}
	r.byID[identity.ID] = registeredAgent{agent: agent, identity: identity}
	r.byName[nameKey] = identity.ID
	r.mu.Unlock()

	agent.AttachRegistry(r)
	r.logger.Info("agent registered", "agent_id", identity.ID, "name", identity.Name, "type", identity.Type)
	return nil
}

// Unregister removes an agent from both indexes using the identity captured
// at registration. Unknown IDs are ignored.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[agentID]
	if !ok {
		return
	}
	delete(r.byID, agentID)
	if r.byName[reg.identity.NameKey()] == agentID {
		delete(r.byName, reg.identity.NameKey())
	}
	r.logger.Info("agent removed", "agent_id", agentID, "name", reg.identity.Name)
}

// Agent returns the live agent with the given ID.
func (r *Registry) Agent(agentID string) (domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[agentID]
	return reg.agent, ok
}

// AgentByName returns the live agent with the given name, ignoring case.
func (r *Registry) AgentByName(name string) (domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return r.byID[id].agent, true
}

// List returns a status snapshot for every live agent, sorted by ID.
func (r *Registry) List() []domain.AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]domain.AgentStatus, 0, len(r.byID))
	for _, reg := range r.byID {
		statuses = append(statuses, domain.AgentStatus{
			ID:    reg.identity.ID,
			Name:  reg.identity.Name,
			Emoji: reg.identity.Emoji,
			Role:  reg.identity.Role,
			Type:  reg.identity.Type,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

// SpecialistTemplate returns the template for a type.
func (r *Registry) SpecialistTemplate(t domain.SpecialistType) (domain.SpecialistTemplate, bool) {
	tmpl, ok := r.templates[t]
	return tmpl, ok
}

// SpecialistTypes returns every known type, sorted.
func (r *Registry) SpecialistTypes() []domain.SpecialistType {
	types := make([]domain.SpecialistType, 0, len(r.templates))
	for t := range r.templates {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// FindSpecialistTypeByName matches a type or a template's identity name, ignoring case.
func (r *Registry) FindSpecialistTypeByName(name string) (domain.SpecialistType, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", false
	}
	for _, t := range r.SpecialistTypes() {
		tmpl := r.templates[t]
		if strings.ToLower(string(t)) == key || tmpl.Identity.NameKey() == key {
			return t, true
		}
	}
	return "", false
}

// ToolAccessForSpecialist resolves the effective capabilities of a type.
// Unknown types get every tool minus every exclusion.
func (r *Registry) ToolAccessForSpecialist(t domain.SpecialistType) ToolAccess {
	tmpl, ok := r.templates[t]
	if !ok || len(tmpl.CanAccessTools) == 0 {
		return resolveToolAccess([]string{wildcard}, r.exclusions)
	}
	return resolveToolAccess(tmpl.CanAccessTools, r.exclusions)
}

// CanSupervisorInvoke reports whether the supervisor may delegate to t on its own.
func (r *Registry) CanSupervisorInvoke(t domain.SpecialistType) bool {
	tmpl, ok := r.templates[t]
	return ok && tmpl.Delegation.SupervisorCanInvoke
}

// IsCommandOnly reports whether t is reachable only through its command trigger.
func (r *Registry) IsCommandOnly(t domain.SpecialistType) bool {
	tmpl, ok := r.templates[t]
	return ok && tmpl.Delegation.CommandOnly
}

// AutoDelegatableTypes lists the types the supervisor may pick without a command, sorted.
func (r *Registry) AutoDelegatableTypes() []domain.SpecialistType {
	var out []domain.SpecialistType
	for _, t := range r.SpecialistTypes() {
		if r.CanSupervisorInvoke(t) && !r.IsCommandOnly(t) {
			out = append(out, t)
		}
	}
	return out
}

// CommandTriggers maps each lowercase command trigger to its type.
func (r *Registry) CommandTriggers() map[string]domain.SpecialistType {
	out := make(map[string]domain.SpecialistType)
	for t, tmpl := range r.templates {
		if cmd := strings.ToLower(strings.TrimSpace(tmpl.Delegation.CommandTrigger)); cmd != "" {
			out[cmd] = t
		}
	}
	return out
}

// CanDelegate decides whether source may hand work to target. Checks run in
// order and the first failure is returned as a *DelegationDeniedError.
func (r *Registry) CanDelegate(source, target domain.SpecialistType, workflowID string) error {
	src, ok := r.templates[source]
	if !ok || !src.Delegation.CanDelegate {
		return &DelegationDeniedError{Source: source, Target: target, Rule: RuleNotDelegateCapable}
	}
	if allowed := src.Delegation.AllowedDelegates; len(allowed) > 0 {
		found := false
		for _, a := range allowed {
			if a == target {
				found = true
				break
			}
		}
		if !found {
			return &DelegationDeniedError{Source: source, Target: target, Rule: RuleTargetNotAllowed}
		}
	}
	if tgt, ok := r.templates[target]; ok {
		if wf := tgt.Delegation.RestrictedToWorkflow; wf != "" && wf != workflowID {
			return &DelegationDeniedError{Source: source, Target: target, Rule: RuleWorkflowMismatch, WorkflowID: workflowID}
		}
	}
	return nil
}

// RouteCommunication delivers comm to one live agent. A missing target is
// logged and otherwise ignored.
func (r *Registry) RouteCommunication(ctx context.Context, comm domain.AgentCommunication, toAgentID string) {
	agent, ok := r.Agent(toAgentID)
	if !ok {
		r.logger.Warn("communication target not registered", "from", comm.From, "to", toAgentID, "kind", comm.Kind)
		return
	}
	comm.To = toAgentID
	if err := agent.Receive(ctx, comm); err != nil {
		r.logger.Warn("agent rejected communication", "from", comm.From, "to", toAgentID, "error", err)
	}
}

// BroadcastToAll delivers comm to every live agent except the sender and
// excludeAgentID.
func (r *Registry) BroadcastToAll(ctx context.Context, comm domain.AgentCommunication, excludeAgentID string) {
	r.mu.RLock()
	targets := make([]registeredAgent, 0, len(r.byID))
	for id, reg := range r.byID {
		if id == comm.From || (excludeAgentID != "" && id == excludeAgentID) {
			continue
		}
		targets = append(targets, reg)
	}
	r.mu.RUnlock()

	for _, reg := range targets {
		c := comm
		c.To = reg.identity.ID
		if err := reg.agent.Receive(ctx, c); err != nil {
			r.logger.Warn("agent rejected broadcast", "from", comm.From, "to", reg.identity.ID, "error", err)
		}
	}
}

// Shutdown stops every live agent one at a time, then clears the registry.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	regs := make([]registeredAgent, 0, len(r.byID))
	for _, reg := range r.byID {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].identity.ID < regs[j].identity.ID })

	for _, reg := range regs {
		if err := reg.agent.Shutdown(ctx); err != nil {
			r.logger.Warn("agent shutdown failed", "agent_id", reg.identity.ID, "error", err)
		}
	}

	r.mu.Lock()
	r.byID = make(map[string]registeredAgent)
	r.byName = make(map[string]string)
	r.mu.Unlock()
	r.logger.Info("registry shut down", "agents", len(regs))
}

// DenialRule names the delegation check that failed.
type DenialRule string

const (
	RuleNotDelegateCapable DenialRule = "not_delegate_capable"
	RuleTargetNotAllowed   DenialRule = "target_not_allowed"
	RuleWorkflowMismatch   DenialRule = "workflow_mismatch"
	RuleNotInvokable       DenialRule = "not_supervisor_invokable"
)

// DelegationDeniedError reports a refused delegation and the rule that refused it.
type DelegationDeniedError struct {
	Source     domain.SpecialistType
	Target     domain.SpecialistType
	Rule       DenialRule
	WorkflowID string
}

func (e *DelegationDeniedError) Error() string {
	switch e.Rule {
	case RuleNotDelegateCapable:
		return fmt.Sprintf("delegation denied: %s cannot delegate", e.Source)
	case RuleTargetNotAllowed:
		return fmt.Sprintf("delegation denied: %s may not delegate to %s", e.Source, e.Target)
	case RuleWorkflowMismatch:
		return fmt.Sprintf("delegation denied: %s is restricted to another workflow (got %q)", e.Target, e.WorkflowID)
	case RuleNotInvokable:
		return fmt.Sprintf("delegation denied: supervisor cannot invoke %s", e.Target)
	default:
		return fmt.Sprintf("delegation denied: %s -> %s", e.Source, e.Target)
	}
}

// Is matches domain.ErrPermissionDenied.
func (e *DelegationDeniedError) Is(target error) bool {
	return target == domain.ErrPermissionDenied
}

// SubSystemCode resolves the error code reported to clients.
func (e *DelegationDeniedError) SubSystemCode() domain.ErrorCode {
	return domain.CodeFor("delegation", domain.ErrPermissionDenied)
}
