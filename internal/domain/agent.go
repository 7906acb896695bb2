package domain

import (
	"context"
	"strings"
)

// SpecialistType is the primary key of a specialist template.
type SpecialistType string

// SupervisorType identifies the supervisor as a delegation source.
const SupervisorType SpecialistType = "supervisor"

// AgentIdentity describes a live agent instance.
type AgentIdentity struct {
	ID          string         `json:"id"          yaml:"id"`
	Name        string         `json:"name"        yaml:"name"`
	Emoji       string         `json:"emoji"       yaml:"emoji"`
	Role        string         `json:"role"        yaml:"role"`
	Description string         `json:"description" yaml:"description"`
	Type        SpecialistType `json:"type,omitempty" yaml:"type,omitempty"`
}

// NameKey is the case-insensitive lookup key for the identity name.
func (a AgentIdentity) NameKey() string {
	return strings.ToLower(strings.TrimSpace(a.Name))
}

// DelegationConfig controls who a specialist may hand work to and how it can be reached.
type DelegationConfig struct {
	CanDelegate bool `json:"can_delegate" yaml:"can_delegate"`
	// AllowedDelegates restricts targets; empty means unrestricted.
	AllowedDelegates     []SpecialistType `json:"allowed_delegates,omitempty" yaml:"allowed_delegates,omitempty"`
	SupervisorCanInvoke  bool             `json:"supervisor_can_invoke" yaml:"supervisor_can_invoke"`
	CommandOnly          bool             `json:"command_only"          yaml:"command_only"`
	CommandTrigger       string           `json:"command_trigger,omitempty" yaml:"command_trigger,omitempty"`
	RestrictedToWorkflow string           `json:"restricted_to_workflow,omitempty" yaml:"restricted_to_workflow,omitempty"`
}

// SpecialistTemplate is the immutable definition a worker is spawned from.
type SpecialistTemplate struct {
	Type     SpecialistType `json:"type"     yaml:"type"`
	Identity AgentIdentity  `json:"identity" yaml:"identity"`
	// CanAccessTools is an ordered list of tool-name patterns.
	CanAccessTools            []string         `json:"can_access_tools" yaml:"can_access_tools"`
	Delegation                DelegationConfig `json:"delegation"       yaml:"delegation"`
	CollapseResponseByDefault bool             `json:"collapse_response_by_default" yaml:"collapse_response_by_default"`
	AllowedSkills             []string         `json:"allowed_skills,omitempty" yaml:"allowed_skills,omitempty"`
	SystemPrompt              string           `json:"system_prompt,omitempty"  yaml:"system_prompt,omitempty"`
	// ModelPreference picks a provider by label ("fast", "powerful"); empty uses the default.
	ModelPreference string `json:"model_preference,omitempty" yaml:"model_preference,omitempty"`
	// ResultSchema, when set, is a JSON Schema the worker's final answer must satisfy.
	ResultSchema string `json:"result_schema,omitempty" yaml:"result_schema,omitempty"`
}

// AgentStatus is a read-only snapshot of a live agent.
type AgentStatus struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Emoji string         `json:"emoji,omitempty"`
	Role  string         `json:"role,omitempty"`
	Type  SpecialistType `json:"type,omitempty"`
}

// AgentCommunication is a message exchanged between live agents.
type AgentCommunication struct {
	From           string `json:"from"`
	To             string `json:"to,omitempty"`
	Kind           string `json:"kind"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// CommKindCompleted marks a note sent by a worker that finished its task.
const CommKindCompleted = "completed"

// AgentDirectory is the view of the registry given to registered agents.
type AgentDirectory interface {
	RouteCommunication(ctx context.Context, comm AgentCommunication, toAgentID string)
	BroadcastToAll(ctx context.Context, comm AgentCommunication, excludeAgentID string)
}

// Agent is a live participant in the registry.
type Agent interface {
	Identity() AgentIdentity
	// AttachRegistry is called exactly once, when the agent is registered.
	AttachRegistry(dir AgentDirectory)
	Receive(ctx context.Context, comm AgentCommunication) error
	Shutdown(ctx context.Context) error
}

// DelegationContext carries the surroundings of a delegated task.
type DelegationContext struct {
	ConversationID string         `json:"conversation_id"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	CallerKey      string         `json:"caller_key"`
	Source         SpecialistType `json:"source"`
}

// DelegationResult is the answer produced by a specialist worker.
type DelegationResult struct {
	AgentID   string         `json:"agent_id"`
	AgentName string         `json:"agent_name"`
	Type      SpecialistType `json:"type"`
	Content   string         `json:"content"`
	Collapsed bool           `json:"collapsed,omitempty"`
	Citations []Citation     `json:"citations,omitempty"`
}

// SpecialistWorker is an agent spawned to handle one delegated task.
type SpecialistWorker interface {
	Agent
	Init(ctx context.Context) error
	HandleDelegatedTask(ctx context.Context, msg Message, mission string, dc DelegationContext) (*DelegationResult, error)
}

// WorkerFactory spawns a worker for a template with a pre-assigned identity.
type WorkerFactory interface {
	NewWorker(tmpl SpecialistTemplate, identity AgentIdentity) (SpecialistWorker, error)
}
