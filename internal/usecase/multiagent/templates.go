package multiagent

import "switchboard/internal/domain"

// Built-in specialist types.
const (
	TypeResearcher domain.SpecialistType = "researcher"
	TypeWriter     domain.SpecialistType = "writer"
	TypeCoder      domain.SpecialistType = "coder"
	TypeAnalyst    domain.SpecialistType = "analyst"
	TypeArchivist  domain.SpecialistType = "archivist"
	TypeReviewer   domain.SpecialistType = "reviewer"
)

const analystResultSchema = `{
  "type": "object",
  "required": ["summary", "findings"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "findings": {"type": "array", "items": {"type": "string"}}
  }
}`

// BuiltinTemplates returns the default specialist roster.
func BuiltinTemplates() []domain.SpecialistTemplate {
	return []domain.SpecialistTemplate{
		{
			Type: TypeResearcher,
			Identity: domain.AgentIdentity{
				Name: "Scout", Emoji: "🔎", Role: "Researcher",
				Description: "Finds and cites sources on the web and in long-term memory.",
			},
			CanAccessTools: []string{"web_*", "memory_search"},
			Delegation: domain.DelegationConfig{
				SupervisorCanInvoke: true,
				CommandTrigger:      "research",
			},
			CollapseResponseByDefault: true,
			SystemPrompt:              "You are a research specialist. Cite every source you rely on.",
		},
		{
			Type: TypeWriter,
			Identity: domain.AgentIdentity{
				Name: "Quill", Emoji: "✍️", Role: "Writer",
				Description: "Drafts and edits prose.",
			},
			CanAccessTools: []string{"memory_search"},
			Delegation: domain.DelegationConfig{
				SupervisorCanInvoke: true,
				CommandTrigger:      "write",
			},
			SystemPrompt: "You are a writing specialist. Produce clear, well-structured prose.",
		},
		{
			Type: TypeCoder,
			Identity: domain.AgentIdentity{
				Name: "Forge", Emoji: "🛠️", Role: "Engineer",
				Description: "Writes and explains code; may ask the researcher for references.",
			},
			CanAccessTools: []string{"*", "delegate_task"},
			Delegation: domain.DelegationConfig{
				CanDelegate:         true,
				AllowedDelegates:    []domain.SpecialistType{TypeResearcher},
				SupervisorCanInvoke: true,
				CommandTrigger:      "code",
			},
			SystemPrompt: "You are a software engineering specialist.",
		},
		{
			Type: TypeAnalyst,
			Identity: domain.AgentIdentity{
				Name: "Ledger", Emoji: "📊", Role: "Analyst",
				Description: "Summarizes data into findings.",
			},
			CanAccessTools: []string{"memory_search", "web_*"},
			Delegation: domain.DelegationConfig{
				SupervisorCanInvoke: true,
			},
			SystemPrompt: "You are an analyst. Answer with a JSON object {\"summary\": string, \"findings\": [string]}.",
			ResultSchema: analystResultSchema,
		},
		{
			Type: TypeArchivist,
			Identity: domain.AgentIdentity{
				Name: "Keeper", Emoji: "🗄️", Role: "Archivist",
				Description: "Curates long-term memory on request.",
			},
			CanAccessTools: []string{"memory_search", "memory_write"},
			Delegation: domain.DelegationConfig{
				CommandOnly:    true,
				CommandTrigger: "remember",
			},
			SystemPrompt: "You maintain the long-term memory. Store only durable facts.",
		},
		{
			Type: TypeReviewer,
			Identity: domain.AgentIdentity{
				Name: "Warden", Emoji: "🛡️", Role: "Reviewer",
				Description: "Reviews release candidates.",
			},
			CanAccessTools: []string{"memory_search"},
			Delegation: domain.DelegationConfig{
				RestrictedToWorkflow: "release-review",
			},
			SystemPrompt: "You review release candidates and list blocking issues first.",
		},
	}
}
