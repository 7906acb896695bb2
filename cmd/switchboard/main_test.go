package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"switchboard/internal/domain"
)

func TestConfigPath(t *testing.T) {
	t.Setenv("SWITCHBOARD_CONFIG", "")
	assert.Equal(t, "switchboard.yaml", configPath(nil))
	assert.Equal(t, "/etc/sb.yaml", configPath([]string{"--config", "/etc/sb.yaml"}))
	assert.Equal(t, "x.yaml", configPath([]string{"--config=x.yaml"}))

	t.Setenv("SWITCHBOARD_CONFIG", "env.yaml")
	assert.Equal(t, "env.yaml", configPath(nil))
	assert.Equal(t, "flag.yaml", configPath([]string{"--config", "flag.yaml"}))
}

func TestMergeTemplates(t *testing.T) {
	builtin := []domain.SpecialistTemplate{
		{Type: "researcher", Identity: domain.AgentIdentity{Name: "Scout"}},
		{Type: "writer", Identity: domain.AgentIdentity{Name: "Quill"}},
		{Type: "coder", Identity: domain.AgentIdentity{Name: "Forge"}},
	}
	configured := []domain.SpecialistTemplate{
		{Type: "writer", Identity: domain.AgentIdentity{Name: "Ink"}},
		{Type: "translator", Identity: domain.AgentIdentity{Name: "Babel"}},
	}

	got := mergeTemplates(builtin, configured, []string{"coder"})

	var names []string
	for _, tmpl := range got {
		names = append(names, tmpl.Identity.Name)
	}
	assert.Equal(t, []string{"Scout", "Ink", "Babel"}, names)
	assert.Equal(t, "Forge", builtin[2].Identity.Name, "input is not modified")
}

func TestRunEncryptRequiresKey(t *testing.T) {
	t.Setenv("SWITCHBOARD_CONFIG_KEY", "")
	assert.Error(t, runEncrypt([]string{"secret"}))
	assert.Error(t, runEncrypt(nil))
}
