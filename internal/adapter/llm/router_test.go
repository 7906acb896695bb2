package llm

import (
	"errors"
	"testing"

	"switchboard/internal/domain"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeProvider{name: "b"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Register(&fakeProvider{name: "a"})
	if err := r.Register(&fakeProvider{name: "a"}); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("duplicate error = %v", err)
	}
	if names := r.List(); len(names) != 2 || names[0] != "a" {
		t.Errorf("List = %v", names)
	}
	if _, err := r.Get("zzz"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get(zzz) = %v", err)
	}
}

func TestPreferenceRouter(t *testing.T) {
	reg := NewRegistry()
	fast := &fakeProvider{name: "fast-model"}
	reg.Register(fast)
	def := &fakeProvider{name: "default-model"}

	r := NewPreferenceRouter(map[string]string{"fast": "fast-model", "broken": "missing"}, reg, def)

	tests := []struct {
		pref string
		want domain.ModelProvider
	}{
		{"fast", fast},
		{"", def},
		{"default", def},
		{"unknown", def},
	}
	for _, tt := range tests {
		got, err := r.Route(tt.pref)
		if err != nil || got != tt.want {
			t.Errorf("Route(%q) = %v, %v", tt.pref, got, err)
		}
	}

	if _, err := r.Route("broken"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Route(broken) = %v", err)
	}
	if _, err := NewPreferenceRouter(nil, reg, nil).Route(""); err == nil {
		t.Error("expected error without fallback")
	}
}
