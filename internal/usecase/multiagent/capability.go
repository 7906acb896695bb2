package multiagent

import (
	"strings"

	"github.com/gobwas/glob"
)

// Exclusion is a capability withheld from specialists unless their template
// grants it explicitly.
type Exclusion struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Reason  string `json:"reason"  yaml:"reason"`
}

// DefaultExclusions are the supervisor-only capabilities.
var DefaultExclusions = []Exclusion{
	{Pattern: "delegate_*", Reason: "cannot delegate further"},
	{Pattern: "memory_write", Reason: "cannot write long-term memory"},
}

const wildcard = "*"

// ToolAccess is the effective capability set of a specialist: what it was
// granted and which exclusions still apply.
type ToolAccess struct {
	Granted  []string `json:"granted"`
	Excluded []string `json:"excluded"`

	grantMatchers   []matcher
	excludeMatchers []matcher
}

type matcher func(name string) bool

func compilePattern(pattern string) matcher {
	g, err := glob.Compile(pattern)
	if err != nil {
		// Not a valid glob; treat as a literal tool name.
		return func(name string) bool { return name == pattern }
	}
	return g.Match
}

func newToolAccess(granted, excluded []string) ToolAccess {
	a := ToolAccess{
		Granted:  append([]string(nil), granted...),
		Excluded: append([]string(nil), excluded...),
	}
	for _, p := range a.Granted {
		a.grantMatchers = append(a.grantMatchers, compilePattern(p))
	}
	for _, p := range a.Excluded {
		a.excludeMatchers = append(a.excludeMatchers, compilePattern(p))
	}
	return a
}

// resolveToolAccess drops every exclusion the granted list names explicitly.
// A bare wildcard grant is not explicit.
func resolveToolAccess(granted []string, exclusions []Exclusion) ToolAccess {
	excluded := make([]string, 0, len(exclusions))
	for _, ex := range exclusions {
		if !explicitlyGranted(granted, ex.Pattern) {
			excluded = append(excluded, ex.Pattern)
		}
	}
	return newToolAccess(granted, excluded)
}

func explicitlyGranted(granted []string, exclusion string) bool {
	exMatch := compilePattern(exclusion)
	for _, g := range granted {
		if g == wildcard {
			continue
		}
		if g == exclusion || exMatch(g) {
			return true
		}
	}
	return false
}

// Allows reports whether the named tool is granted and not excluded.
func (a ToolAccess) Allows(tool string) bool {
	for _, m := range a.excludeMatchers {
		if m(tool) {
			return false
		}
	}
	for _, m := range a.grantMatchers {
		if m(tool) {
			return true
		}
	}
	return false
}

// Filter returns the subset of names the access set allows, preserving order.
func (a ToolAccess) Filter(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if a.Allows(n) {
			out = append(out, n)
		}
	}
	return out
}

// Patterns renders the access set as one ordered pattern list, exclusions
// prefixed with "!".
func (a ToolAccess) Patterns() []string {
	out := make([]string, 0, len(a.Granted)+len(a.Excluded))
	out = append(out, a.Granted...)
	for _, ex := range a.Excluded {
		out = append(out, "!"+ex)
	}
	return out
}

// IsExcluded reports whether the exclusion pattern still applies.
func (a ToolAccess) IsExcluded(pattern string) bool {
	for _, ex := range a.Excluded {
		if strings.EqualFold(ex, pattern) {
			return true
		}
	}
	return false
}
