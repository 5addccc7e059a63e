package parse

import (
	"strings"

	"github.com/agent-lens/backend/internal/state"
)

// InferRole maps an agent's type and name onto a display role by
// case-insensitive substring match. Precedence is part of the contract:
// lead beats researcher beats tester beats planner; anything else is an
// implementer.
func InferRole(agentType, name string) state.Role {
	haystack := strings.ToLower(agentType + " " + name)

	switch {
	case strings.Contains(haystack, "team-lead"), strings.Contains(haystack, "lead"):
		return state.RoleLead
	case strings.Contains(haystack, "research"),
		strings.Contains(haystack, "explore"),
		strings.Contains(haystack, "architect"):
		return state.RoleResearcher
	case strings.Contains(haystack, "test"),
		strings.Contains(haystack, "validat"),
		strings.Contains(haystack, "tester"):
		return state.RoleTester
	case strings.Contains(haystack, "plan"),
		strings.Contains(haystack, "design"),
		strings.Contains(haystack, "artist"),
		strings.Contains(haystack, "scribe"):
		return state.RolePlanner
	default:
		return state.RoleImplementer
	}
}

// SubagentTypeFromID derives a human-readable subagent type from an id
// prefix like "agent-explore-a1b2" → "Explore".
func SubagentTypeFromID(id string) string {
	rest, ok := strings.CutPrefix(id, "agent-")
	if !ok {
		return ""
	}
	kind, _, _ := strings.Cut(rest, "-")
	if kind == "" {
		return ""
	}
	return strings.ToUpper(kind[:1]) + kind[1:]
}
