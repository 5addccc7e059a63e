package parse

import (
	"path/filepath"
	"strings"
)

const maxActionLen = 60

// InputString extracts a string value from a heterogeneous tool-input
// property bag. Missing keys and non-string values return "".
func InputString(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

// DescribeToolAction produces a short human label (≤60 chars) for a tool
// invocation, e.g. "Editing main.go" or "Running: make test".
func DescribeToolAction(name string, input map[string]any) string {
	var label string

	switch name {
	case "Edit", "MultiEdit":
		label = "Editing " + baseOr(InputString(input, "file_path"), "file")
	case "Write", "NotebookEdit":
		label = "Writing " + baseOr(InputString(input, "file_path"), "file")
	case "Read":
		label = "Reading " + baseOr(InputString(input, "file_path"), "file")
	case "Bash":
		if desc := InputString(input, "description"); desc != "" {
			label = desc
		} else {
			label = "Running: " + commandHead(InputString(input, "command"))
		}
	case "Grep", "Glob":
		label = "Searching: " + InputString(input, "pattern")
	case "Task":
		label = "Spawning: " + InputString(input, "description")
	case "TaskCreate":
		label = "Creating task: " + InputString(input, "subject")
	case "TaskUpdate":
		label = "Updating task → " + InputString(input, "status")
	case "WebSearch":
		label = "Searching web: " + InputString(input, "query")
	case "WebFetch":
		label = "Fetching: " + InputString(input, "url")
	case "AskUserQuestion":
		label = "Asking a question"
	case "EnterPlanMode":
		label = "Planning..."
	case "ExitPlanMode":
		label = "Presenting plan"
	default:
		label = name
	}

	return truncate(label, maxActionLen)
}

// commandHead takes the leading part of a shell command up to the first
// && or | operator, clipped to 50 chars.
func commandHead(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if i := strings.Index(cmd, "&&"); i >= 0 {
		cmd = cmd[:i]
	}
	if i := strings.IndexByte(cmd, '|'); i >= 0 {
		cmd = cmd[:i]
	}
	return truncate(strings.TrimSpace(cmd), 50)
}

func baseOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return filepath.Base(path)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
