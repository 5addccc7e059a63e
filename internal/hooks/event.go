package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
)

// maxSessionIDLen bounds the accepted session_id length.
const maxSessionIDLen = 256

// Event is the wire format of one POST /api/hook callback.
type Event struct {
	HookEventName string `json:"hook_event_name"`
	SessionID     string `json:"session_id"`

	Cwd              string          `json:"cwd,omitempty"`
	ToolName         string          `json:"tool_name,omitempty"`
	ToolInput        map[string]any  `json:"tool_input,omitempty"`
	ToolResponse     json.RawMessage `json:"tool_response,omitempty"`
	ToolUseID        string          `json:"tool_use_id,omitempty"`
	AgentID          string          `json:"agent_id,omitempty"`
	AgentType        string          `json:"agent_type,omitempty"`
	TeammateName     string          `json:"teammate_name,omitempty"`
	TeamName         string          `json:"team_name,omitempty"`
	TaskID           string          `json:"task_id,omitempty"`
	TaskSubject      string          `json:"task_subject,omitempty"`
	PermissionMode   string          `json:"permission_mode,omitempty"`
	Source           string          `json:"source,omitempty"`
	Model            string          `json:"model,omitempty"`
	IsInterrupt      bool            `json:"is_interrupt,omitempty"`
	Message          string          `json:"message,omitempty"`
	NotificationType string          `json:"notification_type,omitempty"`
	Prompt           string          `json:"prompt,omitempty"`
}

// knownEvents is the closed set of accepted hook_event_name values.
var knownEvents = map[string]bool{
	"PreToolUse":         true,
	"PostToolUse":        true,
	"PostToolUseFailure": true,
	"PermissionRequest":  true,
	"SubagentStart":      true,
	"SubagentStop":       true,
	"PreCompact":         true,
	"Stop":               true,
	"SessionStart":       true,
	"SessionEnd":         true,
	"TeammateIdle":       true,
	"TaskCompleted":      true,
	"UserPromptSubmit":   true,
	"Notification":       true,
}

// Validate checks the required fields. The returned error text is
// surfaced to the caller in the 400 response body.
func (e *Event) Validate() error {
	if !knownEvents[e.HookEventName] {
		return fmt.Errorf("unknown hook_event_name %q", e.HookEventName)
	}
	if e.SessionID == "" {
		return errors.New("session_id required")
	}
	if len(e.SessionID) > maxSessionIDLen {
		return errors.New("session_id too long")
	}
	if e.Cwd != "" && !filepath.IsAbs(e.Cwd) {
		return errors.New("cwd must be absolute")
	}
	return nil
}
