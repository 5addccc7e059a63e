package registry

import (
	"github.com/agent-lens/backend/internal/state"
)

// DeltaType names a registry mutation category. The wire message types
// sent to WebSocket clients use the same names.
type DeltaType string

const (
	DeltaAgentAdded     DeltaType = "agent_added"
	DeltaAgentUpdate    DeltaType = "agent_update"
	DeltaAgentRemoved   DeltaType = "agent_removed"
	DeltaTaskUpdate     DeltaType = "task_update"
	DeltaNewMessage     DeltaType = "new_message"
	DeltaSessionStarted DeltaType = "session_started"
	DeltaSessionEnded   DeltaType = "session_ended"

	// DeltaSessionsList signals that the sessions list changed; each
	// client recomputes its own view (active flag differs per client).
	DeltaSessionsList DeltaType = "sessions_list"

	// DeltaFullState signals that the server-global selection moved to
	// SessionID; clients following the global selection resnapshot.
	DeltaFullState DeltaType = "full_state"
)

// Delta is one typed mutation notification. Exactly one payload field is
// populated per type.
type Delta struct {
	Type      DeltaType      `json:"type"`
	Agent     *state.Agent   `json:"agent,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Task      *state.Task    `json:"task,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Message   *state.Message `json:"message,omitempty"`
	Session   *state.Session `json:"session,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}
