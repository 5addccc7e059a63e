package ws

import (
	"encoding/json"

	"github.com/agent-lens/backend/internal/state"
)

type MessageType string

const (
	MsgSessionsList   MessageType = "sessions_list"
	MsgFullState      MessageType = "full_state"
	MsgSessionStarted MessageType = "session_started"
	MsgSessionEnded   MessageType = "session_ended"
	MsgAgentAdded     MessageType = "agent_added"
	MsgAgentUpdate    MessageType = "agent_update"
	MsgAgentRemoved   MessageType = "agent_removed"
	MsgTaskUpdate     MessageType = "task_update"
	MsgNewMessage     MessageType = "new_message"

	// MsgSelectSession is the only client-to-server type.
	MsgSelectSession MessageType = "select_session"
)

// WSMessage is one wire frame in either direction.
type WSMessage struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// clientMessage defers data decoding until the type is known.
type clientMessage struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type SelectSessionData struct {
	SessionID string `json:"sessionId"`
}

// SessionEntry is one row of a sessions_list frame. Active is computed
// per client against its own subscription.
type SessionEntry struct {
	*state.Session
	AgentCount int  `json:"agentCount"`
	Active     bool `json:"active"`
}

type SessionsListData struct {
	Sessions []SessionEntry `json:"sessions"`
}

// FullStateData is the complete view of one session. Tasks are present
// only for team sessions.
type FullStateData struct {
	Session  *state.Session   `json:"session"`
	Agents   []*state.Agent   `json:"agents"`
	Tasks    []*state.Task    `json:"tasks,omitempty"`
	Messages []*state.Message `json:"messages"`
}

type AgentRemovedData struct {
	AgentID string `json:"agentId"`
}

type SessionEndedData struct {
	SessionID string `json:"sessionId"`
}
