package state

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Status is an agent's coarse activity state.
type Status int

const (
	Idle Status = iota
	Working
	Done
)

var statusNames = map[Status]string{
	Idle:    "idle",
	Working: "working",
	Done:    "done",
}

var statusFromName = map[string]Status{
	"idle":    Idle,
	"working": Working,
	"done":    Done,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

// WaitingType qualifies what kind of input an agent is blocked on.
type WaitingType int

const (
	WaitNone WaitingType = iota
	WaitPermission
	WaitQuestion
	WaitPlan
	WaitPlanApproval
)

var waitingNames = map[WaitingType]string{
	WaitNone:         "",
	WaitPermission:   "permission",
	WaitQuestion:     "question",
	WaitPlan:         "plan",
	WaitPlanApproval: "plan_approval",
}

var waitingFromName = map[string]WaitingType{
	"":              WaitNone,
	"permission":    WaitPermission,
	"question":      WaitQuestion,
	"plan":          WaitPlan,
	"plan_approval": WaitPlanApproval,
}

func (w WaitingType) String() string {
	return waitingNames[w]
}

func (w WaitingType) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

func (w *WaitingType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := waitingFromName[name]; ok {
		*w = v
	}
	return nil
}

// Role is an agent's inferred function within a team.
type Role int

const (
	RoleImplementer Role = iota
	RoleLead
	RoleResearcher
	RoleTester
	RolePlanner
)

var roleNames = map[Role]string{
	RoleImplementer: "implementer",
	RoleLead:        "lead",
	RoleResearcher:  "researcher",
	RoleTester:      "tester",
	RolePlanner:     "planner",
}

var roleFromName = map[string]Role{
	"implementer": RoleImplementer,
	"lead":        RoleLead,
	"researcher":  RoleResearcher,
	"tester":      RoleTester,
	"planner":     RolePlanner,
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return "implementer"
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := roleFromName[name]; ok {
		*r = v
	}
	return nil
}

// MaxRecentActions bounds the per-agent action ring buffer.
const MaxRecentActions = 5

// ActionEntry is one entry in an agent's recent-action ring buffer.
type ActionEntry struct {
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// Agent is a logical actor (solo session, team member, or subagent)
// observed by the server.
type Agent struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Role            Role          `json:"role"`
	Status          Status        `json:"status"`
	WaitingForInput bool          `json:"waitingForInput"`
	WaitingType     WaitingType   `json:"waitingType,omitempty"`
	CurrentAction   string        `json:"currentAction,omitempty"`
	ActionContext   string        `json:"actionContext,omitempty"`
	TasksCompleted  int           `json:"tasksCompleted"`
	RecentActions   []ActionEntry `json:"recentActions,omitempty"`
	CurrentTaskID   string        `json:"currentTaskId,omitempty"`
	GitBranch       string        `json:"gitBranch,omitempty"`
	Worktree        string        `json:"worktree,omitempty"`
	GitAhead        int           `json:"gitAhead,omitempty"`
	GitBehind       int           `json:"gitBehind,omitempty"`
	HasUpstream     bool          `json:"hasUpstream,omitempty"`
	GitDirty        bool          `json:"gitDirty,omitempty"`
	IsSubagent      bool          `json:"isSubagent,omitempty"`
	ParentAgentID   string        `json:"parentAgentId,omitempty"`
	SubagentType    string        `json:"subagentType,omitempty"`
	TeamName        string        `json:"teamName,omitempty"`
	IsChurning      bool          `json:"isChurning,omitempty"`
}

// Clone returns a deep copy of the Agent, duplicating slice fields so the
// copy can be mutated independently of the original.
func (a *Agent) Clone() *Agent {
	c := *a
	if len(a.RecentActions) > 0 {
		c.RecentActions = make([]ActionEntry, len(a.RecentActions))
		copy(c.RecentActions, a.RecentActions)
	}
	return &c
}

// PushAction appends an action to the ring buffer, trimming to
// MaxRecentActions (oldest entries drop first).
func (a *Agent) PushAction(action string, now time.Time) {
	a.RecentActions = append(a.RecentActions, ActionEntry{
		Action:    action,
		Timestamp: now.UnixMilli(),
	})
	if len(a.RecentActions) > MaxRecentActions {
		a.RecentActions = a.RecentActions[len(a.RecentActions)-MaxRecentActions:]
	}
}

// Session is a host-side conversation instance (solo) or team workspace.
// Team session ids use the synthetic "team:<name>" form.
type Session struct {
	SessionID    string `json:"sessionId"`
	ProjectName  string `json:"projectName"`
	ProjectPath  string `json:"projectPath,omitempty"`
	Slug         string `json:"slug,omitempty"`
	GitBranch    string `json:"gitBranch,omitempty"`
	TeamName     string `json:"teamName,omitempty"`
	IsTeam       bool   `json:"isTeam,omitempty"`
	LastActivity int64  `json:"lastActivity"` // unix milliseconds
}

// TeamSessionID returns the synthetic session id for a team name.
func TeamSessionID(teamName string) string {
	return "team:" + teamName
}

// Clone returns a copy of the Session.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// TaskStatus is a team task's lifecycle state.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskInProgress
	TaskCompleted
)

var taskStatusNames = map[TaskStatus]string{
	TaskPending:    "pending",
	TaskInProgress: "in_progress",
	TaskCompleted:  "completed",
}

func (t TaskStatus) String() string {
	if n, ok := taskStatusNames[t]; ok {
		return n
	}
	return "pending"
}

func (t TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TaskStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*t = NormalizeTaskStatus(name)
	return nil
}

// NormalizeTaskStatus maps external status strings onto the closed
// TaskStatus set. "deleted" normalizes to completed; anything
// unrecognized normalizes to pending.
func NormalizeTaskStatus(raw string) TaskStatus {
	switch raw {
	case "pending":
		return TaskPending
	case "in_progress":
		return TaskInProgress
	case "completed", "deleted":
		return TaskCompleted
	default:
		return TaskPending
	}
}

// Task is a unit of team work tracked on the task board.
type Task struct {
	ID        string     `json:"id"`
	Subject   string     `json:"subject"`
	Status    TaskStatus `json:"status"`
	Owner     string     `json:"owner,omitempty"`
	BlockedBy []string   `json:"blockedBy,omitempty"`
	Blocks    []string   `json:"blocks,omitempty"`
}

// Clone returns a deep copy of the Task.
func (t *Task) Clone() *Task {
	c := *t
	if len(t.BlockedBy) > 0 {
		c.BlockedBy = append([]string(nil), t.BlockedBy...)
	}
	if len(t.Blocks) > 0 {
		c.Blocks = append([]string(nil), t.Blocks...)
	}
	return &c
}

// MaxMessageContent bounds stored message content length.
const MaxMessageContent = 200

// MaxMessages bounds the message ring buffer.
const MaxMessages = 200

// Message is one inter-agent message observed in a transcript or hook.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// TruncateContent clips content to at most MaxMessageContent bytes,
// backing up so the cut never lands inside a UTF-8 sequence.
func TruncateContent(content string) string {
	if len(content) <= MaxMessageContent {
		return content
	}
	cut := MaxMessageContent
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
