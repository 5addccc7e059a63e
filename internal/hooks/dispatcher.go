// Package hooks turns host lifecycle callbacks into registry mutations.
// Hook events are authoritative while fresh: every dispatched event
// marks the hook-active guard so the transcript watcher defers to it.
package hooks

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/agent-lens/backend/internal/config"
	"github.com/agent-lens/backend/internal/guards"
	"github.com/agent-lens/backend/internal/parse"
	"github.com/agent-lens/backend/internal/registry"
	"github.com/agent-lens/backend/internal/state"
)

// pendingSpawn correlates a Task tool call with the SubagentStart that
// follows it, carrying the description the subagent should display.
type pendingSpawn struct {
	toolUseID    string
	sessionID    string
	description  string
	prompt       string
	subagentType string
	teamName     string
	at           time.Time
}

type Dispatcher struct {
	cfg    *config.Config
	reg    *registry.Registry
	guards *guards.Guards
	exec   parse.ExecFunc
	prober *parse.GitStatusProber

	mu           sync.Mutex
	spawns       []*pendingSpawn
	cwdBySession map[string]string
	gitProbed    map[string]bool

	now      func() time.Time
	runAsync func(fn func())
	schedule func(d time.Duration, fn func())
}

func New(cfg *config.Config, reg *registry.Registry, g *guards.Guards, exec parse.ExecFunc, prober *parse.GitStatusProber) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		reg:          reg,
		guards:       g,
		exec:         exec,
		prober:       prober,
		cwdBySession: make(map[string]string),
		gitProbed:    make(map[string]bool),
		now:          time.Now,
		runAsync:     func(fn func()) { go fn() },
		schedule:     func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// Dispatch validates and applies one hook event. A returned error maps
// to a 400 response.
func (d *Dispatcher) Dispatch(ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	agentID := d.guards.ResolveAgentID(ev.SessionID)
	d.reg.UpdateSessionActivity(ev.SessionID)
	d.guards.MarkHookActive(agentID)

	if a, ok := d.reg.Agent(agentID); ok && a.TeamName != "" {
		d.reg.UpdateSessionActivity(state.TeamSessionID(a.TeamName))
	}

	if ev.Cwd != "" {
		d.mu.Lock()
		if _, seen := d.cwdBySession[ev.SessionID]; !seen {
			d.cwdBySession[ev.SessionID] = ev.Cwd
		}
		d.mu.Unlock()
	}

	if ev.HookEventName != "SubagentStart" && ev.HookEventName != "SubagentStop" {
		agentID = d.autoRegister(ev, agentID)
	}

	d.maybeProbeGit(ev, agentID)

	switch ev.HookEventName {
	case "PreToolUse":
		d.handlePreToolUse(ev, agentID)
	case "PostToolUse":
		d.handlePostToolUse(ev, agentID)
	case "PostToolUseFailure":
		d.handlePostToolUseFailure(ev, agentID)
	case "PermissionRequest":
		d.reg.SetAgentWaitingByID(agentID, true, parse.DescribeToolAction(ev.ToolName, ev.ToolInput), "", state.WaitPermission)
	case "SubagentStart":
		d.handleSubagentStart(ev)
	case "SubagentStop":
		d.handleSubagentStop(ev)
	case "PreCompact":
		d.reg.SetAgentWaitingByID(agentID, false, "", "", state.WaitNone)
		d.reg.UpdateAgentActivityByID(agentID, state.Working, "Compacting conversation...", "")
	case "Stop":
		d.reg.SetAgentWaitingByID(agentID, false, "", "", state.WaitNone)
		d.reg.UpdateAgentActivityByID(agentID, state.Idle, "", "")
		d.guards.MarkSessionStopped(ev.SessionID)
	case "SessionStart":
		log.Printf("[hooks] session start: %s (source=%s)", ev.SessionID, ev.Source)
	case "SessionEnd":
		log.Printf("[hooks] session end: %s", ev.SessionID)
		d.reg.UpdateAgentActivityByID(agentID, state.Idle, "", "")
	case "UserPromptSubmit":
		d.guards.ClearSessionStopped(ev.SessionID)
		d.reg.SetAgentWaitingByID(agentID, false, "", "", state.WaitNone)
		d.reg.UpdateAgentActivityByID(agentID, state.Working, "Processing prompt...", "")
	case "TeammateIdle":
		d.handleTeammateIdle(ev, agentID)
	case "TaskCompleted":
		d.handleTaskCompleted(ev)
	case "Notification":
		d.handleNotification(ev, agentID)
	}

	// Plan mode shows as a waiting state unless the event above already
	// set a more specific one.
	if ev.PermissionMode == "plan" {
		if a, ok := d.reg.Agent(agentID); ok && !a.WaitingForInput {
			d.reg.SetAgentWaitingByID(agentID, true, "", "", state.WaitPlan)
		}
	}

	return nil
}

// autoRegister creates the agent (and, if needed, the session) when a
// hook event arrives for a session the registry has never seen. Returns
// the agent id the rest of the dispatch should address.
func (d *Dispatcher) autoRegister(ev *Event, agentID string) string {
	if _, known := d.reg.Agent(agentID); known {
		return agentID
	}

	if s, ok := d.reg.Session(ev.SessionID); ok {
		name := s.Slug
		if name == "" {
			name = s.ProjectName
		}
		d.reg.RegisterAgent(&state.Agent{
			ID:     ev.SessionID,
			Name:   name,
			Status: state.Working,
		})
		return ev.SessionID
	}

	if ev.Cwd == "" {
		return agentID
	}

	projectName := filepath.Base(ev.Cwd)
	log.Printf("[hooks] auto-registering session %s (%s)", ev.SessionID, projectName)
	d.reg.AddSession(&state.Session{
		SessionID:   ev.SessionID,
		ProjectName: projectName,
		ProjectPath: ev.Cwd,
	})
	d.reg.RegisterAgent(&state.Agent{
		ID:     ev.SessionID,
		Name:   projectName,
		Status: state.Working,
	})
	return ev.SessionID
}

// maybeProbeGit probes git worktree and status once per cwd,
// asynchronously so the HTTP handler never waits on a subprocess.
func (d *Dispatcher) maybeProbeGit(ev *Event, agentID string) {
	if ev.Cwd == "" || d.exec == nil {
		return
	}
	d.mu.Lock()
	if d.gitProbed[ev.Cwd] {
		d.mu.Unlock()
		return
	}
	d.gitProbed[ev.Cwd] = true
	d.mu.Unlock()

	cwd := ev.Cwd
	d.runAsync(func() { d.applyGitInfo(agentID, cwd) })
}

func (d *Dispatcher) applyGitInfo(agentID, cwd string) {
	wt := parse.DetectGitWorktree(cwd, d.exec)
	info := registry.GitInfo{Branch: wt.Branch, Worktree: wt.Worktree}
	if d.prober != nil {
		st := d.prober.Probe(cwd)
		info.HasStatus = true
		info.Ahead = st.Ahead
		info.Behind = st.Behind
		info.Upstream = st.HasUpstream
		info.Dirty = st.Dirty
	}
	d.reg.UpdateAgentGitInfo(agentID, info)
}

func (d *Dispatcher) handlePreToolUse(ev *Event, agentID string) {
	d.guards.ClearSessionStopped(ev.SessionID)

	if ev.ToolName == "Task" && ev.ToolUseID != "" {
		d.recordPendingSpawn(ev)
	}

	d.reg.SetAgentWaitingByID(agentID, false, "", "", state.WaitNone)
	d.reg.UpdateAgentActivityByID(agentID, state.Working, parse.DescribeToolAction(ev.ToolName, ev.ToolInput), "")
}

func (d *Dispatcher) handlePostToolUseFailure(ev *Event, agentID string) {
	action := "Failed: " + parse.DescribeToolAction(ev.ToolName, ev.ToolInput)
	if ev.IsInterrupt {
		action = "Interrupted"
	}
	d.reg.UpdateAgentActivityByID(agentID, state.Working, action, "")
}

// maxSpawnPromptLen clips the recorded first prompt line.
const maxSpawnPromptLen = 80

// recordPendingSpawn remembers a Task tool call so the SubagentStart it
// triggers can pick up the description. Entries older than the TTL are
// dropped here; the host fires SubagentStart within moments of the call.
func (d *Dispatcher) recordPendingSpawn(ev *Event) {
	prompt := parse.InputString(ev.ToolInput, "prompt")
	if i := indexNewline(prompt); i >= 0 {
		prompt = prompt[:i]
	}
	if len(prompt) > maxSpawnPromptLen {
		prompt = prompt[:maxSpawnPromptLen]
	}

	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.spawns[:0]
	for _, s := range d.spawns {
		if now.Sub(s.at) < d.cfg.Timing.PendingSpawnTTL {
			kept = append(kept, s)
		}
	}
	d.spawns = kept

	d.spawns = append(d.spawns, &pendingSpawn{
		toolUseID:    ev.ToolUseID,
		sessionID:    ev.SessionID,
		description:  parse.InputString(ev.ToolInput, "description"),
		prompt:       prompt,
		subagentType: parse.InputString(ev.ToolInput, "subagent_type"),
		teamName:     parse.InputString(ev.ToolInput, "team_name"),
		at:           now,
	})
}

// consumeSpawn removes and returns the oldest pending spawn for the
// session. FIFO order gives simultaneous SubagentStarts distinct
// descriptions.
func (d *Dispatcher) consumeSpawn(sessionID string) *pendingSpawn {
	d.mu.Lock()
	defer d.mu.Unlock()

	best := -1
	for i, s := range d.spawns {
		if s.sessionID != sessionID {
			continue
		}
		if best < 0 || s.at.Before(d.spawns[best].at) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	s := d.spawns[best]
	d.spawns = append(d.spawns[:best], d.spawns[best+1:]...)
	return s
}

func (d *Dispatcher) handleSubagentStart(ev *Event) {
	if ev.AgentID == "" {
		return
	}
	spawn := d.consumeSpawn(ev.SessionID)

	// A re-spawn with the same id is legitimate; lift the guard.
	d.guards.ClearRecentlyRemoved(ev.AgentID)

	name := ""
	subType := ev.AgentType
	teamName := ""
	if spawn != nil {
		name = spawn.description
		if name == "" {
			name = spawn.prompt
		}
		if subType == "" {
			subType = spawn.subagentType
		}
		teamName = spawn.teamName
	}
	if name == "" {
		name = ev.AgentType
	}
	if name == "" {
		name = "subagent"
	}

	agent := &state.Agent{
		ID:           ev.AgentID,
		Name:         name,
		Role:         parse.InferRole(subType, name),
		Status:       state.Working,
		SubagentType: subType,
		TeamName:     teamName,
	}
	if teamName == "" {
		agent.IsSubagent = true
		agent.ParentAgentID = ev.SessionID
	}
	d.reg.RegisterAgent(agent)
}

func (d *Dispatcher) handleSubagentStop(ev *Event) {
	id := ev.AgentID
	if id == "" {
		id = d.guards.ResolveAgentID(ev.SessionID)
	}
	a, ok := d.reg.Agent(id)
	if !ok {
		return
	}

	if a.TeamName != "" {
		// Team members persist across turns.
		d.reg.UpdateAgentActivityByID(id, state.Idle, "", "")
		return
	}

	d.reg.UpdateAgentActivityByID(id, state.Done, "Done", "")
	d.guards.MarkSessionStopped(ev.SessionID)
	d.schedule(d.cfg.Timing.SubagentStopDelay, func() {
		d.reg.RemoveAgent(id)
	})
}

func (d *Dispatcher) handleTeammateIdle(ev *Event, agentID string) {
	id := agentID
	if ev.TeammateName != "" {
		if a, ok := d.reg.AgentByName(ev.TeammateName); ok {
			id = a.ID
		}
	}
	d.reg.SetAgentWaitingByID(id, false, "", "", state.WaitNone)
	d.reg.UpdateAgentActivityByID(id, state.Idle, "", "")
}

func (d *Dispatcher) handleTaskCompleted(ev *Event) {
	if ev.TaskID == "" {
		return
	}
	t, ok := d.reg.Task(ev.TaskID)
	if !ok {
		t = &state.Task{ID: ev.TaskID, Subject: ev.TaskSubject}
	}
	if t.Subject == "" {
		t.Subject = ev.TaskSubject
	}
	t.Status = state.TaskCompleted
	d.reg.UpdateTask(t)
	d.reg.ReconcileAgentStatuses()
}

func (d *Dispatcher) handleNotification(ev *Event, agentID string) {
	a, ok := d.reg.Agent(agentID)
	if !ok || a.WaitingForInput {
		return
	}

	// Notification payloads vary by host version; match both the typed
	// field and the message text.
	switch {
	case ev.NotificationType == "idle_prompt",
		containsFold(ev.Message, "waiting for your input"),
		containsFold(ev.Message, "idle"):
		d.reg.SetAgentWaitingByID(agentID, true, "Waiting for input", "", state.WaitQuestion)
	case ev.NotificationType == "permission_prompt",
		containsFold(ev.Message, "permission"):
		d.reg.SetAgentWaitingByID(agentID, true, "Waiting for permission", "", state.WaitPermission)
	}
}

func indexNewline(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
