// Package registry is the single source of truth for all observed
// entities. The watcher, hook dispatcher, and sweeper hold only ids and
// pass them back here for mutation; every mutation emits exactly one
// typed delta to subscribers (working-status updates coalesce, see
// UpdateAgentActivityByID).
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/agent-lens/backend/internal/guards"
	"github.com/agent-lens/backend/internal/state"
)

// DefaultDebounce is the working-status coalescing window.
const DefaultDebounce = 200 * time.Millisecond

// GitInfo is a partial git-field merge for an agent. Empty strings and
// a false HasStatus leave the corresponding fields untouched.
type GitInfo struct {
	Branch    string
	Worktree  string
	HasStatus bool
	Ahead     int
	Behind    int
	Upstream  bool
	Dirty     bool
}

type Registry struct {
	mu sync.Mutex

	guards    *guards.Guards
	allAgents map[string]*state.Agent
	sessions  map[string]*state.Session
	tasks     map[string]*state.Task
	messages  []*state.Message
	selected  string // server-global selected session id

	subs    map[chan Delta]bool
	dropped int64

	debounce time.Duration
	pending  map[string]*pendingUpdate // per-agent working coalesce

	now func() time.Time
}

type pendingUpdate struct {
	timer *time.Timer
}

func New(g *guards.Guards, debounce time.Duration) *Registry {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Registry{
		guards:    g,
		allAgents: make(map[string]*state.Agent),
		sessions:  make(map[string]*state.Session),
		tasks:     make(map[string]*state.Task),
		subs:      make(map[chan Delta]bool),
		debounce:  debounce,
		pending:   make(map[string]*pendingUpdate),
		now:       time.Now,
	}
}

// Subscribe returns a buffered delta channel. Deltas that cannot be
// delivered because the buffer is full are dropped (the subscriber can
// resynchronize from a snapshot).
func (r *Registry) Subscribe(buffer int) chan Delta {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Delta, buffer)
	r.mu.Lock()
	r.subs[ch] = true
	r.mu.Unlock()
	return ch
}

func (r *Registry) Unsubscribe(ch chan Delta) {
	r.mu.Lock()
	if r.subs[ch] {
		delete(r.subs, ch)
		close(ch)
	}
	r.mu.Unlock()
}

// emitLocked fans a delta out to all subscribers. Caller holds r.mu, so
// delivery order matches mutation order.
func (r *Registry) emitLocked(d Delta) {
	for ch := range r.subs {
		select {
		case ch <- d:
		default:
			r.dropped++
			if r.dropped%100 == 1 {
				log.Printf("[registry] subscriber slow, %d deltas dropped", r.dropped)
			}
		}
	}
}

// RegisterAgent inserts an agent. Silently dropped when the id was
// recently removed (the watcher must not resurrect retired subagents).
// Returns whether the agent was accepted.
func (r *Registry) RegisterAgent(a *state.Agent) bool {
	if r.guards != nil && r.guards.WasRecentlyRemoved(a.ID) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.allAgents[a.ID]
	r.allAgents[a.ID] = a.Clone()
	if existed {
		r.emitAgentLocked(a.ID, DeltaAgentUpdate)
	} else {
		r.emitAgentLocked(a.ID, DeltaAgentAdded)
	}
	return true
}

// UpdateAgent upserts an agent. Respects the recently-removed guard.
func (r *Registry) UpdateAgent(a *state.Agent) {
	r.RegisterAgent(a)
}

// RemoveAgent deletes the agent, marks the removal guard, and emits
// agent_removed.
func (r *Registry) RemoveAgent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allAgents[id]
	if !ok {
		return
	}
	delete(r.allAgents, id)
	r.cancelPendingLocked(id)
	if r.guards != nil {
		r.guards.MarkRemoved(id)
	}
	// The snapshot rides along so fan-out can still route the removal to
	// the sessions the agent belonged to.
	r.emitLocked(Delta{Type: DeltaAgentRemoved, Agent: a.Clone(), AgentID: id})
}

// UpdateAgentActivityByID sets status, current action, and context.
//
// Broadcast policy: transitions to idle or done emit immediately and
// cancel any pending working broadcast for the id (so a trailing
// "Reading x" can't land after the true idle). Consecutive working
// updates coalesce within the debounce window, latest wins.
func (r *Registry) UpdateAgentActivityByID(id string, status state.Status, action, context string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allAgents[id]
	if !ok {
		return
	}

	a.Status = status
	if action != "" {
		a.CurrentAction = action
	}
	if context != "" {
		a.ActionContext = context
	}

	switch status {
	case state.Working:
		if action != "" {
			a.PushAction(action, r.now())
		}
		r.scheduleAgentUpdateLocked(id)
	case state.Idle, state.Done:
		a.WaitingForInput = false
		a.WaitingType = state.WaitNone
		r.emitAgentLocked(id, DeltaAgentUpdate)
	}
}

// SetAgentWaitingByID flips waitingForInput and optionally updates the
// action, context, and waiting type.
func (r *Registry) SetAgentWaitingByID(id string, waiting bool, action, context string, wt state.WaitingType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allAgents[id]
	if !ok {
		return
	}

	a.WaitingForInput = waiting
	if waiting {
		// Waiting means a turn is in flight; an idle or done agent is
		// never waiting, so revive it.
		if a.Status == state.Idle || a.Status == state.Done {
			a.Status = state.Working
		}
		a.WaitingType = wt
	} else {
		a.WaitingType = state.WaitNone
	}
	if action != "" {
		a.CurrentAction = action
	}
	if context != "" {
		a.ActionContext = context
	}

	r.emitAgentLocked(id, DeltaAgentUpdate)
}

// UpdateAgentGitInfo merges git fields into the agent.
func (r *Registry) UpdateAgentGitInfo(id string, info GitInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allAgents[id]
	if !ok {
		return
	}

	if info.Branch != "" {
		a.GitBranch = info.Branch
	}
	if info.Worktree != "" {
		a.Worktree = info.Worktree
	}
	if info.HasStatus {
		a.GitAhead = info.Ahead
		a.GitBehind = info.Behind
		a.HasUpstream = info.Upstream
		a.GitDirty = info.Dirty
	}

	r.emitAgentLocked(id, DeltaAgentUpdate)
}

// SetAgentCurrentTask points the agent at a task id ("" clears).
func (r *Registry) SetAgentCurrentTask(id, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allAgents[id]
	if !ok {
		return
	}
	if a.CurrentTaskID == taskID {
		return
	}
	a.CurrentTaskID = taskID
	r.emitAgentLocked(id, DeltaAgentUpdate)
}

// SetAgentChurning flags host process activity for the agent's project.
// Emits only on change.
func (r *Registry) SetAgentChurning(id string, churning bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allAgents[id]
	if !ok || a.IsChurning == churning {
		return
	}
	a.IsChurning = churning
	r.emitAgentLocked(id, DeltaAgentUpdate)
}

// IncrementTasksCompleted bumps the agent's completion counter.
func (r *Registry) IncrementTasksCompleted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allAgents[id]
	if !ok {
		return
	}
	a.TasksCompleted++
	r.emitAgentLocked(id, DeltaAgentUpdate)
}

// emitAgentLocked sends an immediate agent delta with the current
// snapshot and drops any pending coalesced broadcast (the snapshot
// already carries the latest state).
func (r *Registry) emitAgentLocked(id string, dt DeltaType) {
	r.cancelPendingLocked(id)
	a, ok := r.allAgents[id]
	if !ok {
		return
	}
	r.emitLocked(Delta{Type: dt, Agent: a.Clone()})
}

// scheduleAgentUpdateLocked arms (or keeps) the per-agent coalescing
// timer. The timer fires once with whatever the agent looks like then.
func (r *Registry) scheduleAgentUpdateLocked(id string) {
	if _, ok := r.pending[id]; ok {
		return // window already open; latest state wins at flush
	}
	p := &pendingUpdate{}
	p.timer = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.pending[id] != p {
			return // cancelled or superseded
		}
		delete(r.pending, id)
		if a, ok := r.allAgents[id]; ok {
			r.emitLocked(Delta{Type: DeltaAgentUpdate, Agent: a.Clone()})
		}
	})
	r.pending[id] = p
}

func (r *Registry) cancelPendingLocked(id string) {
	if p, ok := r.pending[id]; ok {
		p.timer.Stop()
		delete(r.pending, id)
	}
}

// UpdateTask upserts a task. A transition into completed increments the
// owner's tasksCompleted exactly once. When ownership moves away from a
// working agent that has no other in_progress task, that agent's
// working status clears.
func (r *Registry) UpdateTask(t *state.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.tasks[t.ID]
	r.tasks[t.ID] = t.Clone()

	if t.Status == state.TaskCompleted && (!existed || prev.Status != state.TaskCompleted) {
		if t.Owner != "" {
			if owner, ok := r.findAgentByNameLocked(t.Owner); ok {
				owner.TasksCompleted++
				r.emitAgentLocked(owner.ID, DeltaAgentUpdate)
			}
		}
	}

	if existed && prev.Owner != "" && prev.Owner != t.Owner {
		if prevOwner, ok := r.findAgentByNameLocked(prev.Owner); ok && prevOwner.Status == state.Working {
			if !r.ownsInProgressTaskLocked(prev.Owner) {
				prevOwner.Status = state.Idle
				prevOwner.CurrentAction = ""
				prevOwner.WaitingForInput = false
				prevOwner.WaitingType = state.WaitNone
				r.emitAgentLocked(prevOwner.ID, DeltaAgentUpdate)
			}
		}
	}

	r.emitLocked(Delta{Type: DeltaTaskUpdate, Task: t.Clone()})
}

// RemoveTask deletes the task; the removal surfaces as a completed
// task_update so task boards drop it.
func (r *Registry) RemoveTask(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return
	}
	delete(r.tasks, id)
	gone := t.Clone()
	gone.Status = state.TaskCompleted
	r.emitLocked(Delta{Type: DeltaTaskUpdate, Task: gone, TaskID: id})
}

// AddMessage appends to the bounded message log, deduplicating by id.
func (r *Registry) AddMessage(m *state.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID != "" {
		for _, existing := range r.messages {
			if existing.ID == m.ID {
				return
			}
		}
	}

	stored := *m
	stored.Content = state.TruncateContent(stored.Content)
	if stored.Timestamp == 0 {
		stored.Timestamp = r.now().UnixMilli()
	}
	r.messages = append(r.messages, &stored)
	if len(r.messages) > state.MaxMessages {
		r.messages = r.messages[len(r.messages)-state.MaxMessages:]
	}

	copy := stored
	r.emitLocked(Delta{Type: DeltaNewMessage, Message: &copy})
}

// AddSession inserts a session. Re-adding an existing id only advances
// lastActivity (replay idempotence). A new session auto-selects when
// nothing is selected or when it is fresher than the current selection.
func (r *Registry) AddSession(s *state.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[s.SessionID]; ok {
		if s.LastActivity > existing.LastActivity {
			existing.LastActivity = s.LastActivity
		}
		return
	}

	stored := s.Clone()
	if stored.LastActivity == 0 {
		stored.LastActivity = r.now().UnixMilli()
	}
	r.sessions[stored.SessionID] = stored

	r.emitLocked(Delta{Type: DeltaSessionStarted, Session: stored.Clone()})
	r.emitLocked(Delta{Type: DeltaSessionsList})

	current, selected := r.sessions[r.selected]
	if !selected || stored.LastActivity > current.LastActivity {
		r.selected = stored.SessionID
		r.emitLocked(Delta{Type: DeltaFullState, SessionID: stored.SessionID})
	}
}

// UpdateSessionActivity advances the session's lastActivity to now.
// External writers may only move it forward. For team members the
// caller also bumps the synthetic team session. No delta is emitted;
// activity bumps are folded into the next sessions_list recompute.
func (r *Registry) UpdateSessionActivity(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if now := r.now().UnixMilli(); now > s.LastActivity {
		s.LastActivity = now
	}
}

// BumpSessionActivityTo advances lastActivity to the given time if it
// is ahead of the stored value (watcher uses file mtimes).
func (r *Registry) BumpSessionActivityTo(sessionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if ms := at.UnixMilli(); ms > s.LastActivity {
		s.LastActivity = ms
	}
}

// SelectSession switches the server-global selection and signals a
// resnapshot.
func (r *Registry) SelectSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return
	}
	r.selected = sessionID
	r.emitLocked(Delta{Type: DeltaFullState, SessionID: sessionID})
	r.emitLocked(Delta{Type: DeltaSessionsList})
}

// RemoveSession deletes a session, clears its id mappings, and drops the
// selection if it pointed here.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if r.guards != nil {
		r.guards.RemoveSessionMappings(sessionID)
	}
	if r.selected == sessionID {
		r.selected = ""
	}

	r.emitLocked(Delta{Type: DeltaSessionEnded, Session: s.Clone(), SessionID: sessionID})
	r.emitLocked(Delta{Type: DeltaSessionsList})
}

// ReconcileAgentStatuses aligns agent statuses with task ownership: an
// agent owning an in_progress task is working; a working agent owning
// none goes idle with a cleared action.
func (r *Registry) ReconcileAgentStatuses() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.allAgents {
		if a.TeamName == "" {
			// Tasks are team-scoped; solo agents' working status is
			// owned by the watcher and hooks.
			continue
		}
		owns := r.ownsInProgressTaskLocked(a.Name)
		switch {
		case owns && a.Status != state.Working:
			a.Status = state.Working
			r.emitAgentLocked(a.ID, DeltaAgentUpdate)
		case !owns && a.Status == state.Working:
			a.Status = state.Idle
			a.CurrentAction = ""
			a.WaitingForInput = false
			a.WaitingType = state.WaitNone
			r.emitAgentLocked(a.ID, DeltaAgentUpdate)
		}
	}
}

// SelectMostInterestingSession picks the session with the freshest
// lastActivity and selects it. Used for failover after expiry.
func (r *Registry) SelectMostInterestingSession() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *state.Session
	for _, s := range r.sessions {
		if best == nil || s.LastActivity > best.LastActivity {
			best = s
		}
	}
	if best == nil || r.selected == best.SessionID {
		return
	}
	r.selected = best.SessionID
	r.emitLocked(Delta{Type: DeltaFullState, SessionID: best.SessionID})
	r.emitLocked(Delta{Type: DeltaSessionsList})
}

// ClearTeamAgents removes every agent belonging to the team.
func (r *Registry) ClearTeamAgents(teamName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, a := range r.allAgents {
		if a.TeamName != teamName {
			continue
		}
		delete(r.allAgents, id)
		r.cancelPendingLocked(id)
		if r.guards != nil {
			r.guards.MarkRemoved(id)
		}
		r.emitLocked(Delta{Type: DeltaAgentRemoved, Agent: a.Clone(), AgentID: id})
	}
}

func (r *Registry) findAgentByNameLocked(name string) (*state.Agent, bool) {
	// Team members first; solo agents don't own tasks, and matching them
	// here would let name collisions cross sessions.
	for _, a := range r.allAgents {
		if a.TeamName != "" && a.Name == name {
			return a, true
		}
	}
	for _, a := range r.allAgents {
		if a.TeamName == "" && a.Name == name {
			return a, true
		}
	}
	return nil, false
}

func (r *Registry) ownsInProgressTaskLocked(ownerName string) bool {
	if ownerName == "" {
		return false
	}
	for _, t := range r.tasks {
		if t.Owner == ownerName && t.Status == state.TaskInProgress {
			return true
		}
	}
	return false
}

// Reset clears all entity state and pending broadcasts. Test hook.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.pending {
		r.pending[id].timer.Stop()
		delete(r.pending, id)
	}
	r.allAgents = make(map[string]*state.Agent)
	r.sessions = make(map[string]*state.Session)
	r.tasks = make(map[string]*state.Task)
	r.messages = nil
	r.selected = ""
}
