package registry

import (
	"sort"

	"github.com/agent-lens/backend/internal/state"
)

// Agent returns a copy of the agent, if known.
func (r *Registry) Agent(id string) (*state.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.allAgents[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// AgentByName returns a copy of the first team agent matching the name,
// falling back to solo agents.
func (r *Registry) AgentByName(name string) (*state.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.findAgentByNameLocked(name)
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// TeamAgentByName returns a copy of the named agent within one team.
func (r *Registry) TeamAgentByName(teamName, name string) (*state.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.allAgents {
		if a.TeamName == teamName && a.Name == name {
			return a.Clone(), true
		}
	}
	return nil, false
}

// AllAgents returns copies of every known agent.
func (r *Registry) AllAgents() []*state.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*state.Agent, 0, len(r.allAgents))
	for _, a := range r.allAgents {
		result = append(result, a.Clone())
	}
	return result
}

// Session returns a copy of the session, if known.
func (r *Registry) Session(id string) (*state.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Sessions returns copies of all sessions sorted by lastActivity,
// freshest first.
func (r *Registry) Sessions() []*state.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*state.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LastActivity != result[j].LastActivity {
			return result[i].LastActivity > result[j].LastActivity
		}
		return result[i].SessionID < result[j].SessionID
	})
	return result
}

// SelectedSession returns the server-global selection ("" when none).
func (r *Registry) SelectedSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected
}

// Tasks returns copies of all tasks.
func (r *Registry) Tasks() []*state.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*state.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		result = append(result, t.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Task returns a copy of the task, if known.
func (r *Registry) Task(id string) (*state.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Messages returns copies of the bounded message log, oldest first.
func (r *Registry) Messages() []*state.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*state.Message, 0, len(r.messages))
	for _, m := range r.messages {
		copy := *m
		result = append(result, &copy)
	}
	return result
}

// AgentsForSession returns the session's member agents per the single
// membership filter:
//
//   - solo: the agent whose id equals the session id, plus subagents
//     whose parentAgentId equals it.
//   - team: every agent whose id is not the session id of a known solo
//     session.
//
// All visibility decisions (snapshots, delta filtering, agent counts)
// derive from this one function.
func (r *Registry) AgentsForSession(sessionID string) []*state.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentsForSessionLocked(sessionID)
}

func (r *Registry) agentsForSessionLocked(sessionID string) []*state.Agent {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}

	var result []*state.Agent
	for _, a := range r.allAgents {
		if r.agentInSessionLocked(a, s) {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// AgentInSession reports whether the agent belongs to the session.
func (r *Registry) AgentInSession(a *state.Agent, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	return r.agentInSessionLocked(a, s)
}

func (r *Registry) agentInSessionLocked(a *state.Agent, s *state.Session) bool {
	if !s.IsTeam {
		if a.ID == s.SessionID {
			return true
		}
		return a.IsSubagent && a.ParentAgentID == s.SessionID
	}

	// Team: everyone except agents that are themselves solo sessions.
	if solo, ok := r.sessions[a.ID]; ok && !solo.IsTeam {
		return false
	}
	return true
}

// AgentCount returns the number of member agents for the session.
func (r *Registry) AgentCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0
	}
	count := 0
	for _, a := range r.allAgents {
		if r.agentInSessionLocked(a, s) {
			count++
		}
	}
	return count
}

// SessionHasWaitingAgents reports whether any member agent is waiting
// for input. Used to pick the default session for new clients.
func (r *Registry) SessionHasWaitingAgents(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	for _, a := range r.allAgents {
		if a.WaitingForInput && r.agentInSessionLocked(a, s) {
			return true
		}
	}
	return false
}
