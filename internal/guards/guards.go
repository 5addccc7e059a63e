// Package guards holds the short-lived advisory flags that coordinate
// precedence between the hook dispatcher and the transcript watcher.
// Guards never hold entity state; they are consulted at the start of a
// mutation and cleared by explicit calls or TTL.
package guards

import (
	"sync"
	"time"
)

// DefaultRemovalGuardTTL is how long a removed agent id stays
// non-registerable by the watcher.
const DefaultRemovalGuardTTL = 5 * time.Minute

// DefaultHookActiveWindow is how long after a hook event JSONL-derived
// status mutations are suppressed.
const DefaultHookActiveWindow = 5 * time.Second

type Guards struct {
	mu sync.Mutex

	recentlyRemoved map[string]time.Time // agent id → removal time
	stoppedSessions map[string]bool      // session ids whose Stop hook fired
	hookActive      map[string]time.Time // agent id → last hook time
	sessionToAgent  map[string]string    // raw hook session id → team agent id

	removalTTL time.Duration
	now        func() time.Time
}

func New(removalTTL time.Duration) *Guards {
	if removalTTL <= 0 {
		removalTTL = DefaultRemovalGuardTTL
	}
	return &Guards{
		recentlyRemoved: make(map[string]time.Time),
		stoppedSessions: make(map[string]bool),
		hookActive:      make(map[string]time.Time),
		sessionToAgent:  make(map[string]string),
		removalTTL:      removalTTL,
		now:             time.Now,
	}
}

// MarkRemoved records an agent id as deliberately retired so the watcher
// does not resurrect it from trailing JSONL data.
func (g *Guards) MarkRemoved(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recentlyRemoved[id] = g.now()
}

// WasRecentlyRemoved reports whether id was removed within the TTL.
// Expired entries are pruned on read.
func (g *Guards) WasRecentlyRemoved(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.recentlyRemoved[id]
	if !ok {
		return false
	}
	if g.now().Sub(at) > g.removalTTL {
		delete(g.recentlyRemoved, id)
		return false
	}
	return true
}

// ClearRecentlyRemoved lifts the removal guard for id, allowing a
// legitimate re-register (e.g. SubagentStart for a re-spawn).
func (g *Guards) ClearRecentlyRemoved(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.recentlyRemoved, id)
}

// MarkSessionStopped records that a Stop hook fired for the session.
func (g *Guards) MarkSessionStopped(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stoppedSessions[sessionID] = true
}

// ClearSessionStopped lifts the stopped flag; called on UserPromptSubmit
// (a new turn).
func (g *Guards) ClearSessionStopped(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.stoppedSessions, sessionID)
}

func (g *Guards) IsSessionStopped(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stoppedSessions[sessionID]
}

// MarkHookActive records a hook event for the agent id at the current time.
func (g *Guards) MarkHookActive(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hookActive[id] = g.now()
}

// IsHookActive reports whether a hook event was recorded for id within
// the window. A non-positive window falls back to the default.
func (g *Guards) IsHookActive(id string, window time.Duration) bool {
	if window <= 0 {
		window = DefaultHookActiveWindow
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.hookActive[id]
	if !ok {
		return false
	}
	return g.now().Sub(at) <= window
}

// RegisterSessionToAgentMapping maps a raw hook session id to the team
// agent id that owns it, so hook events reported with the JSONL UUID
// address the correct logical agent.
func (g *Guards) RegisterSessionToAgentMapping(sessionID, agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionToAgent[sessionID] = agentID
}

// ResolveAgentID returns the mapped agent id for a session id, or the
// session id itself when no mapping exists.
func (g *Guards) ResolveAgentID(sessionID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if aid, ok := g.sessionToAgent[sessionID]; ok {
		return aid
	}
	return sessionID
}

// RemoveSessionMappings drops every mapping that points at or originates
// from the session id.
func (g *Guards) RemoveSessionMappings(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessionToAgent, sessionID)
	for sid, aid := range g.sessionToAgent {
		if aid == sessionID {
			delete(g.sessionToAgent, sid)
		}
	}
}

// Reset clears all guard state. Test hook.
func (g *Guards) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recentlyRemoved = make(map[string]time.Time)
	g.stoppedSessions = make(map[string]bool)
	g.hookActive = make(map[string]time.Time)
	g.sessionToAgent = make(map[string]string)
}
