// Package sweeper ages out what the event streams stop talking about:
// working agents go idle, finished subagents disappear, abandoned
// sessions expire.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/agent-lens/backend/internal/config"
	"github.com/agent-lens/backend/internal/guards"
	"github.com/agent-lens/backend/internal/registry"
	"github.com/agent-lens/backend/internal/state"
	"github.com/agent-lens/backend/internal/watcher"
)

// Tracker is the watcher-side view the sweeper iterates.
type Tracker interface {
	Tracked() []watcher.TrackedInfo
	Untrack(path string)
}

type Sweeper struct {
	cfg     *config.Config
	reg     *registry.Registry
	guards  *guards.Guards
	tracker Tracker

	now func() time.Time
}

func New(cfg *config.Config, reg *registry.Registry, g *guards.Guards, tracker Tracker) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		reg:     reg,
		guards:  g,
		tracker: tracker,
		now:     time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Timing.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[sweeper] stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass over tracked transcripts, hook-only sessions, and
// orphaned subagents.
func (s *Sweeper) Sweep() {
	now := s.now()
	trackedSessions := make(map[string]bool)

	for _, ti := range s.tracker.Tracked() {
		trackedSessions[ti.SessionID] = true

		sess, known := s.reg.Session(ti.SessionID)
		if !known && s.reg.SelectedSession() != ti.SessionID {
			// Orphan: the registry dropped the session by another path.
			s.tracker.Untrack(ti.Path)
			continue
		}

		// Hooks bump session activity without touching the file; take the
		// fresher of the two.
		last := ti.LastActivity
		if known {
			if sl := time.UnixMilli(sess.LastActivity); sl.After(last) {
				last = sl
			}
		}
		idle := now.Sub(last)

		if idle >= s.cfg.Timing.IdleAfter {
			if ti.IsInternal {
				s.tracker.Untrack(ti.Path)
				continue
			}

			if a, ok := s.reg.Agent(ti.AgentID); ok {
				if a.WaitingForInput {
					s.reg.SetAgentWaitingByID(ti.AgentID, false, "", "", state.WaitNone)
				}
				if a.Status == state.Working {
					if ti.IsSubagent {
						s.reg.UpdateAgentActivityByID(ti.AgentID, state.Done, "Done", "")
					} else {
						log.Printf("[sweeper] %s idle for %s", ti.AgentID, idle.Round(time.Second))
						s.reg.UpdateAgentActivityByID(ti.AgentID, state.Idle, "", "")
					}
				}
			}

			if ti.IsSubagent && idle >= s.cfg.Timing.SubagentRemoveAfter {
				log.Printf("[sweeper] removing stale subagent %s", ti.AgentID)
				s.reg.RemoveAgent(ti.AgentID)
				s.tracker.Untrack(ti.Path)
				continue
			}
		}

		// Strictly past the expiry: a session idle for exactly the limit
		// survives one more sweep.
		if !ti.IsSubagent && idle > s.cfg.Timing.SessionExpiry {
			log.Printf("[sweeper] session %s expired (idle %s)", ti.SessionID, idle.Round(time.Minute))
			wasSelected := s.reg.SelectedSession() == ti.SessionID
			s.reg.RemoveAgent(ti.AgentID)
			s.reg.RemoveSession(ti.SessionID)
			s.tracker.Untrack(ti.Path)
			if wasSelected {
				s.reg.SelectMostInterestingSession()
			}
		}
	}

	s.sweepHookOnlySessions(now, trackedSessions)
	s.sweepOrphanSubagents(now)
}

// trackedAgentActivity maps agent ids to their transcript activity so
// the orphan pass doesn't remove subagents with a live file.
func (s *Sweeper) trackedAgentActivity() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, ti := range s.tracker.Tracked() {
		if at, ok := out[ti.AgentID]; !ok || ti.LastActivity.After(at) {
			out[ti.AgentID] = ti.LastActivity
		}
	}
	return out
}

// sweepHookOnlySessions idles the members of sessions that have no
// transcript tracking (team members registered purely via hooks).
func (s *Sweeper) sweepHookOnlySessions(now time.Time, trackedSessions map[string]bool) {
	for _, sess := range s.reg.Sessions() {
		if trackedSessions[sess.SessionID] {
			continue
		}
		if now.Sub(time.UnixMilli(sess.LastActivity)) < s.cfg.Timing.IdleAfter {
			continue
		}
		for _, a := range s.reg.AgentsForSession(sess.SessionID) {
			if a.Status == state.Working {
				s.reg.UpdateAgentActivityByID(a.ID, state.Idle, "", "")
			}
		}
	}
}

// sweepOrphanSubagents removes subagents whose parent session has gone
// quiet for longer than the removal window, regardless of tracking
// state. Hook activity on the subagent itself defers removal.
func (s *Sweeper) sweepOrphanSubagents(now time.Time) {
	fileActivity := s.trackedAgentActivity()
	for _, a := range s.reg.AllAgents() {
		if !a.IsSubagent {
			continue
		}
		if s.guards.IsHookActive(a.ID, s.cfg.Timing.SubagentRemoveAfter) {
			continue
		}
		if at, ok := fileActivity[a.ID]; ok && now.Sub(at) <= s.cfg.Timing.SubagentRemoveAfter {
			continue
		}
		sess, ok := s.reg.Session(a.ParentAgentID)
		if ok && now.Sub(time.UnixMilli(sess.LastActivity)) <= s.cfg.Timing.SubagentRemoveAfter {
			continue
		}
		log.Printf("[sweeper] removing orphan subagent %s (parent %s)", a.ID, a.ParentAgentID)
		s.reg.RemoveAgent(a.ID)
	}
}
