package watcher

import (
	"log"
	"path/filepath"
	"strings"

	"github.com/agent-lens/backend/internal/parse"
	"github.com/agent-lens/backend/internal/state"
)

// handleTeamConfig loads <teams>/<name>/config.json, creating the
// synthetic team session and registering member agents. Members already
// known to the registry keep their live status and counters.
func (w *Watcher) handleTeamConfig(path string) {
	cfg := parse.ParseTeamConfig(path)
	if cfg == nil {
		// Missing or mid-write; the next change event retries.
		return
	}

	teamName := filepath.Base(filepath.Dir(path))
	if cfg.Name != "" {
		teamName = cfg.Name
	}

	w.reg.AddSession(&state.Session{
		SessionID:   state.TeamSessionID(teamName),
		ProjectName: teamName,
		TeamName:    teamName,
		IsTeam:      true,
	})

	added := 0
	for _, a := range cfg.MemberAgents(teamName) {
		if _, known := w.reg.Agent(a.ID); known {
			continue
		}
		if w.reg.RegisterAgent(a) {
			added++
		}
	}
	if added > 0 {
		log.Printf("[watcher] team %s: registered %d members", teamName, added)
	}
}

// handleTeamConfigUnlink tears the team down when its config disappears.
func (w *Watcher) handleTeamConfigUnlink(path string) {
	teamName := filepath.Base(filepath.Dir(path))
	log.Printf("[watcher] team config gone, removing team %s", teamName)
	w.reg.ClearTeamAgents(teamName)
	w.reg.RemoveSession(state.TeamSessionID(teamName))
}

// handleTaskFile upserts one task from <tasks>/<team>/<id>.json and
// realigns agent statuses with task ownership.
func (w *Watcher) handleTaskFile(path string) {
	t := parse.ParseTaskFile(path)
	if t == nil {
		return
	}
	w.reg.UpdateTask(t)
	w.reg.ReconcileAgentStatuses()
}

// handleTaskFileUnlink removes the task named by the filename stem.
func (w *Watcher) handleTaskFileUnlink(path string) {
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if id == "" {
		return
	}
	w.reg.RemoveTask(id)
	w.reg.ReconcileAgentStatuses()
}
