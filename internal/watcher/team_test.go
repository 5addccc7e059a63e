package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agent-lens/backend/internal/state"
)

func writeTeamFile(t *testing.T, w *Watcher, team, name, content string) string {
	t.Helper()
	dir := filepath.Join(w.cfg.Watch.TeamsDir, team)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeTaskFile(t *testing.T, w *Watcher, team, name, content string) string {
	t.Helper()
	dir := filepath.Join(w.cfg.Watch.TasksDir, team)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTeamConfigRegistersMembers(t *testing.T) {
	w, reg, _ := newTestWatcher(t)
	path := writeTeamFile(t, w, "builders", "config.json", `{
		"name": "builders",
		"members": [
			{"agentId": "lead-1", "name": "Lead", "agentType": "team-lead"},
			{"agentId": "w-1", "name": "Worker", "agentType": "implementer"}
		]
	}`)

	w.handleTeamConfig(path)

	s, ok := reg.Session(state.TeamSessionID("builders"))
	if !ok {
		t.Fatal("team session not created")
	}
	if !s.IsTeam || s.TeamName != "builders" {
		t.Errorf("team session = %+v", s)
	}
	lead, ok := reg.Agent("lead-1")
	if !ok {
		t.Fatal("lead not registered")
	}
	if lead.Role != state.RoleLead || lead.TeamName != "builders" {
		t.Errorf("lead = %+v", lead)
	}
}

func TestTeamConfigReloadKeepsLiveState(t *testing.T) {
	w, reg, _ := newTestWatcher(t)
	path := writeTeamFile(t, w, "builders", "config.json",
		`{"members":[{"agentId":"lead-1","name":"Lead"}]}`)
	w.handleTeamConfig(path)

	reg.UpdateAgentActivityByID("lead-1", state.Working, "Editing x", "")
	reg.IncrementTasksCompleted("lead-1")

	w.handleTeamConfig(path)

	a, _ := reg.Agent("lead-1")
	if a.Status != state.Working || a.TasksCompleted != 1 {
		t.Errorf("config reload reset live state: %+v", a)
	}
}

func TestTeamConfigUnlinkTearsDown(t *testing.T) {
	w, reg, _ := newTestWatcher(t)
	path := writeTeamFile(t, w, "builders", "config.json",
		`{"members":[{"agentId":"lead-1","name":"Lead"}]}`)
	w.handleTeamConfig(path)

	os.Remove(path)
	w.handleTeamConfigUnlink(path)

	if _, ok := reg.Agent("lead-1"); ok {
		t.Error("team agent survived config unlink")
	}
	if _, ok := reg.Session(state.TeamSessionID("builders")); ok {
		t.Error("team session survived config unlink")
	}
}

func TestTaskFileUpsertAndReconcile(t *testing.T) {
	w, reg, _ := newTestWatcher(t)
	cfgPath := writeTeamFile(t, w, "builders", "config.json",
		`{"members":[{"agentId":"w-1","name":"Worker"}]}`)
	w.handleTeamConfig(cfgPath)

	path := writeTaskFile(t, w, "builders", "3.json",
		`{"id":"3","subject":"Ship it","status":"in_progress","owner":"Worker"}`)
	w.handleTaskFile(path)

	task, ok := reg.Task("3")
	if !ok {
		t.Fatal("task not stored")
	}
	if task.Subject != "Ship it" || task.Status != state.TaskInProgress {
		t.Errorf("task = %+v", task)
	}
	a, _ := reg.Agent("w-1")
	if a.Status != state.Working {
		t.Errorf("task owner not reconciled to working, got %v", a.Status)
	}
}

func TestTaskFileUnlinkRemovesTask(t *testing.T) {
	w, reg, _ := newTestWatcher(t)
	path := writeTaskFile(t, w, "builders", "3.json",
		`{"id":"3","subject":"Ship it","status":"pending"}`)
	w.handleTaskFile(path)

	os.Remove(path)
	w.handleTaskFileUnlink(path)

	if _, ok := reg.Task("3"); ok {
		t.Error("task survived file unlink")
	}
}

func TestTaskFileMidWriteIgnored(t *testing.T) {
	w, reg, _ := newTestWatcher(t)
	path := writeTaskFile(t, w, "builders", "4.json", "")
	w.handleTaskFile(path)

	if _, ok := reg.Task("4"); ok {
		t.Error("empty mid-write task file stored a task")
	}
}
