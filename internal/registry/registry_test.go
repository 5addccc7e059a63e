package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/agent-lens/backend/internal/guards"
	"github.com/agent-lens/backend/internal/state"
)

const testDebounce = 20 * time.Millisecond

func newTestRegistry() (*Registry, chan Delta) {
	r := New(guards.New(time.Minute), testDebounce)
	ch := r.Subscribe(256)
	return r, ch
}

// drain reads every delta currently buffered on the channel.
func drain(ch chan Delta) []Delta {
	var out []Delta
	for {
		select {
		case d := <-ch:
			out = append(out, d)
		default:
			return out
		}
	}
}

func waitFlush() {
	time.Sleep(4 * testDebounce)
}

func workingAgent(id string) *state.Agent {
	return &state.Agent{ID: id, Name: id, Status: state.Idle}
}

func TestRegisterAgentEmits(t *testing.T) {
	r, ch := newTestRegistry()

	if !r.RegisterAgent(workingAgent("a1")) {
		t.Fatal("RegisterAgent rejected fresh agent")
	}
	deltas := drain(ch)
	if len(deltas) != 1 || deltas[0].Type != DeltaAgentAdded {
		t.Fatalf("first register deltas = %+v, want one agent_added", deltas)
	}
	if deltas[0].Agent == nil || deltas[0].Agent.ID != "a1" {
		t.Errorf("agent_added payload = %+v", deltas[0].Agent)
	}

	r.RegisterAgent(workingAgent("a1"))
	deltas = drain(ch)
	if len(deltas) != 1 || deltas[0].Type != DeltaAgentUpdate {
		t.Fatalf("re-register deltas = %+v, want one agent_update", deltas)
	}
}

func TestRegisterAgentRespectsRemovalGuard(t *testing.T) {
	r, ch := newTestRegistry()

	r.RegisterAgent(workingAgent("sub-1"))
	r.RemoveAgent("sub-1")
	drain(ch)

	if r.RegisterAgent(workingAgent("sub-1")) {
		t.Error("recently removed agent was re-registered")
	}
	if deltas := drain(ch); len(deltas) != 0 {
		t.Errorf("guarded register emitted %+v", deltas)
	}
	if _, ok := r.Agent("sub-1"); ok {
		t.Error("guarded agent present in registry")
	}
}

func TestWorkingUpdatesCoalesce(t *testing.T) {
	r, ch := newTestRegistry()
	r.RegisterAgent(workingAgent("a1"))
	drain(ch)

	r.UpdateAgentActivityByID("a1", state.Working, "Reading main.go", "")
	r.UpdateAgentActivityByID("a1", state.Working, "Editing main.go", "")
	r.UpdateAgentActivityByID("a1", state.Working, "Running tests...", "")

	if deltas := drain(ch); len(deltas) != 0 {
		t.Fatalf("working updates emitted before debounce: %+v", deltas)
	}

	waitFlush()
	deltas := drain(ch)
	if len(deltas) != 1 {
		t.Fatalf("got %d deltas after flush, want 1 coalesced update", len(deltas))
	}
	if deltas[0].Type != DeltaAgentUpdate || deltas[0].Agent.CurrentAction != "Running tests..." {
		t.Errorf("flushed delta = %+v, want latest action", deltas[0])
	}

	a, _ := r.Agent("a1")
	if len(a.RecentActions) != 3 {
		t.Errorf("recentActions = %v, want all three recorded", a.RecentActions)
	}
}

func TestIdlePreemptsPendingWorking(t *testing.T) {
	r, ch := newTestRegistry()
	r.RegisterAgent(workingAgent("a1"))
	drain(ch)

	r.UpdateAgentActivityByID("a1", state.Working, "Reading a", "")
	r.UpdateAgentActivityByID("a1", state.Idle, "", "")

	deltas := drain(ch)
	if len(deltas) != 1 || deltas[0].Agent.Status != state.Idle {
		t.Fatalf("idle transition deltas = %+v, want one immediate idle", deltas)
	}

	// The pending working broadcast must not land after the idle.
	waitFlush()
	if late := drain(ch); len(late) != 0 {
		t.Errorf("stale working update flushed after idle: %+v", late)
	}
}

func TestIdleClearsWaiting(t *testing.T) {
	r, ch := newTestRegistry()
	r.RegisterAgent(workingAgent("a1"))
	r.SetAgentWaitingByID("a1", true, "Waiting for permission", "", state.WaitPermission)
	drain(ch)

	r.UpdateAgentActivityByID("a1", state.Idle, "", "")
	deltas := drain(ch)
	if len(deltas) != 1 {
		t.Fatalf("deltas = %+v", deltas)
	}
	a := deltas[0].Agent
	if a.WaitingForInput || a.WaitingType != state.WaitNone {
		t.Errorf("idle left waiting set: %+v", a)
	}
}

func TestWaitingRevivesIdleAgent(t *testing.T) {
	r, ch := newTestRegistry()
	r.RegisterAgent(workingAgent("a1"))
	r.UpdateAgentActivityByID("a1", state.Idle, "", "")
	drain(ch)

	// A permission prompt can land right after the turn ended; waiting
	// and idle are mutually exclusive, so the agent comes back working.
	r.SetAgentWaitingByID("a1", true, "Waiting for permission", "", state.WaitPermission)

	a, _ := r.Agent("a1")
	if a.Status != state.Working {
		t.Errorf("status = %v, want working while waiting", a.Status)
	}
	if !a.WaitingForInput || a.WaitingType != state.WaitPermission {
		t.Errorf("agent = %+v, want permission wait set", a)
	}

	r.UpdateAgentActivityByID("a1", state.Done, "", "")
	r.SetAgentWaitingByID("a1", true, "", "", state.WaitQuestion)
	a, _ = r.Agent("a1")
	if a.Status != state.Working {
		t.Errorf("status = %v, want done agent revived by waiting", a.Status)
	}
}

func TestTaskCompletionIncrementsOwnerOnce(t *testing.T) {
	r, ch := newTestRegistry()
	r.RegisterAgent(&state.Agent{ID: "lead-1", Name: "Lead", TeamName: "builders"})
	drain(ch)

	r.UpdateTask(&state.Task{ID: "7", Subject: "Wire parser", Owner: "Lead", Status: state.TaskInProgress})
	r.UpdateTask(&state.Task{ID: "7", Subject: "Wire parser", Owner: "Lead", Status: state.TaskCompleted})
	// Replayed completed write must not double count.
	r.UpdateTask(&state.Task{ID: "7", Subject: "Wire parser", Owner: "Lead", Status: state.TaskCompleted})

	a, _ := r.Agent("lead-1")
	if a.TasksCompleted != 1 {
		t.Errorf("tasksCompleted = %d, want 1", a.TasksCompleted)
	}
}

func TestTaskOwnerChangeIdlesPreviousOwner(t *testing.T) {
	r, ch := newTestRegistry()
	r.RegisterAgent(&state.Agent{ID: "w1", Name: "Worker", TeamName: "builders", Status: state.Working, CurrentAction: "Editing x"})
	r.RegisterAgent(&state.Agent{ID: "s1", Name: "Scout", TeamName: "builders"})
	drain(ch)

	r.UpdateTask(&state.Task{ID: "1", Owner: "Worker", Status: state.TaskInProgress})
	r.UpdateTask(&state.Task{ID: "1", Owner: "Scout", Status: state.TaskInProgress})

	a, _ := r.Agent("w1")
	if a.Status != state.Idle || a.CurrentAction != "" {
		t.Errorf("previous owner = %+v, want idle with cleared action", a)
	}
}

func TestTaskOwnerChangeKeepsOwnerWithOtherTask(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterAgent(&state.Agent{ID: "w1", Name: "Worker", TeamName: "builders", Status: state.Working})

	r.UpdateTask(&state.Task{ID: "1", Owner: "Worker", Status: state.TaskInProgress})
	r.UpdateTask(&state.Task{ID: "2", Owner: "Worker", Status: state.TaskInProgress})
	r.UpdateTask(&state.Task{ID: "1", Owner: "Scout", Status: state.TaskInProgress})

	a, _ := r.Agent("w1")
	if a.Status != state.Working {
		t.Errorf("owner with remaining in_progress task went %v", a.Status)
	}
}

func TestRemoveTaskSurfacesAsCompleted(t *testing.T) {
	r, ch := newTestRegistry()
	r.UpdateTask(&state.Task{ID: "9", Subject: "Cleanup", Status: state.TaskPending})
	drain(ch)

	r.RemoveTask("9")
	deltas := drain(ch)
	if len(deltas) != 1 || deltas[0].Type != DeltaTaskUpdate {
		t.Fatalf("deltas = %+v", deltas)
	}
	if deltas[0].Task.Status != state.TaskCompleted || deltas[0].TaskID != "9" {
		t.Errorf("removal delta = %+v, want completed with taskId", deltas[0])
	}
	if _, ok := r.Task("9"); ok {
		t.Error("task still present after RemoveTask")
	}
}

func TestAddMessageDedupeAndBounds(t *testing.T) {
	r, ch := newTestRegistry()

	r.AddMessage(&state.Message{ID: "m1", From: "Lead", To: "Scout", Content: "hello"})
	r.AddMessage(&state.Message{ID: "m1", From: "Lead", To: "Scout", Content: "hello"})
	if got := len(r.Messages()); got != 1 {
		t.Errorf("duplicate id stored, len = %d", got)
	}
	drain(ch)

	for i := 0; i < state.MaxMessages+50; i++ {
		r.AddMessage(&state.Message{ID: fmt.Sprintf("b-%d", i), From: "a", To: "b", Content: "x"})
	}
	msgs := r.Messages()
	if len(msgs) != state.MaxMessages {
		t.Errorf("message log len = %d, want bounded at %d", len(msgs), state.MaxMessages)
	}
	if msgs[len(msgs)-1].ID != fmt.Sprintf("b-%d", state.MaxMessages+49) {
		t.Errorf("newest message = %q, oldest should have been evicted", msgs[len(msgs)-1].ID)
	}
}

func TestAddMessageTruncatesContent(t *testing.T) {
	r, _ := newTestRegistry()
	long := make([]byte, state.MaxMessageContent+100)
	for i := range long {
		long[i] = 'x'
	}
	r.AddMessage(&state.Message{ID: "m1", Content: string(long)})

	msgs := r.Messages()
	if len(msgs[0].Content) > state.MaxMessageContent+3 {
		t.Errorf("content len = %d, not truncated", len(msgs[0].Content))
	}
}

func TestAddSessionAutoSelect(t *testing.T) {
	r, ch := newTestRegistry()

	r.AddSession(&state.Session{SessionID: "s1", ProjectName: "alpha", LastActivity: 1000})
	deltas := drain(ch)
	if r.SelectedSession() != "s1" {
		t.Errorf("first session not auto-selected, got %q", r.SelectedSession())
	}
	var sawFull bool
	for _, d := range deltas {
		if d.Type == DeltaFullState && d.SessionID == "s1" {
			sawFull = true
		}
	}
	if !sawFull {
		t.Errorf("auto-select emitted no full_state: %+v", deltas)
	}

	// Staler session must not steal the selection.
	r.AddSession(&state.Session{SessionID: "s0", ProjectName: "old", LastActivity: 500})
	drain(ch)
	if r.SelectedSession() != "s1" {
		t.Errorf("stale session stole selection: %q", r.SelectedSession())
	}

	// Fresher one does.
	r.AddSession(&state.Session{SessionID: "s2", ProjectName: "beta", LastActivity: 2000})
	if r.SelectedSession() != "s2" {
		t.Errorf("fresher session not selected: %q", r.SelectedSession())
	}
}

func TestAddSessionIdempotent(t *testing.T) {
	r, ch := newTestRegistry()
	r.AddSession(&state.Session{SessionID: "s1", LastActivity: 1000})
	drain(ch)

	r.AddSession(&state.Session{SessionID: "s1", LastActivity: 3000})
	if deltas := drain(ch); len(deltas) != 0 {
		t.Errorf("re-add emitted %+v, want nothing", deltas)
	}
	s, _ := r.Session("s1")
	if s.LastActivity != 3000 {
		t.Errorf("lastActivity = %d, want advanced to 3000", s.LastActivity)
	}

	// Re-add may never move activity backwards.
	r.AddSession(&state.Session{SessionID: "s1", LastActivity: 2000})
	s, _ = r.Session("s1")
	if s.LastActivity != 3000 {
		t.Errorf("lastActivity moved backwards to %d", s.LastActivity)
	}
}

func TestRemoveSessionClearsSelection(t *testing.T) {
	r, ch := newTestRegistry()
	r.AddSession(&state.Session{SessionID: "s1", LastActivity: 1000})
	drain(ch)

	r.RemoveSession("s1")
	deltas := drain(ch)
	if r.SelectedSession() != "" {
		t.Errorf("selection = %q after removing selected session", r.SelectedSession())
	}
	if len(deltas) != 2 || deltas[0].Type != DeltaSessionEnded || deltas[1].Type != DeltaSessionsList {
		t.Errorf("deltas = %+v, want session_ended then sessions_list", deltas)
	}
}

func TestSelectMostInterestingSession(t *testing.T) {
	r, _ := newTestRegistry()
	r.AddSession(&state.Session{SessionID: "s1", LastActivity: 1000})
	r.AddSession(&state.Session{SessionID: "s2", LastActivity: 5000})
	r.AddSession(&state.Session{SessionID: "s3", LastActivity: 3000})

	r.SelectSession("s1")
	r.SelectMostInterestingSession()
	if r.SelectedSession() != "s2" {
		t.Errorf("selected %q, want freshest s2", r.SelectedSession())
	}
}

func TestSessionsSortedByActivity(t *testing.T) {
	r, _ := newTestRegistry()
	r.AddSession(&state.Session{SessionID: "s1", LastActivity: 1000})
	r.AddSession(&state.Session{SessionID: "s2", LastActivity: 5000})
	r.AddSession(&state.Session{SessionID: "s3", LastActivity: 3000})

	got := r.Sessions()
	want := []string{"s2", "s3", "s1"}
	for i, s := range got {
		if s.SessionID != want[i] {
			t.Fatalf("order = %v at %d, want %v", s.SessionID, i, want)
		}
	}
}

func TestReconcileAgentStatuses(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterAgent(&state.Agent{ID: "w1", Name: "Worker", TeamName: "builders", Status: state.Idle})
	r.RegisterAgent(&state.Agent{ID: "s1", Name: "Scout", TeamName: "builders", Status: state.Working, CurrentAction: "Editing"})
	// Solo agent doing non-task work must be left alone.
	r.RegisterAgent(&state.Agent{ID: "solo-1", Name: "solo-1", Status: state.Working, CurrentAction: "Reading"})

	r.UpdateTask(&state.Task{ID: "1", Owner: "Worker", Status: state.TaskInProgress})
	r.ReconcileAgentStatuses()

	w, _ := r.Agent("w1")
	if w.Status != state.Working {
		t.Errorf("task owner status = %v, want working", w.Status)
	}
	s, _ := r.Agent("s1")
	if s.Status != state.Idle || s.CurrentAction != "" {
		t.Errorf("taskless team agent = %+v, want idle", s)
	}
	solo, _ := r.Agent("solo-1")
	if solo.Status != state.Working {
		t.Errorf("solo agent reconciled to %v", solo.Status)
	}
}

func TestClearTeamAgents(t *testing.T) {
	r, ch := newTestRegistry()
	r.RegisterAgent(&state.Agent{ID: "w1", Name: "Worker", TeamName: "builders"})
	r.RegisterAgent(&state.Agent{ID: "w2", Name: "Scout", TeamName: "builders"})
	r.RegisterAgent(&state.Agent{ID: "other", Name: "Other", TeamName: "painters"})
	drain(ch)

	r.ClearTeamAgents("builders")
	if _, ok := r.Agent("w1"); ok {
		t.Error("team agent survived ClearTeamAgents")
	}
	if _, ok := r.Agent("other"); !ok {
		t.Error("other team's agent was removed")
	}
	// Cleared members must hit the removal guard.
	if r.RegisterAgent(&state.Agent{ID: "w1", Name: "Worker"}) {
		t.Error("cleared team agent re-registered past the guard")
	}
}

func TestAgentsForSessionSolo(t *testing.T) {
	r, _ := newTestRegistry()
	r.AddSession(&state.Session{SessionID: "solo-1", LastActivity: 1000})
	r.RegisterAgent(&state.Agent{ID: "solo-1", Name: "myproject"})
	r.RegisterAgent(&state.Agent{ID: "sub-a", Name: "Explore", IsSubagent: true, ParentAgentID: "solo-1"})
	r.RegisterAgent(&state.Agent{ID: "sub-b", Name: "Other", IsSubagent: true, ParentAgentID: "solo-2"})
	r.RegisterAgent(&state.Agent{ID: "stranger", Name: "stranger"})

	agents := r.AgentsForSession("solo-1")
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want primary + its subagent", len(agents))
	}
	ids := map[string]bool{}
	for _, a := range agents {
		ids[a.ID] = true
	}
	if !ids["solo-1"] || !ids["sub-a"] {
		t.Errorf("membership = %v", ids)
	}
	if r.AgentCount("solo-1") != 2 {
		t.Errorf("AgentCount = %d, want 2", r.AgentCount("solo-1"))
	}
}

func TestAgentsForSessionTeam(t *testing.T) {
	r, _ := newTestRegistry()
	r.AddSession(&state.Session{SessionID: "team:builders", TeamName: "builders", IsTeam: true, LastActivity: 1000})
	r.AddSession(&state.Session{SessionID: "solo-1", LastActivity: 900})
	r.RegisterAgent(&state.Agent{ID: "solo-1", Name: "myproject"})
	r.RegisterAgent(&state.Agent{ID: "lead-1", Name: "Lead", TeamName: "builders"})
	r.RegisterAgent(&state.Agent{ID: "w1", Name: "Worker", TeamName: "builders"})

	agents := r.AgentsForSession("team:builders")
	for _, a := range agents {
		if a.ID == "solo-1" {
			t.Error("solo session's agent leaked into team view")
		}
	}
	if len(agents) != 2 {
		t.Errorf("team membership = %d agents, want 2", len(agents))
	}
}

func TestAgentInSessionMatchesAgentsForSession(t *testing.T) {
	r, _ := newTestRegistry()
	r.AddSession(&state.Session{SessionID: "team:builders", TeamName: "builders", IsTeam: true, LastActivity: 1000})
	r.AddSession(&state.Session{SessionID: "solo-1", LastActivity: 900})
	r.RegisterAgent(&state.Agent{ID: "solo-1", Name: "p"})
	r.RegisterAgent(&state.Agent{ID: "sub-a", Name: "Explore", IsSubagent: true, ParentAgentID: "solo-1"})
	r.RegisterAgent(&state.Agent{ID: "lead-1", Name: "Lead", TeamName: "builders"})

	for _, sid := range []string{"team:builders", "solo-1"} {
		member := map[string]bool{}
		for _, a := range r.AgentsForSession(sid) {
			member[a.ID] = true
		}
		for _, a := range r.AllAgents() {
			if got := r.AgentInSession(a, sid); got != member[a.ID] {
				t.Errorf("AgentInSession(%s, %s) = %v, membership list says %v", a.ID, sid, got, member[a.ID])
			}
		}
	}
}

func TestSessionHasWaitingAgents(t *testing.T) {
	r, _ := newTestRegistry()
	r.AddSession(&state.Session{SessionID: "solo-1", LastActivity: 1000})
	r.RegisterAgent(&state.Agent{ID: "solo-1", Name: "p"})

	if r.SessionHasWaitingAgents("solo-1") {
		t.Error("no agent is waiting yet")
	}
	r.SetAgentWaitingByID("solo-1", true, "Waiting for your input", "", state.WaitQuestion)
	if !r.SessionHasWaitingAgents("solo-1") {
		t.Error("waiting agent not detected")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r, _ := newTestRegistry()
	ch := r.Subscribe(8)
	r.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
	// Emits after unsubscribe must not panic on the closed channel.
	r.AddSession(&state.Session{SessionID: "s1", LastActivity: 1})
}
