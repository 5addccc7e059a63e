package hooks

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agent-lens/backend/internal/parse"
	"github.com/agent-lens/backend/internal/state"
)

// gitMutatingCmd matches Bash commands that can move branches or the
// upstream relationship, invalidating the cached git status.
var gitMutatingCmd = regexp.MustCompile(`\bgit\s+(push|commit|pull|merge|rebase|checkout|switch)\b|\bgh\s+pr\b`)

// taskNumberRe extracts the assigned id from a TaskCreate response like
// "Task #12 created".
var taskNumberRe = regexp.MustCompile(`Task #(\d+)`)

func (d *Dispatcher) handlePostToolUse(ev *Event, agentID string) {
	d.reg.SetAgentWaitingByID(agentID, false, "", "", state.WaitNone)

	switch ev.ToolName {
	case "Bash":
		d.maybeRefreshGit(ev, agentID)
	case "SendMessage", "SendMessageTool":
		d.extractMessage(ev, agentID)
	case "TeamCreate":
		d.extractTeamCreate(ev, agentID)
	case "TeamDelete":
		d.extractTeamDelete(ev)
	case "TaskCreate":
		d.extractTaskCreate(ev)
	case "TaskUpdate":
		d.extractTaskUpdate(ev)
	}
}

// maybeRefreshGit invalidates and re-probes git status after commands
// that change it.
func (d *Dispatcher) maybeRefreshGit(ev *Event, agentID string) {
	cmd := parse.InputString(ev.ToolInput, "command")
	if cmd == "" || !gitMutatingCmd.MatchString(cmd) {
		return
	}

	d.mu.Lock()
	cwd := d.cwdBySession[ev.SessionID]
	d.mu.Unlock()
	if cwd == "" {
		cwd = ev.Cwd
	}
	if cwd == "" || d.prober == nil {
		return
	}

	d.prober.Invalidate(cwd)
	d.runAsync(func() { d.applyGitInfo(agentID, cwd) })
}

// extractMessage records an inter-agent SendMessage observed via hooks.
// The transcript path may also see it; the message id deduplicates.
func (d *Dispatcher) extractMessage(ev *Event, agentID string) {
	input := ev.ToolInput
	content := parse.InputString(input, "content")
	if content == "" {
		content = parse.InputString(input, "summary")
	}

	msgType := parse.InputString(input, "type")
	recipient := parse.InputString(input, "recipient")
	if msgType == "broadcast" && recipient == "" {
		recipient = "team (broadcast)"
	}
	if msgType == "shutdown_request" {
		if recipient == "" {
			recipient = "team (broadcast)"
		}
		if content == "" {
			content = "Requesting shutdown"
		} else {
			content = "Requesting shutdown: " + content
		}
	}
	if recipient == "" || content == "" {
		return
	}

	sender := agentID
	if a, ok := d.reg.Agent(agentID); ok && a.Name != "" {
		sender = a.Name
	}

	id := ev.ToolUseID
	if id == "" {
		id = uuid.NewString()
	}
	d.reg.AddMessage(&state.Message{
		ID:      id,
		From:    sender,
		To:      recipient,
		Content: content,
	})
}

func (d *Dispatcher) extractTeamCreate(ev *Event, agentID string) {
	teamName := parse.InputString(ev.ToolInput, "team_name")
	if teamName == "" {
		teamName = parse.InputString(ev.ToolInput, "name")
	}
	if teamName == "" {
		return
	}

	d.reg.AddSession(&state.Session{
		SessionID:   state.TeamSessionID(teamName),
		ProjectName: teamName,
		TeamName:    teamName,
		IsTeam:      true,
	})

	if a, ok := d.reg.Agent(agentID); ok && a.TeamName == "" {
		a.TeamName = teamName
		d.reg.UpdateAgent(a)
	}

	// TeamCreate may carry the roster inline; register what it names.
	members, _ := ev.ToolInput["members"].([]any)
	for _, raw := range members {
		m, _ := raw.(map[string]any)
		if m == nil {
			continue
		}
		id := parse.InputString(m, "agentId")
		if id == "" {
			id = parse.InputString(m, "id")
		}
		name := parse.InputString(m, "name")
		if id == "" {
			id = name
		}
		if id == "" {
			continue
		}
		if name == "" {
			name = id
		}
		if _, known := d.reg.Agent(id); known {
			continue
		}
		d.reg.RegisterAgent(&state.Agent{
			ID:       id,
			Name:     name,
			Role:     parse.InferRole(parse.InputString(m, "agentType"), name),
			Status:   state.Idle,
			TeamName: teamName,
		})
	}
}

func (d *Dispatcher) extractTeamDelete(ev *Event) {
	teamName := parse.InputString(ev.ToolInput, "team_name")
	if teamName == "" {
		teamName = parse.InputString(ev.ToolInput, "name")
	}
	if teamName == "" {
		teamName = ev.TeamName
	}
	if teamName == "" {
		return
	}
	d.reg.ClearTeamAgents(teamName)
	d.reg.RemoveSession(state.TeamSessionID(teamName))
}

func (d *Dispatcher) extractTaskCreate(ev *Event) {
	subject := parse.InputString(ev.ToolInput, "subject")
	if subject == "" {
		subject = "Untitled"
	}

	id := ""
	if len(ev.ToolResponse) > 0 {
		var text string
		if err := json.Unmarshal(ev.ToolResponse, &text); err != nil {
			text = string(ev.ToolResponse)
		}
		if m := taskNumberRe.FindStringSubmatch(text); m != nil {
			id = m[1]
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	d.reg.UpdateTask(&state.Task{
		ID:      id,
		Subject: subject,
		Status:  state.TaskPending,
		Owner:   parse.InputString(ev.ToolInput, "owner"),
	})
}

func (d *Dispatcher) extractTaskUpdate(ev *Event) {
	id := parse.InputString(ev.ToolInput, "taskId")
	if id == "" {
		id = parse.InputString(ev.ToolInput, "task_id")
	}
	if id == "" {
		return
	}

	rawStatus := parse.InputString(ev.ToolInput, "status")
	if rawStatus == "deleted" {
		d.reg.RemoveTask(id)
		d.reg.ReconcileAgentStatuses()
		return
	}

	t, ok := d.reg.Task(id)
	if !ok {
		t = &state.Task{ID: id, Subject: "Untitled"}
	}
	if subject := parse.InputString(ev.ToolInput, "subject"); subject != "" {
		t.Subject = subject
	}
	if owner := parse.InputString(ev.ToolInput, "owner"); owner != "" {
		t.Owner = owner
	}
	if rawStatus != "" {
		t.Status = state.NormalizeTaskStatus(rawStatus)
	}
	d.reg.UpdateTask(t)

	// Keep the owner's current-task pointer in step with transitions.
	if t.Owner != "" {
		if owner, ok := d.reg.AgentByName(t.Owner); ok {
			switch t.Status {
			case state.TaskInProgress:
				d.reg.SetAgentCurrentTask(owner.ID, t.ID)
			case state.TaskCompleted:
				if owner.CurrentTaskID == t.ID {
					d.reg.SetAgentCurrentTask(owner.ID, "")
				}
			}
		}
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
