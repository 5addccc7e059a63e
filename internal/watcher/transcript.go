package watcher

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/agent-lens/backend/internal/parse"
	"github.com/agent-lens/backend/internal/registry"
	"github.com/agent-lens/backend/internal/state"
)

const compactingAction = "Compacting conversation..."

// maxSubagentNameLen bounds the display name derived from a subagent's
// first user message.
const maxSubagentNameLen = 40

// internalSubagentPrefix marks conversation-compaction helper subagents
// that are tracked but never displayed.
const internalSubagentPrefix = "agent-acompact"

// detectTranscript starts tracking a transcript file. Returns whether
// the file is now tracked. During the initial scan, files older than the
// configured windows are skipped.
func (w *Watcher) detectTranscript(path string, initial bool) bool {
	parts := w.classifyTranscript(path)
	if parts == nil {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	mtime := info.ModTime()

	if len(parts) == 4 {
		return w.detectSubagent(path, parts, mtime, initial)
	}

	if initial && w.now().Sub(mtime) > w.cfg.Watch.InitialScanMaxAge {
		return false
	}

	w.mu.Lock()
	if _, ok := w.tracked[path]; ok {
		w.mu.Unlock()
		return true
	}
	w.mu.Unlock()

	head, offset, err := parse.ReadFirstLines(path, w.cfg.Watch.HeadLines)
	if err != nil {
		log.Printf("[watcher] read head of %s: %v", path, err)
		return false
	}

	var meta *parse.SessionMeta
	for _, line := range head {
		if m := parse.ParseSessionMetadata(line); m != nil {
			meta = m
			break
		}
	}

	slug := parts[0]
	// The filename stem is authoritative: compacted or continued sessions
	// rewrite the in-file sessionId but keep the file.
	sessionID := parse.SessionIDFromPath(path)
	if meta != nil && meta.SessionID != sessionID {
		log.Printf("[watcher] session id override for %s: %s → %s", path, meta.SessionID, sessionID)
		meta.SessionID = sessionID
	}

	projectName := parse.ProjectNameFromDirSlug(slug)
	projectPath := ""
	gitBranch := ""
	sessionSlug := slug
	if meta != nil {
		if meta.ProjectName != "" {
			projectName = meta.ProjectName
		}
		if meta.Slug != "" {
			sessionSlug = meta.Slug
		}
		projectPath = meta.ProjectPath
		gitBranch = meta.GitBranch
	}

	// The in-file slug is the session's friendly name; the project name
	// is only a fallback when the metadata line carries none.
	agentName := projectName
	if meta != nil && meta.Slug != "" {
		agentName = meta.Slug
	}

	entry := &trackedFile{
		path:         path,
		sessionID:    sessionID,
		agentID:      sessionID,
		slug:         slug,
		projectPath:  projectPath,
		lastActivity: mtime,
		offset:       offset,
	}

	// Team-member transcripts don't get a solo session or agent of their
	// own; they address the team agent through the session mapping.
	if meta != nil && meta.IsTeam {
		if meta.AgentID != "" {
			w.guards.RegisterSessionToAgentMapping(sessionID, meta.AgentID)
		}
		w.reg.AddSession(&state.Session{
			SessionID:    state.TeamSessionID(meta.TeamName),
			ProjectName:  meta.TeamName,
			ProjectPath:  projectPath,
			TeamName:     meta.TeamName,
			IsTeam:       true,
			LastActivity: mtime.UnixMilli(),
		})
		entry.agentID = w.guards.ResolveAgentID(sessionID)
		w.mu.Lock()
		w.tracked[path] = entry
		w.mu.Unlock()
		log.Printf("[watcher] tracking team transcript %s (team=%s agent=%s)", sessionID, meta.TeamName, entry.agentID)
		return true
	}

	tail, err := parse.ReadLastLines(path, w.cfg.Watch.TailLines)
	if err != nil {
		log.Printf("[watcher] read tail of %s: %v", path, err)
	}
	scan := scanTail(tail)

	status := state.Idle
	if w.now().Sub(mtime) < w.cfg.Watch.RecentFileWindow {
		status = state.Working
	}
	if scan.hasStatus {
		status = scan.status
	}
	if w.guards.IsSessionStopped(sessionID) {
		status = state.Idle
		scan.waiting = false
	}

	agent := &state.Agent{
		ID:            sessionID,
		Name:          agentName,
		Status:        status,
		CurrentAction: scan.action,
		GitBranch:     gitBranch,
	}
	if status != state.Working {
		agent.CurrentAction = ""
	}
	if scan.waiting && status == state.Working {
		agent.WaitingForInput = true
		agent.WaitingType = scan.waitType
	}

	if !w.reg.RegisterAgent(agent) {
		return false
	}
	w.reg.AddSession(&state.Session{
		SessionID:    sessionID,
		ProjectName:  projectName,
		ProjectPath:  projectPath,
		Slug:         sessionSlug,
		GitBranch:    gitBranch,
		LastActivity: mtime.UnixMilli(),
	})

	// JSONL metadata can be stale; the working tree is the truth.
	w.probeGit(sessionID, projectPath)

	// A recent acompact helper for this session means a compaction is in
	// flight right now, whatever the tail says.
	if w.recentInternalFor(sessionID) {
		w.reg.UpdateAgentActivityByID(sessionID, state.Working, compactingAction, "")
	}

	w.mu.Lock()
	w.tracked[path] = entry
	w.mu.Unlock()

	log.Printf("[watcher] tracking session %s (%s, status=%s)", sessionID, projectName, status)
	return true
}

// probeGit refreshes an agent's git fields from its working directory.
func (w *Watcher) probeGit(agentID, cwd string) {
	if cwd == "" || w.exec == nil {
		return
	}
	wt := parse.DetectGitWorktree(cwd, w.exec)
	info := registry.GitInfo{Branch: wt.Branch, Worktree: wt.Worktree}
	if w.prober != nil {
		st := w.prober.Probe(cwd)
		info.HasStatus = true
		info.Ahead = st.Ahead
		info.Behind = st.Behind
		info.Upstream = st.HasUpstream
		info.Dirty = st.Dirty
	}
	w.reg.UpdateAgentGitInfo(agentID, info)
}

// recentInternalFor reports whether an acompact helper file for the
// session was modified within the recent-file window.
func (w *Watcher) recentInternalFor(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.tracked {
		if t.isInternal && t.parentID == sessionID &&
			w.now().Sub(t.lastActivity) < w.cfg.Watch.RecentFileWindow {
			return true
		}
	}
	return false
}

// detectSubagent starts tracking a subagent transcript
// ({slug}/{parent}/subagents/{agentId}.jsonl).
func (w *Watcher) detectSubagent(path string, parts []string, mtime time.Time, initial bool) bool {
	age := w.now().Sub(mtime)
	if initial && age > w.cfg.Watch.SubagentInitialMaxAge {
		return false
	}

	w.mu.Lock()
	if _, ok := w.tracked[path]; ok {
		w.mu.Unlock()
		return true
	}
	w.mu.Unlock()

	agentID := parse.SessionIDFromPath(path)
	parent := parts[1]

	if strings.HasPrefix(agentID, internalSubagentPrefix) {
		if age < w.cfg.Watch.RecentFileWindow {
			w.reg.UpdateAgentActivityByID(w.guards.ResolveAgentID(parent), state.Working, compactingAction, "")
		}
		w.mu.Lock()
		w.tracked[path] = &trackedFile{
			path:         path,
			sessionID:    parent,
			agentID:      agentID,
			isSubagent:   true,
			isInternal:   true,
			parentID:     parent,
			lastActivity: mtime,
		}
		w.mu.Unlock()
		return true
	}

	if w.guards.WasRecentlyRemoved(agentID) {
		return false
	}
	if existing, ok := w.reg.Agent(agentID); ok {
		// Already registered via hooks; done means the hook already
		// finished it and the file is just trailing output.
		if existing.Status == state.Done {
			return false
		}
		w.trackSubagent(path, parent, agentID, mtime)
		return true
	}

	status := state.Idle
	if age < w.cfg.Watch.RecentFileWindow {
		status = state.Working
	}
	head, offset, _ := parse.ReadFirstLines(path, w.cfg.Watch.HeadLines)
	if tail, err := parse.ReadLastLines(path, w.cfg.Watch.SubagentTailLines); err == nil {
		for i := len(tail) - 1; i >= 0; i-- {
			if l := parse.ParseTranscriptLine(tail[i]); l != nil && l.Kind == parse.KindTurnEnd {
				status = state.Idle
				break
			}
		}
	}

	subType := parse.SubagentTypeFromID(agentID)
	name := subagentName(head)
	if name == "" {
		name = subType
	}
	if name == "" {
		name = agentID
	}

	if !w.reg.RegisterAgent(&state.Agent{
		ID:            agentID,
		Name:          name,
		Role:          parse.InferRole(subType, name),
		Status:        status,
		IsSubagent:    true,
		ParentAgentID: parent,
		SubagentType:  subType,
	}) {
		return false
	}

	w.mu.Lock()
	w.tracked[path] = &trackedFile{
		path:         path,
		sessionID:    parent,
		agentID:      agentID,
		isSubagent:   true,
		parentID:     parent,
		lastActivity: mtime,
		offset:       offset,
	}
	w.mu.Unlock()

	log.Printf("[watcher] tracking subagent %s (%s, parent=%s)", agentID, name, parent)
	return true
}

func (w *Watcher) trackSubagent(path, parent, agentID string, mtime time.Time) {
	// The agent predates the file tracking (hooks registered it), so the
	// file's existing content is history, not news. Start past it.
	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[path] = &trackedFile{
		path:         path,
		sessionID:    parent,
		agentID:      agentID,
		isSubagent:   true,
		parentID:     parent,
		lastActivity: mtime,
		offset:       offset,
	}
}

// subagentName derives a display name from the first user message's
// first line, clipped to maxSubagentNameLen.
func subagentName(lines [][]byte) string {
	type userEntry struct {
		Type    string `json:"type"`
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	for _, line := range lines {
		var entry userEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Type != "user" {
			continue
		}
		var text string
		if err := json.Unmarshal(entry.Message.Content, &text); err != nil {
			continue
		}
		text, _, _ = strings.Cut(text, "\n")
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if len(text) > maxSubagentNameLen {
			text = text[:maxSubagentNameLen-3] + "..."
		}
		return text
	}
	return ""
}

// tailScanResult is the outcome of scanning a transcript tail for the
// initial status.
type tailScanResult struct {
	status    state.Status
	hasStatus bool
	action    string
	waiting   bool
	waitType  state.WaitingType
}

// scanTail walks the trailing lines newest-first to decide the initial
// status. A turn_end wins outright (the turn is over); a tool_result is
// a natural boundary that stops the scan; a tool call, thinking label,
// or compact marker found before either is remembered and applied in
// that precedence order.
func scanTail(lines [][]byte) tailScanResult {
	var res tailScanResult
	var tool *parse.Line
	var thinking, compact string

scan:
	for i := len(lines) - 1; i >= 0; i-- {
		l := parse.ParseTranscriptLine(lines[i])
		if l == nil {
			continue
		}
		switch l.Kind {
		case parse.KindTurnEnd:
			res.status = state.Idle
			res.hasStatus = true
			return res
		case parse.KindToolCall:
			if tool == nil && l.ToolName != "" {
				tool = l
			}
		case parse.KindAgentActivity:
			break scan
		case parse.KindThinking:
			if thinking == "" {
				thinking = l.Label
			}
		case parse.KindCompact:
			if compact == "" {
				compact = l.Label
			}
		}
	}

	switch {
	case tool != nil:
		res.status = state.Working
		res.hasStatus = true
		res.action = tool.Label
		if tool.IsUserPrompt {
			res.waiting = true
			res.waitType = parse.WaitingTypeForTool(tool.ToolName)
		}
	case thinking != "":
		res.status = state.Working
		res.hasStatus = true
		res.action = thinking
	case compact != "":
		res.status = state.Working
		res.hasStatus = true
		res.action = compactingAction
	}
	return res
}

// handleTranscriptChange reads new lines past the stored offset and
// applies them. Messages are always recorded; status mutations are
// skipped while the session is stopped or a hook owns the status.
func (w *Watcher) handleTranscriptChange(path string) {
	w.mu.Lock()
	if w.scanning {
		w.mu.Unlock()
		return
	}
	entry, ok := w.tracked[path]
	w.mu.Unlock()

	if !ok {
		w.detectTranscript(path, false)
		return
	}

	lines, newOffset, err := parse.ReadNewLines(path, entry.offset)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[watcher] read %s: %v", path, err)
		}
		return
	}

	w.mu.Lock()
	entry.offset = newOffset
	w.mu.Unlock()

	agentID := entry.agentID
	sessionAgent := w.guards.ResolveAgentID(entry.sessionID)
	if !entry.isSubagent {
		agentID = sessionAgent
	}

	stopped := w.guards.IsSessionStopped(entry.sessionID)
	// Hooks mark the session-level agent active, so the check keys on it
	// for subagent files too; otherwise trailing subagent output would
	// override what the hooks just decided.
	hookActive := w.guards.IsHookActive(sessionAgent, w.cfg.Timing.HookActiveWindow)

	meaningful := false
	for _, raw := range lines {
		l := parse.ParseTranscriptLine(raw)
		if l == nil || l.Kind == parse.KindUnknown {
			continue
		}

		if l.Kind == parse.KindMessage {
			// Messages survive stop and hook suppression; traffic is
			// traffic.
			w.reg.AddMessage(&state.Message{
				ID:      l.Msg.ID,
				From:    l.Msg.From,
				To:      l.Msg.To,
				Content: l.Msg.Content,
			})
			meaningful = true
			continue
		}

		if stopped || hookActive || entry.isInternal {
			meaningful = true
			continue
		}

		switch l.Kind {
		case parse.KindCompact:
			w.reg.UpdateAgentActivityByID(agentID, state.Working, compactingAction, "")
		case parse.KindThinking:
			w.reg.UpdateAgentActivityByID(agentID, state.Working, l.Label, "")
		case parse.KindToolCall:
			w.reg.UpdateAgentActivityByID(agentID, state.Working, l.Label, "")
			if l.IsUserPrompt {
				w.reg.SetAgentWaitingByID(agentID, true, l.Label, "", parse.WaitingTypeForTool(l.ToolName))
			}
		case parse.KindProgress:
			if a, ok := w.reg.Agent(agentID); ok && a.Status != state.Working {
				w.reg.UpdateAgentActivityByID(agentID, state.Working, l.Label, "")
			}
			w.reg.SetAgentWaitingByID(agentID, false, "", "", state.WaitNone)
		case parse.KindAgentActivity:
			w.reg.SetAgentWaitingByID(agentID, false, "", "", state.WaitNone)
		case parse.KindTurnEnd:
			w.reg.UpdateAgentActivityByID(agentID, state.Idle, "", "")
		}
		meaningful = true
	}

	if !meaningful {
		return
	}

	// Replays of historical files must not inflate activity: only bump
	// when the file itself is recent.
	info, err := os.Stat(path)
	if err != nil || w.now().Sub(info.ModTime()) > 5*time.Minute {
		return
	}
	w.mu.Lock()
	entry.lastActivity = info.ModTime()
	sessionID := entry.sessionID
	w.mu.Unlock()

	w.reg.BumpSessionActivityTo(sessionID, info.ModTime())
	if a, ok := w.reg.Agent(agentID); ok && a.TeamName != "" {
		w.reg.BumpSessionActivityTo(state.TeamSessionID(a.TeamName), info.ModTime())
	}
}

// handleUnlink drops the tracking entry. A solo session whose last
// transcript disappears is removed outright.
func (w *Watcher) handleUnlink(path string) {
	w.mu.Lock()
	entry, ok := w.tracked[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.tracked, path)

	others := false
	for _, t := range w.tracked {
		if t.sessionID == entry.sessionID {
			others = true
			break
		}
	}
	w.mu.Unlock()

	if entry.isSubagent || others {
		return
	}
	if s, ok := w.reg.Session(entry.sessionID); ok && !s.IsTeam {
		log.Printf("[watcher] transcript gone, removing session %s", entry.sessionID)
		w.reg.RemoveAgent(entry.sessionID)
		w.reg.RemoveSession(entry.sessionID)
	}
}
