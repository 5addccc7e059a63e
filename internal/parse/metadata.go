package parse

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
)

// SessionMeta is the session-identifying information extracted from a
// transcript line. SessionID is required; everything else is optional.
type SessionMeta struct {
	SessionID   string
	Slug        string
	ProjectPath string
	ProjectName string
	GitBranch   string
	TeamName    string
	AgentID     string
	IsTeam      bool
}

type metadataEntry struct {
	SessionID string `json:"sessionId"`
	Slug      string `json:"slug"`
	Cwd       string `json:"cwd"`
	GitBranch string `json:"gitBranch"`
	TeamName  string `json:"teamName"`
	AgentID   string `json:"agentId"`
}

// ParseSessionMetadata extracts session metadata from one transcript
// line. Returns nil when the line has no sessionId.
func ParseSessionMetadata(raw []byte) *SessionMeta {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var entry metadataEntry
	if err := json.Unmarshal(trimmed, &entry); err != nil {
		return nil
	}
	if entry.SessionID == "" {
		return nil
	}

	meta := &SessionMeta{
		SessionID:   entry.SessionID,
		Slug:        entry.Slug,
		ProjectPath: entry.Cwd,
		GitBranch:   entry.GitBranch,
		TeamName:    entry.TeamName,
		AgentID:     entry.AgentID,
		IsTeam:      entry.TeamName != "",
	}
	meta.ProjectName = projectNameFromPath(entry.Cwd)

	return meta
}

// projectNameFromPath returns the last non-empty segment of a path.
func projectNameFromPath(path string) string {
	path = strings.TrimRight(path, "/")
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}

// ProjectNameFromDirSlug derives a project name from an encoded project
// directory name (e.g. "-Users-d-Source-my-proj"). Everything after the
// last "-Source-" separator is the project; otherwise the last dash
// segment is used.
func ProjectNameFromDirSlug(dirSlug string) string {
	if i := strings.LastIndex(dirSlug, "-Source-"); i >= 0 {
		return dirSlug[i+len("-Source-"):]
	}
	trimmed := strings.Trim(dirSlug, "-")
	if trimmed == "" {
		return dirSlug
	}
	parts := strings.Split(trimmed, "-")
	return parts[len(parts)-1]
}

// SessionIDFromPath returns the filename stem of a transcript path.
func SessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}
