package parse

import "testing"

func TestParseSessionMetadata(t *testing.T) {
	line := `{"sessionId":"sess-abc","slug":"bright-fern","cwd":"/u/d/Source/my-proj","gitBranch":"main","type":"user"}`
	meta := ParseSessionMetadata([]byte(line))
	if meta == nil {
		t.Fatal("metadata line returned nil")
	}
	if meta.SessionID != "sess-abc" {
		t.Errorf("SessionID = %q", meta.SessionID)
	}
	if meta.Slug != "bright-fern" {
		t.Errorf("Slug = %q", meta.Slug)
	}
	if meta.ProjectPath != "/u/d/Source/my-proj" {
		t.Errorf("ProjectPath = %q", meta.ProjectPath)
	}
	if meta.ProjectName != "my-proj" {
		t.Errorf("ProjectName = %q, want my-proj", meta.ProjectName)
	}
	if meta.GitBranch != "main" {
		t.Errorf("GitBranch = %q", meta.GitBranch)
	}
	if meta.IsTeam {
		t.Error("solo session flagged as team")
	}
}

func TestParseSessionMetadataTeam(t *testing.T) {
	line := `{"sessionId":"uuid-1","teamName":"builders","agentId":"worker-2","cwd":"/repo"}`
	meta := ParseSessionMetadata([]byte(line))
	if meta == nil {
		t.Fatal("team metadata returned nil")
	}
	if !meta.IsTeam {
		t.Error("teamName present but IsTeam false")
	}
	if meta.TeamName != "builders" || meta.AgentID != "worker-2" {
		t.Errorf("unexpected meta: %+v", meta)
	}
}

func TestParseSessionMetadataRequiresSessionID(t *testing.T) {
	for _, line := range []string{
		`{"slug":"x","cwd":"/a"}`,
		`null`,
		`[]`,
		`not json`,
	} {
		if meta := ParseSessionMetadata([]byte(line)); meta != nil {
			t.Errorf("ParseSessionMetadata(%s) = %+v, want nil", line, meta)
		}
	}
}

func TestProjectNameFromDirSlug(t *testing.T) {
	tests := []struct {
		slug string
		want string
	}{
		{"-Users-d-Source-my-proj", "my-proj"},
		{"-Users-d-Source-a-Source-b", "b"}, // last separator wins
		{"-home-user-project", "project"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := ProjectNameFromDirSlug(tt.slug); got != tt.want {
			t.Errorf("ProjectNameFromDirSlug(%q) = %q, want %q", tt.slug, got, tt.want)
		}
	}
}

func TestSessionIDFromPath(t *testing.T) {
	if got := SessionIDFromPath("/x/proj/sess-abc.jsonl"); got != "sess-abc" {
		t.Errorf("SessionIDFromPath = %q", got)
	}
}
