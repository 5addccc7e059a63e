package parse

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/agent-lens/backend/internal/state"
)

type taskFile struct {
	ID        string   `json:"id"`
	Subject   string   `json:"subject"`
	Status    string   `json:"status"`
	Owner     string   `json:"owner"`
	BlockedBy []string `json:"blockedBy"`
	Blocks    []string `json:"blocks"`
}

// ParseTaskFile reads a team task file. Status normalizes onto the
// closed set ("deleted" → completed, unknown → pending); a missing
// subject defaults to "Untitled"; a missing id derives from the filename
// stem. Returns nil on a missing, empty (mid-write), or malformed file.
func ParseTaskFile(path string) *state.Task {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if len(data) == 0 {
		// Writer hasn't flushed yet; the change event retries.
		return nil
	}

	var tf taskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil
	}

	id := tf.ID
	if id == "" {
		id = stemOf(path)
	}
	subject := tf.Subject
	if subject == "" {
		subject = "Untitled"
	}

	return &state.Task{
		ID:        id,
		Subject:   subject,
		Status:    state.NormalizeTaskStatus(tf.Status),
		Owner:     tf.Owner,
		BlockedBy: tf.BlockedBy,
		Blocks:    tf.Blocks,
	}
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
