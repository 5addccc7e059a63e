package parse

import (
	"encoding/json"
	"os"

	"github.com/agent-lens/backend/internal/state"
)

// TeamMember is one entry of a team config file's members array.
type TeamMember struct {
	ID        string `json:"agentId"`
	AltID     string `json:"id"`
	Name      string `json:"name"`
	AgentType string `json:"agentType"`
}

// TeamConfig is the parsed form of <teams>/<name>/config.json.
type TeamConfig struct {
	Name    string       `json:"name"`
	Members []TeamMember `json:"members"`
}

// ParseTeamConfig reads and validates a team config file. Returns nil on
// a missing or malformed file or an empty members array (a config file
// mid-write looks malformed and is retried on the next change event).
func ParseTeamConfig(path string) *TeamConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var cfg TeamConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	if len(cfg.Members) == 0 {
		return nil
	}

	for i := range cfg.Members {
		if cfg.Members[i].ID == "" {
			cfg.Members[i].ID = cfg.Members[i].AltID
		}
	}

	return &cfg
}

// MemberAgents converts the team's members into idle agents with
// inferred roles.
func (c *TeamConfig) MemberAgents(teamName string) []*state.Agent {
	agents := make([]*state.Agent, 0, len(c.Members))
	for _, m := range c.Members {
		id := m.ID
		if id == "" {
			id = m.Name
		}
		if id == "" {
			continue
		}
		name := m.Name
		if name == "" {
			name = id
		}
		agents = append(agents, &state.Agent{
			ID:       id,
			Name:     name,
			Role:     InferRole(m.AgentType, name),
			Status:   state.Idle,
			TeamName: teamName,
		})
	}
	return agents
}
