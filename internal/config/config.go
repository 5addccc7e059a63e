package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Watch   WatchConfig   `yaml:"watch"`
	Timing  TimingConfig  `yaml:"timing"`
	Procmon ProcmonConfig `yaml:"procmon"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	Host      string `yaml:"host"`
	AuthToken string `yaml:"auth_token"`
}

type WatchConfig struct {
	// ProjectsDir is the root of the host's transcript tree
	// (<home>/.claude/projects).
	ProjectsDir string `yaml:"projects_dir"`
	TeamsDir    string `yaml:"teams_dir"`
	TasksDir    string `yaml:"tasks_dir"`

	TranscriptDebounce time.Duration `yaml:"transcript_debounce"`
	TeamFileDebounce   time.Duration `yaml:"team_file_debounce"`

	// InitialScanMaxAge skips transcript files older than this during the
	// initial walk. Subagent files use SubagentInitialMaxAge.
	InitialScanMaxAge     time.Duration `yaml:"initial_scan_max_age"`
	SubagentInitialMaxAge time.Duration `yaml:"subagent_initial_max_age"`

	// RecentFileWindow is the mtime heuristic: files modified within it
	// default to working on first detection.
	RecentFileWindow time.Duration `yaml:"recent_file_window"`

	HeadLines         int `yaml:"head_lines"`
	TailLines         int `yaml:"tail_lines"`
	SubagentTailLines int `yaml:"subagent_tail_lines"`
}

type TimingConfig struct {
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	IdleAfter           time.Duration `yaml:"idle_after"`
	SubagentRemoveAfter time.Duration `yaml:"subagent_remove_after"`
	SessionExpiry       time.Duration `yaml:"session_expiry"`
	HookActiveWindow    time.Duration `yaml:"hook_active_window"`
	RemovalGuardTTL     time.Duration `yaml:"removal_guard_ttl"`
	SubagentStopDelay   time.Duration `yaml:"subagent_stop_delay"`
	PendingSpawnTTL     time.Duration `yaml:"pending_spawn_ttl"`
	BroadcastDebounce   time.Duration `yaml:"broadcast_debounce"`
	GitStatusTTL        time.Duration `yaml:"git_status_ttl"`
}

type ProcmonConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`

	// CPUThreshold is the percent of one core a host agent process must
	// burn between polls to count as churning.
	CPUThreshold   float64 `yaml:"cpu_threshold"`
	RequireNetwork bool    `yaml:"require_network"`
}

// setDuration parses a yaml duration string into dst. Empty strings
// leave the default in place.
func setDuration(dst *time.Duration, s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*dst = d
	return nil
}

// UnmarshalYAML decodes durations from human strings ("30s", "5m");
// yaml.v3 has no native time.Duration support.
func (c *WatchConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ProjectsDir           string `yaml:"projects_dir"`
		TeamsDir              string `yaml:"teams_dir"`
		TasksDir              string `yaml:"tasks_dir"`
		TranscriptDebounce    string `yaml:"transcript_debounce"`
		TeamFileDebounce      string `yaml:"team_file_debounce"`
		InitialScanMaxAge     string `yaml:"initial_scan_max_age"`
		SubagentInitialMaxAge string `yaml:"subagent_initial_max_age"`
		RecentFileWindow      string `yaml:"recent_file_window"`
		HeadLines             *int   `yaml:"head_lines"`
		TailLines             *int   `yaml:"tail_lines"`
		SubagentTailLines     *int   `yaml:"subagent_tail_lines"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.ProjectsDir != "" {
		c.ProjectsDir = raw.ProjectsDir
	}
	if raw.TeamsDir != "" {
		c.TeamsDir = raw.TeamsDir
	}
	if raw.TasksDir != "" {
		c.TasksDir = raw.TasksDir
	}
	if raw.HeadLines != nil {
		c.HeadLines = *raw.HeadLines
	}
	if raw.TailLines != nil {
		c.TailLines = *raw.TailLines
	}
	if raw.SubagentTailLines != nil {
		c.SubagentTailLines = *raw.SubagentTailLines
	}

	for _, f := range []struct {
		dst *time.Duration
		s   string
	}{
		{&c.TranscriptDebounce, raw.TranscriptDebounce},
		{&c.TeamFileDebounce, raw.TeamFileDebounce},
		{&c.InitialScanMaxAge, raw.InitialScanMaxAge},
		{&c.SubagentInitialMaxAge, raw.SubagentInitialMaxAge},
		{&c.RecentFileWindow, raw.RecentFileWindow},
	} {
		if err := setDuration(f.dst, f.s); err != nil {
			return err
		}
	}
	return nil
}

func (c *TimingConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		SweepInterval       string `yaml:"sweep_interval"`
		IdleAfter           string `yaml:"idle_after"`
		SubagentRemoveAfter string `yaml:"subagent_remove_after"`
		SessionExpiry       string `yaml:"session_expiry"`
		HookActiveWindow    string `yaml:"hook_active_window"`
		RemovalGuardTTL     string `yaml:"removal_guard_ttl"`
		SubagentStopDelay   string `yaml:"subagent_stop_delay"`
		PendingSpawnTTL     string `yaml:"pending_spawn_ttl"`
		BroadcastDebounce   string `yaml:"broadcast_debounce"`
		GitStatusTTL        string `yaml:"git_status_ttl"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	for _, f := range []struct {
		dst *time.Duration
		s   string
	}{
		{&c.SweepInterval, raw.SweepInterval},
		{&c.IdleAfter, raw.IdleAfter},
		{&c.SubagentRemoveAfter, raw.SubagentRemoveAfter},
		{&c.SessionExpiry, raw.SessionExpiry},
		{&c.HookActiveWindow, raw.HookActiveWindow},
		{&c.RemovalGuardTTL, raw.RemovalGuardTTL},
		{&c.SubagentStopDelay, raw.SubagentStopDelay},
		{&c.PendingSpawnTTL, raw.PendingSpawnTTL},
		{&c.BroadcastDebounce, raw.BroadcastDebounce},
		{&c.GitStatusTTL, raw.GitStatusTTL},
	} {
		if err := setDuration(f.dst, f.s); err != nil {
			return err
		}
	}
	return nil
}

func (c *ProcmonConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		PollInterval   string   `yaml:"poll_interval"`
		CPUThreshold   *float64 `yaml:"cpu_threshold"`
		RequireNetwork *bool    `yaml:"require_network"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.CPUThreshold != nil {
		c.CPUThreshold = *raw.CPUThreshold
	}
	if raw.RequireNetwork != nil {
		c.RequireNetwork = *raw.RequireNetwork
	}
	return setDuration(&c.PollInterval, raw.PollInterval)
}

// Default returns the built-in configuration. Directories derive from
// the user's home dir.
func Default() *Config {
	home, _ := os.UserHomeDir()
	claudeDir := filepath.Join(home, ".claude")
	return &Config{
		Server: ServerConfig{
			Port: 3001,
			Host: "0.0.0.0",
		},
		Watch: WatchConfig{
			ProjectsDir:           filepath.Join(claudeDir, "projects"),
			TeamsDir:              filepath.Join(claudeDir, "teams"),
			TasksDir:              filepath.Join(claudeDir, "tasks"),
			TranscriptDebounce:    100 * time.Millisecond,
			TeamFileDebounce:      150 * time.Millisecond,
			InitialScanMaxAge:     24 * time.Hour,
			SubagentInitialMaxAge: 5 * time.Minute,
			RecentFileWindow:      10 * time.Second,
			HeadLines:             20,
			TailLines:             30,
			SubagentTailLines:     15,
		},
		Timing: TimingConfig{
			SweepInterval:       15 * time.Second,
			IdleAfter:           60 * time.Second,
			SubagentRemoveAfter: 5 * time.Minute,
			SessionExpiry:       time.Hour,
			HookActiveWindow:    5 * time.Second,
			RemovalGuardTTL:     5 * time.Minute,
			SubagentStopDelay:   15 * time.Second,
			PendingSpawnTTL:     60 * time.Second,
			BroadcastDebounce:   200 * time.Millisecond,
			GitStatusTTL:        10 * time.Second,
		},
		Procmon: ProcmonConfig{
			PollInterval:   5 * time.Second,
			CPUThreshold:   15.0,
			RequireNetwork: false,
		},
	}
}

// Load reads a yaml config file over the defaults. A missing file is not
// an error: the defaults are returned so the server runs with zero
// configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays PORT and AUTH_TOKEN environment variables. Env wins
// over both defaults and file values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
}
