// Package procmon samples host agent processes so sessions whose
// project directory still has a busy process can be flagged as
// churning even when the transcript has gone quiet.
package procmon

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/agent-lens/backend/internal/config"
	"github.com/agent-lens/backend/internal/registry"
	"github.com/agent-lens/backend/internal/state"
)

// Activity is one agent process observed between two polls.
type Activity struct {
	PID        int32
	WorkingDir string
	CPU        float64 // percent of one core since the previous poll
	TCPConns   int     // established connections
}

// IsChurning reports whether the process looks busy: CPU at or above
// the threshold, plus an established connection when required.
func (a Activity) IsChurning(cpuThreshold float64, requireNetwork bool) bool {
	if a.CPU < cpuThreshold {
		return false
	}
	if requireNetwork && a.TCPConns == 0 {
		return false
	}
	return true
}

type cpuSample struct {
	seconds float64
	at      time.Time
}

// procHandle is the slice of gopsutil's process API the monitor needs.
type procHandle interface {
	ID() int32
	Cmdline() (string, error)
	Cwd() (string, error)
	CPUSeconds() (float64, error)
	EstablishedConns() (int, error)
}

type gopsProc struct{ p *process.Process }

func (g gopsProc) ID() int32                { return g.p.Pid }
func (g gopsProc) Cmdline() (string, error) { return g.p.Cmdline() }
func (g gopsProc) Cwd() (string, error)     { return g.p.Cwd() }

func (g gopsProc) CPUSeconds() (float64, error) {
	t, err := g.p.Times()
	if err != nil {
		return 0, err
	}
	return t.User + t.System, nil
}

func (g gopsProc) EstablishedConns() (int, error) {
	conns, err := g.p.Connections()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range conns {
		if c.Status == "ESTABLISHED" {
			n++
		}
	}
	return n, nil
}

func listProcesses() ([]procHandle, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]procHandle, 0, len(procs))
	for _, p := range procs {
		out = append(out, gopsProc{p: p})
	}
	return out, nil
}

// Monitor polls process activity and pushes churning flags into the
// registry.
type Monitor struct {
	cfg *config.Config
	reg *registry.Registry

	claudeDir string
	prev      map[int32]cpuSample

	list func() ([]procHandle, error)
	now  func() time.Time
}

func New(cfg *config.Config, reg *registry.Registry) *Monitor {
	home, _ := os.UserHomeDir()
	return &Monitor{
		cfg:       cfg,
		reg:       reg,
		claudeDir: filepath.Join(home, ".claude"),
		prev:      make(map[int32]cpuSample),
		list:      listProcesses,
		now:       time.Now,
	}
}

// Run polls on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Procmon.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[procmon] stopped")
			return
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Poll samples agent processes once and updates churning flags for
// every solo session whose project path matches a process working dir.
func (m *Monitor) Poll() {
	activities := m.sample()

	// If multiple processes share a working dir, keep the busier one.
	byDir := make(map[string]Activity, len(activities))
	for _, a := range activities {
		if existing, ok := byDir[a.WorkingDir]; !ok || a.CPU > existing.CPU {
			byDir[a.WorkingDir] = a
		}
	}

	threshold := m.cfg.Procmon.CPUThreshold
	requireNetwork := m.cfg.Procmon.RequireNetwork

	for _, sess := range m.reg.Sessions() {
		if sess.IsTeam || sess.ProjectPath == "" {
			continue
		}
		a, ok := m.reg.Agent(sess.SessionID)
		if !ok {
			continue
		}

		// Done means the work is finished and waiting means blocked on
		// the user; a hot process changes neither.
		churning := false
		if a.Status != state.Done && !a.WaitingForInput {
			if pa, ok := byDir[sess.ProjectPath]; ok {
				churning = pa.IsChurning(threshold, requireNetwork)
			}
		}
		m.reg.SetAgentChurning(sess.SessionID, churning)
	}
}

// sample lists agent processes and computes per-process CPU percent
// from the tick delta since the previous poll. The first sighting of a
// process reports zero CPU.
func (m *Monitor) sample() []Activity {
	procs, err := m.list()
	if err != nil {
		log.Printf("[procmon] process list failed: %v", err)
		return nil
	}

	now := m.now()
	next := make(map[int32]cpuSample, len(procs))
	var out []Activity

	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil || !isAgentProcess(cmdline) {
			continue
		}

		cwd, err := p.Cwd()
		if err != nil || cwd == "" {
			continue
		}
		// Skip the host's own internal processes (cwd inside ~/.claude).
		if cwd == m.claudeDir || strings.HasPrefix(cwd, m.claudeDir+string(filepath.Separator)) {
			continue
		}

		secs, err := p.CPUSeconds()
		if err != nil {
			continue
		}

		cpu := 0.0
		if prev, ok := m.prev[p.ID()]; ok {
			if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
				cpu = (secs - prev.seconds) / elapsed * 100
				if cpu < 0 {
					cpu = 0
				}
			}
		}
		next[p.ID()] = cpuSample{seconds: secs, at: now}

		conns, err := p.EstablishedConns()
		if err != nil {
			conns = 0
		}

		out = append(out, Activity{
			PID:        p.ID(),
			WorkingDir: cwd,
			CPU:        cpu,
			TCPConns:   conns,
		})
	}

	m.prev = next
	return out
}

// isAgentProcess matches the main host agent process, not subprocesses
// it spawns.
func isAgentProcess(cmdline string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return false
	}

	exe := filepath.Base(fields[0])
	if exe == "claude" || exe == "claude-code" {
		return true
	}

	// node running the agent CLI directly.
	if exe == "node" {
		for _, arg := range fields[1:] {
			if strings.Contains(arg, "claude") && !strings.Contains(arg, "node_modules/.bin") {
				return true
			}
		}
	}

	return false
}
