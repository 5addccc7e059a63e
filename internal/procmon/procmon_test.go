package procmon

import (
	"testing"
	"time"

	"github.com/agent-lens/backend/internal/config"
	"github.com/agent-lens/backend/internal/guards"
	"github.com/agent-lens/backend/internal/registry"
	"github.com/agent-lens/backend/internal/state"
)

type fakeProc struct {
	pid     int32
	cmdline string
	cwd     string
	seconds float64
	conns   int
}

func (f *fakeProc) ID() int32                      { return f.pid }
func (f *fakeProc) Cmdline() (string, error)       { return f.cmdline, nil }
func (f *fakeProc) Cwd() (string, error)           { return f.cwd, nil }
func (f *fakeProc) CPUSeconds() (float64, error)   { return f.seconds, nil }
func (f *fakeProc) EstablishedConns() (int, error) { return f.conns, nil }

func newTestMonitor(t *testing.T, procs ...*fakeProc) (*Monitor, *registry.Registry, *time.Time) {
	t.Helper()
	g := guards.New(time.Minute)
	reg := registry.New(g, time.Millisecond)
	m := New(config.Default(), reg)
	m.list = func() ([]procHandle, error) {
		out := make([]procHandle, len(procs))
		for i, p := range procs {
			out[i] = p
		}
		return out, nil
	}
	now := time.Now()
	m.now = func() time.Time { return now }
	return m, reg, &now
}

func addSession(reg *registry.Registry, id, path string, status state.Status) {
	reg.AddSession(&state.Session{SessionID: id, ProjectName: id, ProjectPath: path, LastActivity: time.Now().UnixMilli()})
	reg.RegisterAgent(&state.Agent{ID: id, Name: id, Status: status})
}

func TestIsChurning(t *testing.T) {
	tests := []struct {
		name           string
		cpu            float64
		tcpConns       int
		threshold      float64
		requireNetwork bool
		want           bool
	}{
		{"high CPU", 25.0, 0, 15.0, false, true},
		{"high CPU, network required, has conns", 25.0, 3, 15.0, true, true},
		{"high CPU, network required, no conns", 25.0, 0, 15.0, true, false},
		{"low CPU", 5.0, 3, 15.0, false, false},
		{"exactly at threshold", 15.0, 0, 15.0, false, true},
		{"just below threshold", 14.9, 0, 15.0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Activity{PID: 1234, CPU: tt.cpu, TCPConns: tt.tcpConns}
			if got := a.IsChurning(tt.threshold, tt.requireNetwork); got != tt.want {
				t.Errorf("IsChurning(%.1f, %v) = %v, want %v", tt.threshold, tt.requireNetwork, got, tt.want)
			}
		})
	}
}

func TestIsAgentProcess(t *testing.T) {
	tests := []struct {
		cmdline string
		want    bool
	}{
		{"/usr/local/bin/claude --help", true},
		{"claude", true},
		{"/usr/bin/claude-code", true},
		{"node /usr/lib/claude/cli.js", true},
		{"node /project/node_modules/.bin/claude", false},
		{"node /usr/lib/something/server.js", false},
		{"bash -c ls", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isAgentProcess(tt.cmdline); got != tt.want {
			t.Errorf("isAgentProcess(%q) = %v, want %v", tt.cmdline, got, tt.want)
		}
	}
}

func TestPollFlagsBusyAgent(t *testing.T) {
	p := &fakeProc{pid: 100, cmdline: "claude", cwd: "/work/proj", seconds: 10}
	m, reg, now := newTestMonitor(t, p)
	addSession(reg, "s1", "/work/proj", state.Working)

	// First poll establishes the baseline sample; no CPU yet.
	m.Poll()
	a, _ := reg.Agent("s1")
	if a.IsChurning {
		t.Error("churning set on the first sample")
	}

	// 2 CPU seconds over 5 wall seconds = 40%.
	p.seconds = 12
	*now = now.Add(5 * time.Second)
	m.Poll()

	a, _ = reg.Agent("s1")
	if !a.IsChurning {
		t.Error("busy process did not flag the agent as churning")
	}

	// Process goes quiet: flag clears on the next poll.
	*now = now.Add(5 * time.Second)
	m.Poll()
	a, _ = reg.Agent("s1")
	if a.IsChurning {
		t.Error("churning flag not cleared after the process went quiet")
	}
}

func TestPollSkipsWaitingAgent(t *testing.T) {
	p := &fakeProc{pid: 100, cmdline: "claude", cwd: "/work/proj", seconds: 10}
	m, reg, now := newTestMonitor(t, p)
	addSession(reg, "s1", "/work/proj", state.Working)
	reg.SetAgentWaitingByID("s1", true, "Waiting", "", state.WaitPermission)

	m.Poll()
	p.seconds = 12
	*now = now.Add(5 * time.Second)
	m.Poll()

	a, _ := reg.Agent("s1")
	if a.IsChurning {
		t.Error("waiting agent flagged as churning")
	}
}

func TestPollRequireNetwork(t *testing.T) {
	p := &fakeProc{pid: 100, cmdline: "claude", cwd: "/work/proj", seconds: 10}
	m, reg, now := newTestMonitor(t, p)
	m.cfg.Procmon.RequireNetwork = true
	addSession(reg, "s1", "/work/proj", state.Working)

	m.Poll()
	p.seconds = 12
	*now = now.Add(5 * time.Second)
	m.Poll()

	a, _ := reg.Agent("s1")
	if a.IsChurning {
		t.Error("churning set without an established connection")
	}

	p.seconds = 14
	p.conns = 2
	*now = now.Add(5 * time.Second)
	m.Poll()

	a, _ = reg.Agent("s1")
	if !a.IsChurning {
		t.Error("busy connected process not flagged")
	}
}

func TestPollBusierProcessWinsSharedDir(t *testing.T) {
	hot := &fakeProc{pid: 100, cmdline: "claude", cwd: "/work/proj", seconds: 10}
	cold := &fakeProc{pid: 200, cmdline: "claude", cwd: "/work/proj", seconds: 10}
	m, reg, now := newTestMonitor(t, hot, cold)
	addSession(reg, "s1", "/work/proj", state.Working)

	m.Poll()
	hot.seconds = 13
	cold.seconds = 10.01
	*now = now.Add(5 * time.Second)
	m.Poll()

	a, _ := reg.Agent("s1")
	if !a.IsChurning {
		t.Error("hot process lost to the cold one sharing its dir")
	}
}

func TestPollIgnoresInternalProcesses(t *testing.T) {
	m, reg, now := newTestMonitor(t)
	internal := &fakeProc{pid: 100, cmdline: "claude", cwd: m.claudeDir + "/tmp", seconds: 10}
	m.list = func() ([]procHandle, error) { return []procHandle{internal}, nil }
	addSession(reg, "s1", m.claudeDir+"/tmp", state.Working)

	m.Poll()
	internal.seconds = 15
	*now = now.Add(5 * time.Second)
	m.Poll()

	a, _ := reg.Agent("s1")
	if a.IsChurning {
		t.Error("internal process under ~/.claude flagged an agent")
	}
}
