package parse

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// WorktreeInfo is the result of a git worktree probe. A zero value means
// the directory is not a usable git checkout (or HEAD is detached).
type WorktreeInfo struct {
	Branch   string
	Worktree string // non-empty only for linked worktrees
}

// DetectGitWorktree probes the branch and worktree layout of cwd using
// the injected exec. A detached HEAD (empty branch output) returns the
// zero value.
func DetectGitWorktree(cwd string, run ExecFunc) WorktreeInfo {
	if cwd == "" || run == nil {
		return WorktreeInfo{}
	}

	branch, err := run(cwd, "git", "branch", "--show-current")
	if err != nil {
		return WorktreeInfo{}
	}
	branch = strings.TrimSpace(branch)
	if branch == "" {
		// Detached HEAD; not useful for display.
		return WorktreeInfo{}
	}

	info := WorktreeInfo{Branch: branch}

	gitDir, err := run(cwd, "git", "rev-parse", "--git-dir")
	if err != nil {
		return info
	}
	gitDir = strings.TrimSpace(gitDir)

	commonDir, err := run(cwd, "git", "rev-parse", "--git-common-dir")
	if err != nil {
		return info
	}
	commonDir = strings.TrimSpace(commonDir)

	// A linked worktree has its own git-dir distinct from the common dir.
	if gitDir != ".git" && commonDir != gitDir {
		top, err := run(cwd, "git", "rev-parse", "--show-toplevel")
		if err == nil {
			if top = strings.TrimSpace(top); top != "" {
				info.Worktree = top
			}
		}
	}

	return info
}

// GitStatus reports a checkout's relationship to its upstream.
type GitStatus struct {
	Ahead       int  `json:"ahead"`
	Behind      int  `json:"behind"`
	HasUpstream bool `json:"hasUpstream"`
	Dirty       bool `json:"isDirty"`
}

type cachedStatus struct {
	status GitStatus
	at     time.Time
}

// GitStatusProber probes git status per working directory with a short
// TTL cache so bursts of hook events don't fork git repeatedly.
type GitStatusProber struct {
	mu    sync.Mutex
	run   ExecFunc
	ttl   time.Duration
	cache map[string]cachedStatus
	now   func() time.Time
}

func NewGitStatusProber(run ExecFunc, ttl time.Duration) *GitStatusProber {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &GitStatusProber{
		run:   run,
		ttl:   ttl,
		cache: make(map[string]cachedStatus),
		now:   time.Now,
	}
}

// Probe returns the cached status for cwd if fresh, otherwise runs the
// git commands and refreshes the cache.
func (p *GitStatusProber) Probe(cwd string) GitStatus {
	if cwd == "" || p.run == nil {
		return GitStatus{}
	}

	p.mu.Lock()
	if c, ok := p.cache[cwd]; ok && p.now().Sub(c.at) < p.ttl {
		p.mu.Unlock()
		return c.status
	}
	p.mu.Unlock()

	status := p.probe(cwd)

	p.mu.Lock()
	p.cache[cwd] = cachedStatus{status: status, at: p.now()}
	p.mu.Unlock()

	return status
}

// Invalidate drops the cached status for cwd, forcing the next Probe to
// re-run git. Called after git-mutating Bash commands.
func (p *GitStatusProber) Invalidate(cwd string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, cwd)
}

func (p *GitStatusProber) probe(cwd string) GitStatus {
	var status GitStatus

	if out, err := p.run(cwd, "git", "status", "--porcelain"); err == nil {
		status.Dirty = strings.TrimSpace(out) != ""
	}

	out, err := p.run(cwd, "git", "rev-list", "--left-right", "--count", "@{upstream}...HEAD")
	if err != nil {
		// No upstream configured (or not a repo).
		return status
	}
	status.HasUpstream = true

	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 2 {
		status.Behind, _ = strconv.Atoi(fields[0])
		status.Ahead, _ = strconv.Atoi(fields[1])
	}

	return status
}
