// Package watcher tails the host's transcript tree and the team
// config/task directories, feeding everything it observes into the
// registry. Hook events take precedence over transcript-derived status
// while their guard window is open; the watcher defers to them.
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agent-lens/backend/internal/config"
	"github.com/agent-lens/backend/internal/guards"
	"github.com/agent-lens/backend/internal/parse"
	"github.com/agent-lens/backend/internal/registry"
)

// maxWatchDepth bounds recursive directory watching below the projects
// root: slug/session/subagents/file.
const maxWatchDepth = 4

// trackedFile holds per-transcript state between change events.
type trackedFile struct {
	path         string
	sessionID    string // logical session (parent session for subagents)
	agentID      string // registry agent addressed by this file
	slug         string
	projectPath  string
	isSubagent   bool
	isInternal   bool // acompact helper; tracked but never displayed
	parentID     string
	lastActivity time.Time
	offset       int64
}

// TrackedInfo is the sweeper-facing snapshot of one tracked transcript.
type TrackedInfo struct {
	Path         string
	SessionID    string
	AgentID      string
	IsSubagent   bool
	IsInternal   bool
	LastActivity time.Time
}

type Watcher struct {
	cfg    *config.Config
	reg    *registry.Registry
	guards *guards.Guards
	exec   parse.ExecFunc
	prober *parse.GitStatusProber

	mu       sync.Mutex
	tracked  map[string]*trackedFile // keyed by path
	scanning bool

	debMu    sync.Mutex
	debounce map[string]*time.Timer

	now func() time.Time
}

func New(cfg *config.Config, reg *registry.Registry, g *guards.Guards, exec parse.ExecFunc, prober *parse.GitStatusProber) *Watcher {
	return &Watcher{
		cfg:      cfg,
		reg:      reg,
		guards:   g,
		exec:     exec,
		prober:   prober,
		tracked:  make(map[string]*trackedFile),
		debounce: make(map[string]*time.Timer),
		now:      time.Now,
	}
}

// Run performs the initial scan and then blocks consuming filesystem
// events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	w.addTreeWatches(fw)
	w.InitialScan()

	log.Printf("[watcher] watching %s", w.cfg.Watch.ProjectsDir)

	for {
		select {
		case <-ctx.Done():
			log.Println("[watcher] stopped")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[watcher] fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) addTreeWatches(fw *fsnotify.Watcher) {
	w.watchRecursive(fw, w.cfg.Watch.ProjectsDir, maxWatchDepth)
	w.watchRecursive(fw, w.cfg.Watch.TeamsDir, 2)
	w.watchRecursive(fw, w.cfg.Watch.TasksDir, 2)
}

// watchRecursive adds fsnotify watches on root and its subdirectories up
// to the given depth. Missing roots are fine: the tree appears once the
// host starts a session.
func (w *Watcher) watchRecursive(fw *fsnotify.Watcher, root string, depth int) {
	if root == "" {
		return
	}
	if err := fw.Add(root); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[watcher] watch %s: %v", root, err)
		}
		return
	}
	if depth <= 0 {
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			w.watchRecursive(fw, filepath.Join(root, e.Name()), depth-1)
		}
	}
}

// InitialScan walks the observed trees once at startup. Transcript files
// older than the configured scan windows are skipped so dead sessions
// don't briefly flash as active.
func (w *Watcher) InitialScan() {
	w.mu.Lock()
	w.scanning = true
	w.mu.Unlock()

	count := 0
	filepath.WalkDir(w.cfg.Watch.ProjectsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		if w.detectTranscript(path, true) {
			count++
		}
		return nil
	})

	w.scanTeamDirs()

	w.mu.Lock()
	w.scanning = false
	w.mu.Unlock()

	log.Printf("[watcher] initial scan: tracking %d transcripts", count)
}

func (w *Watcher) scanTeamDirs() {
	teams, err := os.ReadDir(w.cfg.Watch.TeamsDir)
	if err == nil {
		for _, e := range teams {
			if !e.IsDir() {
				continue
			}
			w.handleTeamConfig(filepath.Join(w.cfg.Watch.TeamsDir, e.Name(), "config.json"))
		}
	}

	teamDirs, err := os.ReadDir(w.cfg.Watch.TasksDir)
	if err != nil {
		return
	}
	for _, td := range teamDirs {
		if !td.IsDir() {
			continue
		}
		dir := filepath.Join(w.cfg.Watch.TasksDir, td.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if strings.HasSuffix(f.Name(), ".json") {
				w.handleTaskFile(filepath.Join(dir, f.Name()))
			}
		}
	}
}

func (w *Watcher) handleFSEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// New slug/session/subagents directory; extend the watch tree.
			w.watchRecursive(fw, ev.Name, maxWatchDepth)
			return
		}
		w.dispatchPath(ev.Name, false)
	case ev.Op.Has(fsnotify.Write):
		w.dispatchPath(ev.Name, false)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.dispatchPath(ev.Name, true)
	}
}

// dispatchPath routes a changed path to the right handler with the
// per-path debounce appropriate for its kind.
func (w *Watcher) dispatchPath(path string, unlinked bool) {
	switch {
	case w.underDir(path, w.cfg.Watch.ProjectsDir) && strings.HasSuffix(path, ".jsonl"):
		if unlinked {
			w.handleUnlink(path)
			return
		}
		w.debounced(path, w.cfg.Watch.TranscriptDebounce, func() {
			w.handleTranscriptChange(path)
		})

	case w.underDir(path, w.cfg.Watch.TeamsDir) && filepath.Base(path) == "config.json":
		if unlinked {
			w.handleTeamConfigUnlink(path)
			return
		}
		w.debounced(path, w.cfg.Watch.TeamFileDebounce, func() {
			w.handleTeamConfig(path)
		})

	case w.underDir(path, w.cfg.Watch.TasksDir) && strings.HasSuffix(path, ".json"):
		if unlinked {
			w.handleTaskFileUnlink(path)
			return
		}
		w.debounced(path, w.cfg.Watch.TeamFileDebounce, func() {
			w.handleTaskFile(path)
		})
	}
}

func (w *Watcher) underDir(path, dir string) bool {
	return dir != "" && strings.HasPrefix(path, dir+string(filepath.Separator))
}

// debounced coalesces bursts of events for one path; only the last event
// within the window runs.
func (w *Watcher) debounced(path string, d time.Duration, fn func()) {
	w.debMu.Lock()
	defer w.debMu.Unlock()

	if t, ok := w.debounce[path]; ok {
		t.Stop()
	}
	w.debounce[path] = time.AfterFunc(d, func() {
		w.debMu.Lock()
		delete(w.debounce, path)
		w.debMu.Unlock()
		fn()
	})
}

// Tracked returns a snapshot of all tracked transcript entries for the
// staleness sweeper.
func (w *Watcher) Tracked() []TrackedInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]TrackedInfo, 0, len(w.tracked))
	for _, t := range w.tracked {
		out = append(out, TrackedInfo{
			Path:         t.path,
			SessionID:    t.sessionID,
			AgentID:      t.agentID,
			IsSubagent:   t.isSubagent,
			IsInternal:   t.isInternal,
			LastActivity: t.lastActivity,
		})
	}
	return out
}

// Untrack drops the tracking entry for a path (sweeper cleanup).
func (w *Watcher) Untrack(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracked, path)
}

// classifyTranscript splits a transcript path into its segments below
// the projects root. Returns nil for paths outside the recognized
// layouts.
func (w *Watcher) classifyTranscript(path string) []string {
	root := w.cfg.Watch.ProjectsDir
	if !w.underDir(path, root) {
		return nil
	}
	rel := strings.TrimPrefix(path, root+string(filepath.Separator))
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch {
	case len(parts) == 2:
		return parts // {slug}/{sessionId}.jsonl
	case len(parts) == 4 && parts[2] == "subagents":
		return parts // {slug}/{parent}/subagents/{agentId}.jsonl
	}
	return nil
}
