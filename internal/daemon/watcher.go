package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"psa/internal/logging"
	"psa/internal/rules"
)

// RuleWatcher watches the rule directory and calls onChange once edits to
// rule files have settled.
type RuleWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	dir         string
	onChange    func()
	debounceMap map[string]time.Time
	debounceDur time.Duration

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	Reloads       int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// NewRuleWatcher creates a watcher for dir.
func NewRuleWatcher(dir string, onChange func()) (*RuleWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RuleWatcher{
		watcher:     w,
		dir:         dir,
		onChange:    onChange,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // editors save in bursts
	}, nil
}

// Run watches until ctx is cancelled and closes the underlying watcher.
func (rw *RuleWatcher) Run(ctx context.Context) error {
	defer rw.watcher.Close()

	if err := os.MkdirAll(rw.dir, 0750); err != nil {
		return err
	}
	if err := rw.watcher.Add(rw.dir); err != nil {
		return err
	}
	logging.Daemon("RuleWatcher: watching %s", rw.dir)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.DaemonDebug("RuleWatcher: stopped")
			return nil

		case event, ok := <-rw.watcher.Events:
			if !ok {
				return nil
			}
			rw.handleEvent(event)

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryDaemon).Error("RuleWatcher error: %v", err)
			rw.mu.Lock()
			rw.stats.Errors++
			rw.mu.Unlock()

		case <-ticker.C:
			rw.flush()
		}
	}
}

func (rw *RuleWatcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, rules.FileExt) || strings.HasPrefix(name, ".") {
		return
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()
	switch {
	case event.Op&fsnotify.Create != 0:
		rw.stats.FilesCreated++
	case event.Op&fsnotify.Write != 0:
		rw.stats.FilesModified++
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		rw.stats.FilesDeleted++
	default:
		return
	}
	logging.DaemonDebug("RuleWatcher: %s %s", event.Op, event.Name)
	rw.stats.LastEventTime = time.Now()
	rw.stats.LastEventPath = event.Name
	rw.debounceMap[event.Name] = time.Now()
}

// flush fires onChange once for every batch of settled events.
func (rw *RuleWatcher) flush() {
	rw.mu.Lock()
	now := time.Now()
	settled := 0
	for path, at := range rw.debounceMap {
		if now.Sub(at) >= rw.debounceDur {
			delete(rw.debounceMap, path)
			settled++
		}
	}
	if settled > 0 {
		rw.stats.Reloads++
	}
	rw.mu.Unlock()

	if settled > 0 {
		logging.DaemonDebug("RuleWatcher: %d rule files settled", settled)
		rw.onChange()
	}
}

// Stats returns a copy of the watcher statistics.
func (rw *RuleWatcher) Stats() WatcherStats {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.stats
}
