package ignore

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// cache is the process-wide matcher cache keyed by working directory.
// Matchers are read-only after load; concurrent tasks over the same
// working directory share one matcher. A single fsnotify watcher
// invalidates entries whose ignore file changes on disk.
var cache = struct {
	mu       sync.RWMutex
	matchers map[string]*Matcher
	watcher  *fsnotify.Watcher
	watched  map[string]bool
}{
	matchers: make(map[string]*Matcher),
	watched:  make(map[string]bool),
}

// For returns the matcher for root, loading and caching it on first use.
func For(root string) (*Matcher, error) {
	root = filepath.Clean(root)

	cache.mu.RLock()
	m, ok := cache.matchers[root]
	cache.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := Load(root)
	if err != nil {
		return nil, err
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if existing, ok := cache.matchers[root]; ok {
		return existing, nil
	}
	cache.matchers[root] = m
	watchRootLocked(root)
	return m, nil
}

// Reset drops the cached matcher for root, or all matchers when root is
// empty. Call on working-directory change.
func Reset(root string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if root == "" {
		cache.matchers = make(map[string]*Matcher)
		return
	}
	delete(cache.matchers, filepath.Clean(root))
}

// watchRootLocked registers root with the shared fsnotify watcher so an
// edit to its ignore file evicts the cached matcher. Watch failures are
// logged and otherwise ignored: the cache still works, it just won't
// pick up live edits.
func watchRootLocked(root string) {
	if cache.watched[root] {
		return
	}
	if cache.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("ignore: fsnotify unavailable, live reload disabled", "error", err)
			return
		}
		cache.watcher = w
		go watchLoop(w)
	}
	if err := cache.watcher.Add(root); err != nil {
		slog.Debug("ignore: cannot watch directory", "root", root, "error", err)
		return
	}
	cache.watched[root] = true
}

func watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != IgnoreFileName {
				continue
			}
			root := filepath.Dir(ev.Name)
			cache.mu.Lock()
			delete(cache.matchers, root)
			cache.mu.Unlock()
			slog.Debug("ignore: matcher invalidated", "root", root, "op", ev.Op.String())
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Debug("ignore: watcher error", "error", err)
		}
	}
}

// Blocked reports whether the absolute or root-relative path argument of
// a tool call is ignored under root. Paths outside root are not blocked
// by this gate.
func Blocked(root, path string) (bool, error) {
	m, err := For(root)
	if err != nil {
		return false, err
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false, nil
	}
	return m.Match(rel, false), nil
}
