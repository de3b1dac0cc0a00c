package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Zedster07/brainwave2/internal/tokens"
)

// normalizePath canonicalizes a path for registry keys: forward
// slashes, lower-cased.
func normalizePath(p string) string {
	return strings.ToLower(strings.ReplaceAll(filepath.ToSlash(p), `\`, "/"))
}

// fileEntry is one cached file in the registry.
type fileEntry struct {
	content    string
	step       int
	tokenCount int
}

// FileRegistry is a read-through cache for file-read tools: a repeated
// read of an unchanged file within one task is served from here instead
// of the dispatcher. Entries are written on successful reads and on
// successful writes (re-read post-write) and evicted by compaction.
// Private to one runner invocation.
type FileRegistry struct {
	entries map[string]*fileEntry
}

func newFileRegistry() *FileRegistry {
	return &FileRegistry{entries: make(map[string]*fileEntry)}
}

// Get returns the cached content for path.
func (fr *FileRegistry) Get(path string) (string, bool) {
	e, ok := fr.entries[normalizePath(path)]
	if !ok {
		return "", false
	}
	return e.content, true
}

// Put records content read (or re-read after write) at step.
func (fr *FileRegistry) Put(path, content string, step int) {
	fr.entries[normalizePath(path)] = &fileEntry{
		content:    content,
		step:       step,
		tokenCount: tokens.Estimate(content),
	}
}

// Evict removes one path.
func (fr *FileRegistry) Evict(path string) {
	delete(fr.entries, normalizePath(path))
}

// Len returns the number of cached files.
func (fr *FileRegistry) Len() int { return len(fr.entries) }

// TotalTokens returns the estimated token weight of the cache.
func (fr *FileRegistry) TotalTokens() int {
	total := 0
	for _, e := range fr.entries {
		total += e.tokenCount
	}
	return total
}

// FoldedContext extracts short signatures from cached contents for the
// condensation notice: the model keeps a reminder of which files it has
// seen and their shape without the full text.
func (fr *FileRegistry) FoldedContext() string {
	if len(fr.entries) == 0 {
		return ""
	}
	paths := make([]string, 0, len(fr.entries))
	for p := range fr.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var sb strings.Builder
	for _, p := range paths {
		e := fr.entries[p]
		sb.WriteString(p)
		sb.WriteString(": ")
		sb.WriteString(signature(e.content))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// signature summarizes file content as its first non-empty line plus a
// line count.
func signature(content string) string {
	lines := strings.Split(content, "\n")
	head := ""
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			head = strings.TrimSpace(l)
			break
		}
	}
	if len(head) > 80 {
		head = head[:80]
	}
	return fmt.Sprintf("%s (%d lines)", head, len(lines))
}

// trackEntry is the per-path access record.
type trackEntry struct {
	firstReadStep int
	lastReadStep  int
	lastEditStep  int
	mtimeAtRead   time.Time
	readCount     int
}

// FileTracker records read/edit history per path so externally-modified
// files can be surfaced to the model. Private to one runner invocation.
type FileTracker struct {
	entries map[string]*trackEntry
}

func newFileTracker() *FileTracker {
	return &FileTracker{entries: make(map[string]*trackEntry)}
}

// RecordRead updates the tracker after a successful read at step.
func (ft *FileTracker) RecordRead(path string, step int) {
	key := normalizePath(path)
	e, ok := ft.entries[key]
	if !ok {
		e = &trackEntry{firstReadStep: step}
		ft.entries[key] = e
	}
	e.lastReadStep = step
	e.readCount++
	if info, err := os.Stat(path); err == nil {
		e.mtimeAtRead = info.ModTime()
	}
}

// RecordEdit updates the tracker after a successful write/edit at step.
func (ft *FileTracker) RecordEdit(path string, step int) {
	key := normalizePath(path)
	e, ok := ft.entries[key]
	if !ok {
		e = &trackEntry{firstReadStep: step}
		ft.entries[key] = e
	}
	e.lastEditStep = step
}

// ModifiedExternally reports whether path changed on disk since its
// last recorded read.
func (ft *FileTracker) ModifiedExternally(path string) bool {
	e, ok := ft.entries[normalizePath(path)]
	if !ok || e.mtimeAtRead.IsZero() {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().After(e.mtimeAtRead)
}

// ReadCount returns how many times path was read this task.
func (ft *FileTracker) ReadCount(path string) int {
	if e, ok := ft.entries[normalizePath(path)]; ok {
		return e.readCount
	}
	return 0
}
