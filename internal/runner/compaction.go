package runner

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Zedster07/brainwave2/internal/tokens"
)

// Progressive compaction levels, applied in order. Level 1 rewrites old
// tool results to one-line summaries, level 2 (run while usage is at the
// aggressive ratio) evicts all but the most recent cached files, level 3
// (run while usage is at the heuristic ratio) head/tail-truncates files
// exceeding a per-file cap.
const (
	compactKeepFiles       = 4
	defaultFileTokenCap    = 4000
	compactResultKeepBytes = 120
)

// compact runs one progressive-compaction pass over the file registry
// and tool-call history. Returns the level it stopped at (0 when there
// was nothing to do).
func (s *runState) compact() int {
	level := 0

	// Level 1: old tool-result contents become one-line summaries.
	rewrote := 0
	for i := range s.records {
		rec := &s.records[i]
		if rec.compacted || len(rec.Content) <= compactResultKeepBytes {
			continue
		}
		rec.Content = oneLine(rec.Content)
		rec.compacted = true
		rewrote++
	}
	if rewrote > 0 {
		level = 1
	}
	if !s.budgeter.NearBudget(tokens.AggressiveRatio) {
		return level
	}

	// Level 2: evict oldest cached files, keep the most recent few.
	if s.files.Len() > compactKeepFiles {
		type aged struct {
			path string
			step int
		}
		var all []aged
		for p, e := range s.files.entries {
			all = append(all, aged{p, e.step})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].step < all[j].step })
		for _, a := range all[:len(all)-compactKeepFiles] {
			s.files.Evict(a.path)
		}
		level = 2
	}
	if !s.budgeter.NearBudget(tokens.HeuristicRatio) {
		return level
	}

	// Level 3: truncate oversized cached files head/tail.
	for p, e := range s.files.entries {
		if e.tokenCount <= s.fileTokenCap {
			continue
		}
		// Rough byte budget from the token cap.
		byteCap := s.fileTokenCap * 3
		e.content = truncateFileMiddle(e.content, byteCap)
		e.tokenCount = tokens.Estimate(e.content)
		s.files.entries[p] = e
		level = 3
	}

	slog.Debug("progressive compaction applied",
		"level", level, "files", s.files.Len(), "records", len(s.records))
	return level
}

// oneLine reduces a tool result to its first meaningful line.
func oneLine(content string) string {
	for _, l := range strings.Split(content, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			if len(l) > compactResultKeepBytes {
				l = l[:compactResultKeepBytes]
			}
			return l + " [compacted]"
		}
	}
	return "[compacted]"
}

// truncateFileMiddle keeps the head and tail of an oversized file.
func truncateFileMiddle(content string, byteCap int) string {
	if len(content) <= byteCap {
		return content
	}
	half := byteCap / 2
	head := strings.ToValidUTF8(content[:half], "")
	tail := strings.ToValidUTF8(content[len(content)-half:], "")
	return fmt.Sprintf("%s\n[... %d bytes truncated ...]\n%s", head, len(content)-len(head)-len(tail), tail)
}
