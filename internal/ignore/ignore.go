// Package ignore implements gitignore-style pattern matching for the
// .ignorefile access gate. Patterns are matched case-insensitively on
// all platforms; matchers are cached process-wide per working directory
// and invalidated when the ignore file changes on disk.
package ignore

import (
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFileName is the file consulted at the project root.
const IgnoreFileName = ".ignorefile"

type pattern struct {
	negated  bool
	dirOnly  bool
	anchored bool   // contains '/' (other than trailing) → match from root
	segments []string
}

// Matcher holds compiled patterns from one ignore file. Read-only after
// construction; safe for concurrent use.
type Matcher struct {
	patterns []pattern
}

// Parse compiles ignore-file content. Later patterns win, so negations
// (`!keep.pem`) un-ignore earlier matches.
func Parse(content string) *Matcher {
	m := &Matcher{}
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimRight(raw, " \t\r")
		if line == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		p := pattern{}
		if strings.HasPrefix(line, "!") {
			p.negated = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			p.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		if strings.HasPrefix(line, "/") {
			p.anchored = true
			line = strings.TrimPrefix(line, "/")
		}
		if line == "" {
			continue
		}
		if strings.Contains(line, "/") {
			p.anchored = true
		}
		p.segments = strings.Split(strings.ToLower(line), "/")
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Load reads and compiles the ignore file under root. A missing file
// yields an empty matcher.
func Load(root string) (*Matcher, error) {
	data, err := os.ReadFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &Matcher{}, nil
		}
		return nil, err
	}
	return Parse(string(data)), nil
}

// Match reports whether the relative path (forward slashes) is ignored.
// A directory pattern matches the directory and everything beneath it.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	relPath = strings.ToLower(strings.Trim(filepath.ToSlash(relPath), "/"))
	if relPath == "" || relPath == "." {
		return false
	}
	parts := strings.Split(relPath, "/")

	ignored := false
	for _, p := range m.patterns {
		if p.matches(parts, isDir) {
			ignored = !p.negated
		}
	}
	return ignored
}

func (p pattern) matches(parts []string, isDir bool) bool {
	pat := p.segments
	if !p.anchored {
		// Patterns without '/' match at any depth.
		pat = append([]string{"**"}, pat...)
	}
	return globMatch(pat, parts, p.dirOnly, isDir)
}

// globMatch matches segment patterns (with ** spanning any number of
// segments) against path parts. A pattern that exhausts on an ancestor
// directory covers everything beneath it.
func globMatch(pat, parts []string, dirOnly, isDir bool) bool {
	if len(pat) == 0 {
		if len(parts) == 0 {
			return !dirOnly || isDir
		}
		return true
	}
	if pat[0] == "**" {
		for skip := 0; skip <= len(parts); skip++ {
			if globMatch(pat[1:], parts[skip:], dirOnly, isDir) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	if !matchSegment(pat[0], parts[0]) {
		return false
	}
	return globMatch(pat[1:], parts[1:], dirOnly, isDir)
}

// matchSegment matches one path segment against a pattern segment with
// * and ? wildcards.
func matchSegment(pat, seg string) bool {
	if pat == "**" {
		return true
	}
	ok, err := filepath.Match(pat, seg)
	return err == nil && ok
}
