package tools

import (
	"sort"
	"strings"
)

// aliases maps names models commonly hallucinate to canonical keys.
// Matching the alias table keeps one bad name from derailing a task.
var aliases = map[string]string{
	"read_file":       "local::file_read",
	"readfile":        "local::file_read",
	"cat":             "local::file_read",
	"write_file":      "local::file_write",
	"writefile":       "local::file_write",
	"edit_file":       "local::file_edit",
	"apply_diff":      "local::file_edit",
	"apply_patch":     "local::apply_patch",
	"list_files":      "local::directory_list",
	"list_directory":  "local::directory_list",
	"ls":              "local::directory_list",
	"search":          "local::search_files",
	"grep":            "local::search_files",
	"run_command":     "local::execute_command",
	"bash":            "local::execute_command",
	"shell":           "local::execute_command",
	"execute_bash":    "local::execute_command",
	"fetch_url":       "local::web_fetch",
	"browse":          "local::web_fetch",
	"spawn_agent":     "local::delegate",
	"spawn_subagent":  "local::delegate",
	"task":            "local::delegate",
	"finish":          "local::attempt_completion",
	"final_answer":    "local::attempt_completion",
	"complete":        "local::attempt_completion",
}

// Snapshot is an immutable view of the registry captured once per loop
// iteration. Name resolution and hallucination suggestions run against
// it without locking.
type Snapshot struct {
	keys        []string
	byKey       map[string]*Tool
	bySanitized map[string]string
}

// Keys returns the snapshot's keys in registration order.
func (s *Snapshot) Keys() []string { return s.keys }

// Get returns the tool for a canonical key.
func (s *Snapshot) Get(key string) (*Tool, bool) {
	t, ok := s.byKey[key]
	return t, ok
}

// Resolve maps an API-visible name back to a canonical key:
//  1. exact sanitized match;
//  2. suffix match, for models that prepend extra prefixes;
//  3. the alias table of common hallucinations.
//
// ok is false when the name is unresolvable (hallucinated).
func (s *Snapshot) Resolve(apiName string) (string, bool) {
	if key, ok := s.bySanitized[apiName]; ok {
		return key, ok
	}
	for sanitized, key := range s.bySanitized {
		if strings.HasSuffix(apiName, sanitized) {
			return key, true
		}
	}
	if key, ok := aliases[strings.ToLower(apiName)]; ok {
		if _, registered := s.byKey[key]; registered {
			return key, true
		}
	}
	return "", false
}

// Suggest returns up to n registered keys closest to name, scored by
// shared word-fragment count. Used to build the corrective message for
// hallucinated tool names.
func (s *Snapshot) Suggest(name string, n int) []string {
	frags := fragments(name)
	type scored struct {
		key   string
		score int
	}
	var candidates []scored
	for _, key := range s.keys {
		score := 0
		kf := fragments(key)
		for f := range frags {
			if kf[f] {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{key, score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.key
	}
	return out
}

// fragments splits a tool name into lowercase word fragments on
// underscores, colons, dashes and camelCase boundaries.
func fragments(name string) map[string]bool {
	out := make(map[string]bool)
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out[strings.ToLower(cur.String())] = true
			cur.Reset()
		}
	}
	for _, r := range name {
		switch {
		case r == '_' || r == ':' || r == '-' || r == '.':
			flush()
		case r >= 'A' && r <= 'Z':
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
