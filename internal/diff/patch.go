package diff

import (
	"fmt"
	"strings"
)

// OpKind tags a patch operation.
type OpKind string

const (
	OpUpdate OpKind = "update"
	OpAdd    OpKind = "add"
	OpDelete OpKind = "delete"
)

// Operation is one file-level action in a parsed patch.
type Operation struct {
	Kind    OpKind
	Path    string
	Hunks   []Block // update: converted to search/replace blocks
	Content string  // add: full file content
}

const (
	headerUpdate = "*** Update File: "
	headerAdd    = "*** Add File: "
	headerDelete = "*** Delete File: "
)

// ParsePatch parses the unified-style patch text. Hunks are lines
// starting with ' ' (context, both sides), '-' (removed, search side
// only) or '+' (added, replace side only); blank lines separate hunks.
func ParsePatch(text string) ([]Operation, error) {
	var ops []Operation
	lines := strings.Split(text, "\n")

	i := 0
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, headerUpdate):
			path := strings.TrimSpace(strings.TrimPrefix(line, headerUpdate))
			if path == "" {
				return nil, fmt.Errorf("patch line %d: update header without path", i+1)
			}
			hunks, next := parseHunks(lines, i+1)
			if len(hunks) == 0 {
				return nil, fmt.Errorf("patch line %d: update for %s has no hunks", i+1, path)
			}
			ops = append(ops, Operation{Kind: OpUpdate, Path: path, Hunks: hunks})
			i = next

		case strings.HasPrefix(line, headerAdd):
			path := strings.TrimSpace(strings.TrimPrefix(line, headerAdd))
			if path == "" {
				return nil, fmt.Errorf("patch line %d: add header without path", i+1)
			}
			content, next := parseAddBody(lines, i+1)
			ops = append(ops, Operation{Kind: OpAdd, Path: path, Content: content})
			i = next

		case strings.HasPrefix(line, headerDelete):
			path := strings.TrimSpace(strings.TrimPrefix(line, headerDelete))
			if path == "" {
				return nil, fmt.Errorf("patch line %d: delete header without path", i+1)
			}
			ops = append(ops, Operation{Kind: OpDelete, Path: path})
			i++

		case strings.TrimSpace(line) == "":
			i++

		default:
			return nil, fmt.Errorf("patch line %d: expected file header, got %q", i+1, line)
		}
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("patch contains no operations")
	}
	return ops, nil
}

// parseHunks reads hunks until the next file header. Each hunk becomes
// one search/replace block: context and removed lines form the search
// side, context and added lines the replace side.
func parseHunks(lines []string, start int) ([]Block, int) {
	var hunks []Block
	var search, replace []string
	i := start

	flush := func() {
		if len(search) == 0 && len(replace) == 0 {
			return
		}
		hunks = append(hunks, Block{
			Search:  strings.Join(search, "\n"),
			Replace: strings.Join(replace, "\n"),
		})
		search, replace = nil, nil
	}

	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, "*** ") {
			break
		}
		switch {
		case line == "":
			flush()
			i++
		case strings.HasPrefix(line, " "):
			search = append(search, line[1:])
			replace = append(replace, line[1:])
			i++
		case strings.HasPrefix(line, "-"):
			search = append(search, line[1:])
			i++
		case strings.HasPrefix(line, "+"):
			replace = append(replace, line[1:])
			i++
		default:
			// Tolerate unprefixed lines as context; models frequently
			// drop the leading space.
			search = append(search, line)
			replace = append(replace, line)
			i++
		}
	}
	flush()
	return hunks, i
}

// parseAddBody reads '+'-prefixed content lines for an Add File section.
func parseAddBody(lines []string, start int) (string, int) {
	var body []string
	i := start
	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, "*** ") {
			break
		}
		if strings.HasPrefix(line, "+") {
			body = append(body, line[1:])
		} else if strings.TrimSpace(line) == "" && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "*** ") {
			i++
			break
		} else {
			body = append(body, line)
		}
		i++
	}
	return strings.Join(body, "\n"), i
}
