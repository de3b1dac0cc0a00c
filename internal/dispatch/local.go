// Package dispatch provides the reference local tool dispatcher: file
// reads, directory listings, content search, writes, and diff-engine
// edits rooted in one working directory. Production shells replace it
// with their own dispatcher; the runner only sees the interface.
package dispatch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Zedster07/brainwave2/internal/diff"
	"github.com/Zedster07/brainwave2/internal/tools"
)

// Local dispatches the built-in local:: tools against the filesystem.
// Safe for concurrent use: every call works on its own paths.
type Local struct {
	root          string
	diffThreshold float64
}

// NewLocal creates a dispatcher rooted at root.
func NewLocal(root string, diffThreshold float64) *Local {
	if diffThreshold <= 0 || diffThreshold > 1 {
		diffThreshold = diff.DefaultThreshold
	}
	return &Local{root: root, diffThreshold: diffThreshold}
}

// Register adds the dispatcher's tools to a registry.
func (l *Local) Register(reg *tools.Registry) error {
	pathSchema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []any{"path"},
	}
	entries := []tools.Tool{
		{Key: tools.KeyFileRead, Kind: tools.KindSafe, InputSchema: pathSchema,
			Description: "Read a file and return its content."},
		{Key: tools.KeyDirectoryList, Kind: tools.KindSafe, InputSchema: pathSchema,
			Description: "List the entries of a directory."},
		{Key: tools.KeySearchFiles, Kind: tools.KindSafe,
			Description: "Search files under a directory for a substring.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":  map[string]any{"type": "string"},
					"query": map[string]any{"type": "string"},
				},
				"required": []any{"query"},
			}},
		{Key: tools.KeyFileWrite, Kind: tools.KindWrite,
			Description: "Create or overwrite a file with the given content.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []any{"path", "content"},
			}},
		{Key: tools.KeyFileEdit, Kind: tools.KindWrite,
			Description: "Apply search-and-replace blocks to a file.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
					"blocks": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"search":     map[string]any{"type": "string"},
								"replace":    map[string]any{"type": "string"},
								"start_line": map[string]any{"type": "integer"},
							},
							"required": []any{"search", "replace"},
						},
					},
				},
				"required": []any{"path", "blocks"},
			}},
		{Key: tools.KeyApplyPatch, Kind: tools.KindWrite,
			Description: "Apply a multi-file patch (update/add/delete sections).",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"patch": map[string]any{"type": "string"},
				},
				"required": []any{"patch"},
			}},
	}
	for _, t := range entries {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch implements tools.Dispatcher.
func (l *Local) Dispatch(ctx context.Context, toolKey string, args map[string]any) (tools.DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return tools.DispatchResult{}, err
	}
	switch toolKey {
	case tools.KeyFileRead:
		return l.fileRead(args)
	case tools.KeyDirectoryList:
		return l.directoryList(args)
	case tools.KeySearchFiles:
		return l.searchFiles(args)
	case tools.KeyFileWrite:
		return l.fileWrite(args)
	case tools.KeyFileEdit:
		return l.fileEdit(args)
	case tools.KeyApplyPatch:
		return l.applyPatch(args)
	}
	return tools.DispatchResult{Success: false, Content: "unsupported tool: " + toolKey}, nil
}

func (l *Local) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(l.root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(l.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside the working directory", path)
	}
	return abs, nil
}

func (l *Local) fileRead(args map[string]any) (tools.DispatchResult, error) {
	path, _ := args["path"].(string)
	abs, err := l.resolve(path)
	if err != nil {
		return tools.DispatchResult{Content: err.Error()}, nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return tools.DispatchResult{Content: fmt.Sprintf("cannot read %s: %v", path, err)}, nil
	}
	return tools.DispatchResult{Success: true, Content: string(data)}, nil
}

func (l *Local) directoryList(args map[string]any) (tools.DispatchResult, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	abs, err := l.resolve(path)
	if err != nil {
		return tools.DispatchResult{Content: err.Error()}, nil
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return tools.DispatchResult{Content: fmt.Sprintf("cannot list %s: %v", path, err)}, nil
	}
	var sb strings.Builder
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
	return tools.DispatchResult{Success: true, Content: sb.String()}, nil
}

func (l *Local) searchFiles(args map[string]any) (tools.DispatchResult, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return tools.DispatchResult{Content: "query must not be empty"}, nil
	}
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	abs, err := l.resolve(path)
	if err != nil {
		return tools.DispatchResult{Content: err.Error()}, nil
	}

	var hits []string
	walkErr := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				rel, _ := filepath.Rel(l.root, p)
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(hits) >= 200 {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return tools.DispatchResult{Content: fmt.Sprintf("search failed: %v", walkErr)}, nil
	}
	sort.Strings(hits)
	return tools.DispatchResult{Success: true, Content: strings.Join(hits, "\n")}, nil
}

func (l *Local) fileWrite(args map[string]any) (tools.DispatchResult, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	abs, err := l.resolve(path)
	if err != nil {
		return tools.DispatchResult{Content: err.Error()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return tools.DispatchResult{Content: fmt.Sprintf("cannot create directory for %s: %v", path, err)}, nil
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return tools.DispatchResult{Content: fmt.Sprintf("cannot write %s: %v", path, err)}, nil
	}
	// Re-read post-write so the runner's cache holds what actually
	// landed on disk.
	data, err := os.ReadFile(abs)
	if err != nil {
		return tools.DispatchResult{Content: fmt.Sprintf("wrote %s but re-read failed: %v", path, err)}, nil
	}
	return tools.DispatchResult{Success: true, Content: string(data)}, nil
}

func (l *Local) fileEdit(args map[string]any) (tools.DispatchResult, error) {
	path, _ := args["path"].(string)
	abs, err := l.resolve(path)
	if err != nil {
		return tools.DispatchResult{Content: err.Error()}, nil
	}
	blocks, err := decodeBlocks(args["blocks"])
	if err != nil {
		return tools.DispatchResult{Content: err.Error()}, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return tools.DispatchResult{Content: fmt.Sprintf("cannot read %s: %v", path, err)}, nil
	}

	updated, applyErr := diff.Apply(string(data), blocks, l.diffThreshold)
	if applyErr != nil {
		return tools.DispatchResult{Content: applyErr.Error()}, nil
	}
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return tools.DispatchResult{Content: fmt.Sprintf("cannot write %s: %v", path, err)}, nil
	}
	return tools.DispatchResult{Success: true, Content: updated}, nil
}

func (l *Local) applyPatch(args map[string]any) (tools.DispatchResult, error) {
	patchText, _ := args["patch"].(string)
	ops, err := diff.ParsePatch(patchText)
	if err != nil {
		return tools.DispatchResult{Content: err.Error()}, nil
	}

	var report []string
	for _, op := range ops {
		abs, err := l.resolve(op.Path)
		if err != nil {
			return tools.DispatchResult{Content: err.Error()}, nil
		}
		switch op.Kind {
		case diff.OpAdd:
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return tools.DispatchResult{Content: fmt.Sprintf("cannot create directory for %s: %v", op.Path, err)}, nil
			}
			if err := os.WriteFile(abs, []byte(op.Content), 0o644); err != nil {
				return tools.DispatchResult{Content: fmt.Sprintf("cannot write %s: %v", op.Path, err)}, nil
			}
			report = append(report, "added "+op.Path)
		case diff.OpDelete:
			if err := os.Remove(abs); err != nil {
				return tools.DispatchResult{Content: fmt.Sprintf("cannot delete %s: %v", op.Path, err)}, nil
			}
			report = append(report, "deleted "+op.Path)
		case diff.OpUpdate:
			data, err := os.ReadFile(abs)
			if err != nil {
				return tools.DispatchResult{Content: fmt.Sprintf("cannot read %s: %v", op.Path, err)}, nil
			}
			updated, applyErr := diff.Apply(string(data), op.Hunks, l.diffThreshold)
			if applyErr != nil {
				return tools.DispatchResult{Content: fmt.Sprintf("%s: %v", op.Path, applyErr)}, nil
			}
			if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
				return tools.DispatchResult{Content: fmt.Sprintf("cannot write %s: %v", op.Path, err)}, nil
			}
			report = append(report, "updated "+op.Path)
		}
	}
	return tools.DispatchResult{Success: true, Content: strings.Join(report, "\n")}, nil
}

func decodeBlocks(raw any) ([]diff.Block, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("blocks must be a non-empty array")
	}
	blocks := make([]diff.Block, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("block %d is not an object", i+1)
		}
		b := diff.Block{}
		b.Search, _ = m["search"].(string)
		b.Replace, _ = m["replace"].(string)
		switch v := m["start_line"].(type) {
		case float64:
			b.StartLine = int(v)
		case int:
			b.StartLine = v
		}
		if b.Search == "" {
			return nil, fmt.Errorf("block %d has empty search content", i+1)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
