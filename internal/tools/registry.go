// Package tools holds the catalog of tools available to the model: the
// registry, API-name sanitization, inverse name resolution with
// hallucination detection, and input-schema validation.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind classifies a tool for the approval gate and the repetition
// detector's read/write thresholds.
type Kind string

const (
	KindSafe      Kind = "safe"
	KindWrite     Kind = "write"
	KindExecute   Kind = "execute"
	KindDangerous Kind = "dangerous"
)

// Tool describes one registered tool.
type Tool struct {
	// Key is hierarchical: "local::file_read", "server-id::tool-name".
	Key         string
	Description string
	Kind        Kind
	InputSchema map[string]any

	compiled *jsonschema.Schema
}

// ReadOnly reports whether the tool has no side effects.
func (t *Tool) ReadOnly() bool { return t.Kind == KindSafe }

// ValidateInput checks args against the tool's input schema. A tool
// without a schema accepts anything.
func (t *Tool) ValidateInput(args map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	// jsonschema validates generic any values; map[string]any is fine
	// as long as nested values came from JSON decoding.
	if err := t.compiled.Validate(normalizeForSchema(args)); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", t.Key, err)
	}
	return nil
}

// normalizeForSchema converts Go-native numeric types that did not come
// through encoding/json into the shapes the validator expects.
func normalizeForSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForSchema(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForSchema(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

// Registry is the mutable catalog. The runner captures an immutable
// Snapshot at the start of each loop iteration; discovery success
// rebuilds the snapshot synchronously so later calls in the same step
// see the new tools.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool. The input schema is compiled once
// here; a malformed schema is an error since it would reject every call.
func (r *Registry) Register(t Tool) error {
	if t.Key == "" {
		return fmt.Errorf("tool key must not be empty")
	}
	if t.Kind == "" {
		t.Kind = KindExecute
	}
	if t.InputSchema != nil {
		compiled, err := compileSchema(t.Key, t.InputSchema)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", t.Key, err)
		}
		t.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Key]; !exists {
		r.order = append(r.order, t.Key)
	}
	r.tools[t.Key] = &t
	return nil
}

func compileSchema(key string, schema map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "tool://" + Sanitize(key) + ".json"
	if err := c.AddResource(url, normalizeForSchema(schema)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Get returns a tool by key.
func (r *Registry) Get(key string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[key]
	return t, ok
}

// Keys returns registered keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Snapshot captures the current catalog as an immutable name map.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &Snapshot{
		byKey:       make(map[string]*Tool, len(r.tools)),
		bySanitized: make(map[string]string, len(r.tools)),
	}
	for _, key := range r.order {
		t := r.tools[key]
		s.keys = append(s.keys, key)
		s.byKey[key] = t
		s.bySanitized[Sanitize(key)] = key
	}
	return s
}

// Dispatcher executes tool calls. Implementations own all I/O and must
// be safe for concurrent use; the runtime never interprets Content
// beyond truncation and caching.
type Dispatcher interface {
	Dispatch(ctx context.Context, toolKey string, args map[string]any) (DispatchResult, error)
}

// DispatchResult is the dispatcher's observed outcome.
type DispatchResult struct {
	Success bool
	Content string
}

// Sanitize maps a hierarchical key to an API-safe name: "::" becomes
// "__" and anything outside [A-Za-z0-9_-] becomes "_".
func Sanitize(key string) string {
	key = strings.ReplaceAll(key, "::", "__")
	var sb strings.Builder
	sb.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
