package tools

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"local::file_read", "local__file_read"},
		{"server-id::tool-name", "server-id__tool-name"},
		{"weird key!", "weird_key_"},
		{"a.b/c", "a_b_c"},
		{"Already_Fine-123", "Already_Fine-123"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, key := range []string{KeyFileRead, KeyFileWrite, KeySearchFiles, "github::create_issue"} {
		if err := r.Register(Tool{Key: key, Description: key}); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestResolve(t *testing.T) {
	s := newTestRegistry(t).Snapshot()

	tests := []struct {
		name    string
		apiName string
		wantKey string
		wantOK  bool
	}{
		{"exact sanitized", "local__file_read", KeyFileRead, true},
		{"prefixed by model", "functions.local__file_read", KeyFileRead, true},
		{"alias read_file", "read_file", KeyFileRead, true},
		{"alias grep", "grep", KeySearchFiles, true},
		{"mcp tool exact", "github__create_issue", "github::create_issue", true},
		{"hallucinated", "download_website", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := s.Resolve(tt.apiName)
			if ok != tt.wantOK || key != tt.wantKey {
				t.Errorf("Resolve(%q) = (%q, %v), want (%q, %v)", tt.apiName, key, ok, tt.wantKey, tt.wantOK)
			}
		})
	}
}

func TestAliasOnlyResolvesWhenRegistered(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Tool{Key: KeyFileWrite}); err != nil {
		t.Fatal(err)
	}
	s := r.Snapshot()
	if _, ok := s.Resolve("read_file"); ok {
		t.Error("alias must not resolve to an unregistered tool")
	}
}

func TestSuggest(t *testing.T) {
	s := newTestRegistry(t).Snapshot()

	got := s.Suggest("file_reader", 3)
	if len(got) == 0 {
		t.Fatal("expected suggestions for file_reader")
	}
	if got[0] != KeyFileRead {
		t.Errorf("best suggestion = %q, want %q", got[0], KeyFileRead)
	}

	if got := s.Suggest("zzz_qqq", 3); len(got) != 0 {
		t.Errorf("expected no suggestions, got %v", got)
	}

	if got := s.Suggest("file", 2); len(got) > 2 {
		t.Errorf("suggestion cap ignored: %v", got)
	}
}

func TestSchemaValidation(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Tool{
		Key: KeyFileRead,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []any{"path"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tool, _ := r.Get(KeyFileRead)

	if err := tool.ValidateInput(map[string]any{"path": "a.go"}); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	if err := tool.ValidateInput(map[string]any{}); err == nil {
		t.Error("missing required property accepted")
	}
	if err := tool.ValidateInput(map[string]any{"path": 42}); err == nil {
		t.Error("wrong property type accepted")
	}
}

func TestSchemaCompileFailure(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Tool{
		Key:         "local::broken",
		InputSchema: map[string]any{"type": "no-such-type"},
	})
	if err == nil {
		t.Error("malformed schema must fail registration")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := newTestRegistry(t)
	before := r.Snapshot()

	if err := r.Register(Tool{Key: "mcp::discovered_late"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := before.Resolve("mcp__discovered_late"); ok {
		t.Error("old snapshot sees a tool registered after capture")
	}

	after := r.Snapshot()
	if _, ok := after.Resolve("mcp__discovered_late"); !ok {
		t.Error("new snapshot missing the discovered tool")
	}
}

func TestDefaultKind(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Tool{Key: "local::thing"}); err != nil {
		t.Fatal(err)
	}
	tool, _ := r.Get("local::thing")
	if tool.Kind != KindExecute {
		t.Errorf("default kind = %s, want execute", tool.Kind)
	}
	if tool.ReadOnly() {
		t.Error("execute tool reported read-only")
	}
}

func TestKeysOrder(t *testing.T) {
	r := newTestRegistry(t)
	keys := r.Keys()
	if len(keys) != 4 {
		t.Fatalf("keys = %v", keys)
	}
	if keys[0] != KeyFileRead || !strings.Contains(keys[3], "github") {
		t.Errorf("registration order lost: %v", keys)
	}
}
