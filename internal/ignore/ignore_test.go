package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMatchBasics(t *testing.T) {
	m := Parse("*.pem\nsecrets/\n!keep.pem\n# a comment\n\nbuild\n")

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"a.pem", false, true},
		{"sub/b.pem", false, true},
		{"keep.pem", false, false},          // negated later
		{"sub/keep.pem", false, false},      // negation matches at any depth
		{"secrets", true, true},             // dir-only matches the dir itself
		{"secrets", false, false},           // plain file named secrets is not a dir
		{"secrets/x", false, true},          // contents covered
		{"secrets/sub/y", false, true},      // nested contents covered
		{"build", false, true},              // no slash: matches any depth
		{"deep/build", false, true},
		{"deep/build/out.o", false, true},   // ancestor match covers contents
		{"builder", false, false},           // no partial segment match
		{"other.txt", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := m.Match(tt.path, tt.isDir); got != tt.want {
				t.Errorf("Match(%q, dir=%v) = %v, want %v", tt.path, tt.isDir, got, tt.want)
			}
		})
	}
}

func TestMatchCaseInsensitive(t *testing.T) {
	m := Parse("*.PEM\nSecrets/\n")
	if !m.Match("key.pem", false) {
		t.Error("*.PEM should match key.pem")
	}
	if !m.Match("SECRETS/token", false) {
		t.Error("Secrets/ should match SECRETS/token")
	}
}

func TestMatchAnchoredAndGlobstar(t *testing.T) {
	m := Parse("docs/*.md\nvendor/**/testdata\n/rooted.txt\n")

	tests := []struct {
		path string
		want bool
	}{
		{"docs/readme.md", true},
		{"other/docs/readme.md", false}, // anchored: only from root
		{"vendor/a/testdata", true},
		{"vendor/a/b/c/testdata", true},
		{"vendor/a/b/c/testdata/file.bin", true},
		{"vendor/testdata", true}, // ** spans zero segments
		{"rooted.txt", true},
		{"sub/rooted.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := m.Match(tt.path, false); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestNegationOrder(t *testing.T) {
	// A negation before the ignore pattern does not win; later
	// patterns take precedence.
	m := Parse("!keep.pem\n*.pem\n")
	if !m.Match("keep.pem", false) {
		t.Error("later *.pem should re-ignore keep.pem")
	}
}

func TestLoadMissingFileYieldsEmptyMatcher(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Match("anything.txt", false) {
		t.Error("empty matcher must not match")
	}
}

func TestBlocked(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IgnoreFileName), []byte("*.key\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	Reset(dir)

	blocked, err := Blocked(dir, "server.key")
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Error("server.key should be blocked")
	}

	blocked, err = Blocked(dir, filepath.Join(dir, "nested", "x.key"))
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Error("absolute nested .key path should be blocked")
	}

	blocked, err = Blocked(dir, "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Error("notes.txt should not be blocked")
	}

	// Paths escaping the root are not this gate's business.
	blocked, err = Blocked(dir, "../outside.key")
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Error("paths outside the root must not be blocked here")
	}
}
