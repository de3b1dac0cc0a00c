package diff

import (
	"strings"
	"testing"
)

func TestParsePatchUpdate(t *testing.T) {
	text := `*** Update File: internal/app/server.go
 func start() {
-	listen(":8080")
+	listen(addr)
 }
`
	ops, err := ParsePatch(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(ops))
	}
	op := ops[0]
	if op.Kind != OpUpdate || op.Path != "internal/app/server.go" {
		t.Errorf("op = %+v", op)
	}
	if len(op.Hunks) != 1 {
		t.Fatalf("expected 1 hunk, got %d", len(op.Hunks))
	}
	wantSearch := "func start() {\n\tlisten(\":8080\")\n}"
	wantReplace := "func start() {\n\tlisten(addr)\n}"
	if op.Hunks[0].Search != wantSearch {
		t.Errorf("search = %q, want %q", op.Hunks[0].Search, wantSearch)
	}
	if op.Hunks[0].Replace != wantReplace {
		t.Errorf("replace = %q, want %q", op.Hunks[0].Replace, wantReplace)
	}
}

func TestParsePatchMultipleHunksAndFiles(t *testing.T) {
	text := `*** Update File: a.go
 ctx A
-old A
+new A

 ctx B
-old B
+new B
*** Add File: b.txt
+line one
+line two
*** Delete File: c.txt
`
	ops, err := ParsePatch(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(ops))
	}
	if len(ops[0].Hunks) != 2 {
		t.Errorf("expected 2 hunks, got %d", len(ops[0].Hunks))
	}
	if ops[1].Kind != OpAdd || ops[1].Content != "line one\nline two" {
		t.Errorf("add op = %+v", ops[1])
	}
	if ops[2].Kind != OpDelete || ops[2].Path != "c.txt" {
		t.Errorf("delete op = %+v", ops[2])
	}
}

func TestParsePatchErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"garbage", "not a patch at all"},
		{"header without path", "*** Update File: "},
		{"update without hunks", "*** Update File: a.go\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePatch(tt.text); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestPatchRoundTripThroughEngine(t *testing.T) {
	file := "package a\n\nfunc start() {\n\tlisten(\":8080\")\n}\n"
	text := `*** Update File: a.go
 func start() {
-	listen(":8080")
+	listen(addr)
 }
`
	ops, err := ParsePatch(text)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Apply(file, ops[0].Hunks, 0.85)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "listen(addr)") || strings.Contains(got, ":8080") {
		t.Errorf("patch misapplied:\n%s", got)
	}
}
