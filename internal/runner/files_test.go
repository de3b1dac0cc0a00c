package runner

import (
	"strings"
	"testing"

	"github.com/Zedster07/brainwave2/internal/delegate"
	"github.com/Zedster07/brainwave2/internal/tokens"
)

func TestFileRegistryNormalizesPaths(t *testing.T) {
	fr := newFileRegistry()
	fr.Put(`Src\Main.GO`, "package main", 1)

	if _, ok := fr.Get("src/main.go"); !ok {
		t.Error("lower-cased forward-slash lookup failed")
	}
	if _, ok := fr.Get("SRC/MAIN.GO"); !ok {
		t.Error("case-insensitive lookup failed")
	}
}

func TestFileRegistryFoldedContext(t *testing.T) {
	fr := newFileRegistry()
	fr.Put("b.go", "package b\nfunc B() {}\n", 1)
	fr.Put("a.go", "package a\n", 2)

	folded := fr.FoldedContext()
	// Sorted by path, each entry carries a signature.
	if !strings.HasPrefix(folded, "a.go: package a") {
		t.Errorf("folded context = %q", folded)
	}
	if !strings.Contains(folded, "b.go: package b") {
		t.Errorf("folded context missing b.go: %q", folded)
	}
}

func TestFileTrackerCounts(t *testing.T) {
	ft := newFileTracker()
	ft.RecordRead("x.go", 1)
	ft.RecordRead("x.go", 3)
	ft.RecordEdit("x.go", 4)

	if got := ft.ReadCount("x.go"); got != 2 {
		t.Errorf("read count = %d, want 2", got)
	}
	e := ft.entries[normalizePath("x.go")]
	if e.firstReadStep != 1 || e.lastReadStep != 3 || e.lastEditStep != 4 {
		t.Errorf("entry = %+v", e)
	}
}

func testState(contextWindow int) *runState {
	b := tokens.NewBudgeter(contextWindow, false)
	return &runState{
		actx:         &delegate.AgentContext{TaskID: "t"},
		budgeter:     b,
		files:        newFileRegistry(),
		tracker:      newFileTracker(),
		fileTokenCap: 100,
	}
}

func TestCompactionLevels(t *testing.T) {
	st := testState(1000 + 8192) // budget 1000

	// Old long tool results and six cached files.
	for i := 0; i < 5; i++ {
		st.records = append(st.records, ToolCallRecord{
			ToolKey: "local::file_read",
			Success: true,
			Content: strings.Repeat("long output line\n", 50),
			Step:    i + 1,
		})
	}
	for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
		st.files.Put(name+".go", strings.Repeat("var x = 1\n", 200), i+1)
	}

	st.budgeter.SetUsed(2000) // well past every ratio
	level := st.compact()

	if level < 2 {
		t.Fatalf("compaction stopped at level %d", level)
	}
	for _, rec := range st.records {
		if len(rec.Content) > compactResultKeepBytes+len(" [compacted]") {
			t.Errorf("record not summarized: %d bytes", len(rec.Content))
		}
	}
	if st.files.Len() != compactKeepFiles {
		t.Errorf("files after eviction = %d, want %d", st.files.Len(), compactKeepFiles)
	}
	// Oldest files evicted, newest kept.
	if _, ok := st.files.Get("a.go"); ok {
		t.Error("oldest file survived eviction")
	}
	if _, ok := st.files.Get("f.go"); !ok {
		t.Error("newest file evicted")
	}
	// Level 3 truncated the survivors to about the per-file cap; the
	// elision marker leaves them a few tokens over it.
	for _, name := range []string{"c.go", "d.go", "e.go", "f.go"} {
		content, _ := st.files.Get(name)
		if tokens.Estimate(content) > st.fileTokenCap*2 {
			t.Errorf("%s not truncated: %d tokens", name, tokens.Estimate(content))
		}
	}
}

func TestCompactionNoopWhenNothingToDo(t *testing.T) {
	st := testState(1000 + 8192)
	st.budgeter.SetUsed(2000)
	if level := st.compact(); level != 0 {
		t.Errorf("empty state compacted at level %d", level)
	}
}
