package parser

import (
	"strings"
	"testing"
)

var names = []string{"read_file", "write_file", "search_files"}

// feedAll runs the parser over chunks and merges all outputs.
func feedAll(p *Parser, chunks []string) (display string, uses []ToolUse, completions []string) {
	absorb := func(c Chunk) {
		display += c.DisplayText
		uses = append(uses, c.CompletedTools...)
		if c.HasCompletion {
			completions = append(completions, c.CompletionResult)
		}
	}
	for _, chunk := range chunks {
		absorb(p.Feed(chunk))
	}
	absorb(p.Finalize())
	return display, uses, completions
}

func chunked(s string, size int) []string {
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func TestRoundTripChunkSizeIndependent(t *testing.T) {
	reply := "Let me read that file.\n" +
		"<read_file>\n<path>main.go</path>\n</read_file>\n" +
		"Now writing.\n" +
		"<write_file>\n<path>out.txt</path>\n<content>hello\nworld</content>\n</write_file>\n" +
		"Done thinking."

	wholeDisplay, wholeUses, _ := feedAll(New(names, "attempt_completion"), []string{reply})

	for _, size := range []int{1, 2, 3, 7, 64} {
		p := New(names, "attempt_completion")
		display, uses, _ := feedAll(p, chunked(reply, size))
		if display != wholeDisplay {
			t.Errorf("chunk size %d: display %q != %q", size, display, wholeDisplay)
		}
		if len(uses) != len(wholeUses) {
			t.Fatalf("chunk size %d: %d tools, want %d", size, len(uses), len(wholeUses))
		}
		for i := range uses {
			if uses[i].Name != wholeUses[i].Name {
				t.Errorf("chunk size %d: tool %d = %s, want %s", size, i, uses[i].Name, wholeUses[i].Name)
			}
		}
	}
}

func TestParamExtraction(t *testing.T) {
	p := New(names, "attempt_completion")
	_, uses, _ := feedAll(p, []string{"<read_file>\n<path>a/b.go</path>\n</read_file>"})
	if len(uses) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(uses))
	}
	if uses[0].Params["path"] != "a/b.go" {
		t.Errorf("path = %q, want a/b.go", uses[0].Params["path"])
	}
}

func TestMultilineValueKeepsInnerNewlines(t *testing.T) {
	p := New(names, "attempt_completion")
	body := "<write_file>\n<content>\nline1\nline2\n</content>\n</write_file>"
	_, uses, _ := feedAll(p, []string{body})
	if len(uses) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(uses))
	}
	// One leading and one trailing newline are stripped, inner ones stay.
	if uses[0].Params["content"] != "line1\nline2" {
		t.Errorf("content = %q", uses[0].Params["content"])
	}
}

func TestCompletionSignal(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"result param", "<attempt_completion>\n<result>all done</result>\n</attempt_completion>", "all done"},
		{"inner text fallback", "<attempt_completion>\nfinished the task\n</attempt_completion>", "finished the task"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(names, "attempt_completion")
			_, _, completions := feedAll(p, []string{tt.reply})
			if len(completions) != 1 {
				t.Fatalf("expected 1 completion, got %d", len(completions))
			}
			if completions[0] != tt.want {
				t.Errorf("completion = %q, want %q", completions[0], tt.want)
			}
		})
	}
}

func TestTinyChunkStream(t *testing.T) {
	// Streaming in 2-char chunks: one read_file block and one
	// completion block, each emitted exactly once.
	reply := "checking\n<read_file>\n<path>README.md</path>\n</read_file>\n" +
		"<attempt_completion>\n<result>summary of the readme</result>\n</attempt_completion>"

	p := New(names, "attempt_completion")
	_, uses, completions := feedAll(p, chunked(reply, 2))

	if len(uses) != 1 || uses[0].Name != "read_file" {
		t.Fatalf("tools = %+v, want one read_file", uses)
	}
	if len(completions) != 1 || completions[0] != "summary of the readme" {
		t.Fatalf("completions = %q, want one summary", completions)
	}
}

func TestUnknownTagsAreDisplayText(t *testing.T) {
	p := New(names, "attempt_completion")
	reply := "Here is HTML: <div>\n<span>x</span>\n</div> and a generic <T> parameter."
	display, uses, _ := feedAll(p, []string{reply})
	if len(uses) != 0 {
		t.Fatalf("HTML matched as tools: %+v", uses)
	}
	if display != reply {
		t.Errorf("display %q != input", display)
	}
}

func TestLongOpenTagFlushes(t *testing.T) {
	p := New(names, "attempt_completion")
	long := "<" + strings.Repeat("x", 80) + ">"
	display, uses, _ := feedAll(p, []string{long})
	if len(uses) != 0 {
		t.Fatal("long tag must not match")
	}
	if display != long {
		t.Errorf("display %q, want full flush", display)
	}
}

func TestQualifiedNameSuffixMatch(t *testing.T) {
	p := New(names, "attempt_completion")
	_, uses, _ := feedAll(p, []string{"<fs::read_file>\n<path>x</path>\n</fs::read_file>"})
	if len(uses) != 1 || uses[0].Name != "read_file" {
		t.Fatalf("qualified tag did not resolve: %+v", uses)
	}
}

func TestConsecutiveBlocks(t *testing.T) {
	p := New(names, "attempt_completion")
	reply := "<read_file><path>a</path></read_file><read_file><path>b</path></read_file>"
	_, uses, _ := feedAll(p, []string{reply})
	if len(uses) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(uses))
	}
	if uses[0].Params["path"] != "a" || uses[1].Params["path"] != "b" {
		t.Errorf("params wrong: %+v", uses)
	}
}

func TestRuntimeNameExtension(t *testing.T) {
	p := New(names, "attempt_completion")
	block := "<mcp_query>\n<q>select</q>\n</mcp_query>"

	display, uses, _ := feedAll(p, []string{block})
	if len(uses) != 0 || display != block {
		t.Fatal("unregistered name must be display text")
	}

	p2 := New(names, "attempt_completion")
	p2.AddName("mcp_query")
	_, uses2, _ := feedAll(p2, []string{block})
	if len(uses2) != 1 || uses2[0].Name != "mcp_query" {
		t.Fatalf("extended name not recognized: %+v", uses2)
	}
}

func TestFinalizeFlushesUnclosedBlock(t *testing.T) {
	p := New(names, "attempt_completion")
	out := p.Feed("<read_file>\n<path>x</path>")
	if len(out.CompletedTools) != 0 {
		t.Fatal("unclosed block completed early")
	}
	if !out.InsideToolBlock {
		t.Error("parser should report being inside a tool block")
	}
	final := p.Finalize()
	if !strings.Contains(final.DisplayText, "read_file") {
		t.Errorf("finalize dropped the unclosed block: %q", final.DisplayText)
	}
}
