// Package parser implements the incremental detector for tool blocks in
// a streamed text reply. Models on the text protocol emit tool calls as
// XML-ish blocks (<read_file><path>x</path></read_file>); the parser
// separates those from display text one character at a time, without
// backtracking, so chunk boundaries never change the result.
package parser

import (
	"strings"
	"sync"
)

// maxOpenTagLen bounds how long a potential opening tag may grow before
// it is flushed back as display text. Real tool names are short; code
// samples with long generic parameters are not tool calls.
const maxOpenTagLen = 60

// ToolUse is a completed tool block extracted from the stream.
type ToolUse struct {
	Name   string
	Params map[string]string
}

// Chunk is the parser output for one Feed call.
type Chunk struct {
	DisplayText      string
	CompletedTools   []ToolUse
	CompletionResult string
	HasCompletion    bool
	InsideToolBlock  bool
}

type state int

const (
	stateText state = iota
	statePotentialTag
	stateInsideTool
)

// Parser is a character-oriented state machine over the concatenation of
// streamed chunks. The recognized tool-name set is extensible at runtime
// for tools discovered mid-session.
type Parser struct {
	mu    sync.RWMutex
	names map[string]bool

	completionName string

	st      state
	tagBuf  strings.Builder // accumulating "<..." while deciding
	toolBuf strings.Builder // inner content of the open tool block
	tool    string          // name of the open tool block
	closing string          // literal closing tag "</name>"
}

// New creates a parser recognizing the given tool names. completionName
// is the tag that signals task completion (its result parameter, or
// trimmed inner text, terminates the task).
func New(names []string, completionName string) *Parser {
	p := &Parser{
		names:          make(map[string]bool, len(names)+1),
		completionName: completionName,
	}
	for _, n := range names {
		p.names[n] = true
	}
	if completionName != "" {
		p.names[completionName] = true
	}
	return p
}

// AddName registers an additional recognized tool name. Safe to call
// between Feed calls when discovery tools add to the catalog.
func (p *Parser) AddName(name string) {
	p.mu.Lock()
	p.names[name] = true
	p.mu.Unlock()
}

// recognize reports whether tag names a known tool. Qualified names like
// ns::name match on the suffix.
func (p *Parser) recognize(tag string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.names[tag] {
		return true
	}
	if i := strings.LastIndex(tag, "::"); i >= 0 {
		return p.names[tag[i+2:]]
	}
	return false
}

// Feed consumes one streamed chunk and returns what it completed.
func (p *Parser) Feed(chunk string) Chunk {
	var out Chunk
	var display strings.Builder

	for _, r := range chunk {
		switch p.st {
		case stateText:
			if r == '<' {
				p.st = statePotentialTag
				p.tagBuf.Reset()
				p.tagBuf.WriteRune(r)
			} else {
				display.WriteRune(r)
			}

		case statePotentialTag:
			p.tagBuf.WriteRune(r)
			buf := p.tagBuf.String()

			if r == '>' || r == '\n' {
				name := strings.TrimSuffix(buf[1:], string(r))
				if p.recognize(name) {
					p.st = stateInsideTool
					p.tool = name
					p.closing = "</" + name + ">"
					p.toolBuf.Reset()
					if r == '\n' {
						// <name\n form: the newline belongs to the body.
						p.toolBuf.WriteByte('\n')
					}
				} else {
					display.WriteString(buf)
					p.st = stateText
				}
			} else if len(buf) > maxOpenTagLen {
				display.WriteString(buf)
				p.st = stateText
			}

		case stateInsideTool:
			p.toolBuf.WriteRune(r)
			if strings.HasSuffix(p.toolBuf.String(), p.closing) {
				inner := strings.TrimSuffix(p.toolBuf.String(), p.closing)
				p.emitTool(inner, &out)
				p.st = stateText
				p.tool = ""
				p.toolBuf.Reset()
			}
		}
	}

	out.DisplayText = display.String()
	out.InsideToolBlock = p.st == stateInsideTool
	return out
}

// Finalize flushes residual buffers. Unclosed tool blocks and dangling
// potential tags become display text.
func (p *Parser) Finalize() Chunk {
	var out Chunk
	switch p.st {
	case statePotentialTag:
		out.DisplayText = p.tagBuf.String()
	case stateInsideTool:
		out.DisplayText = "<" + p.tool + ">" + p.toolBuf.String()
	}
	p.st = stateText
	p.tagBuf.Reset()
	p.toolBuf.Reset()
	p.tool = ""
	return out
}

func (p *Parser) emitTool(inner string, out *Chunk) {
	params := extractParams(inner)
	name := p.tool
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}

	if name == p.completionName {
		result, ok := params["result"]
		if !ok {
			result = strings.TrimSpace(inner)
		}
		out.CompletionResult = result
		out.HasCompletion = true
		return
	}

	out.CompletedTools = append(out.CompletedTools, ToolUse{Name: name, Params: params})
}

// extractParams pulls <param>value</param> pairs out of a tool block
// body. One leading and one trailing newline are stripped from each
// value. Linear scan; values may span many kilobytes.
func extractParams(inner string) map[string]string {
	params := make(map[string]string)
	rest := inner
	for {
		open := strings.IndexByte(rest, '<')
		if open < 0 {
			break
		}
		end := strings.IndexByte(rest[open:], '>')
		if end < 0 {
			break
		}
		name := rest[open+1 : open+end]
		if name == "" || strings.ContainsAny(name, "</ \t") {
			rest = rest[open+1:]
			continue
		}
		closing := "</" + name + ">"
		bodyStart := open + end + 1
		closeIdx := strings.Index(rest[bodyStart:], closing)
		if closeIdx < 0 {
			rest = rest[open+1:]
			continue
		}
		value := rest[bodyStart : bodyStart+closeIdx]
		value = strings.TrimPrefix(value, "\n")
		value = strings.TrimSuffix(value, "\n")
		params[name] = value
		rest = rest[bodyStart+closeIdx+len(closing):]
	}
	return params
}
