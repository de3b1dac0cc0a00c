// Package conversation holds the ordered transcript for one task and
// keeps it inside the model's token budget through sliding-window
// trimming and LLM-summary condensation.
package conversation

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Zedster07/brainwave2/internal/tokens"
)

// defaultResultTruncateBytes is the per-tool-result payload cap. Results larger
// than this keep their first and last halves around an elision marker.
const defaultResultTruncateBytes = 200_000

// Conversation is an ordered sequence of messages plus per-message token
// estimates. It is owned by a single runner invocation; no internal
// locking.
type Conversation struct {
	budgeter *tokens.Budgeter
	msgs     []Message
	perMsg   []int
	total    int

	condensations int
	truncateBytes int
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithResultTruncateBytes overrides the per-tool-result payload cap.
func WithResultTruncateBytes(n int) Option {
	return func(c *Conversation) {
		if n > 0 {
			c.truncateBytes = n
		}
	}
}

// New creates an empty conversation bound to a budgeter.
func New(b *tokens.Budgeter, opts ...Option) *Conversation {
	c := &Conversation{budgeter: b, truncateBytes: defaultResultTruncateBytes}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Len returns the message count.
func (c *Conversation) Len() int { return len(c.msgs) }

// TotalTokens returns the aggregated token estimate.
func (c *Conversation) TotalTokens() int { return c.total }

// Condensations returns how many times the transcript has been condensed.
func (c *Conversation) Condensations() int { return c.condensations }

// Append records a message, updates totals, and trims if the transcript
// is over budget.
func (c *Conversation) Append(m Message) {
	c.push(m)
	c.budgeter.SetUsed(c.total)
	if c.budgeter.NearBudget(1.0) {
		c.trim()
	}
}

// AppendText is shorthand for appending a single-text-block message.
func (c *Conversation) AppendText(role Role, text string) {
	c.Append(TextMessage(role, text))
}

// AppendToolResults packs the given results into one user message, in
// the order given. Oversized payloads are truncated head/tail around an
// explicit elision marker.
func (c *Conversation) AppendToolResults(results []ToolResult) {
	if len(results) == 0 {
		return
	}
	blocks := make([]Block, 0, len(results))
	for _, r := range results {
		r.Content = truncateMiddle(r.Content, c.truncateBytes)
		rc := r
		blocks = append(blocks, Block{Type: BlockToolResult, ToolResult: &rc})
	}
	c.Append(Message{Role: RoleUser, Blocks: blocks})
}

// Snapshot returns the messages for a model call. The caller must not
// mutate the returned slice or its blocks.
func (c *Conversation) Snapshot() []Message {
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// First returns the task-definition message, which is never trimmed away.
func (c *Conversation) First() (Message, bool) {
	if len(c.msgs) == 0 {
		return Message{}, false
	}
	return c.msgs[0], true
}

// Condense replaces everything between the first message and the last
// four with a single notice carrying summary. foldedContext, when
// non-empty, is appended to the notice (signatures extracted from cached
// file contents, so the model retains which files it has seen).
func (c *Conversation) Condense(summary, foldedContext string) {
	const keepTail = 4
	if len(c.msgs) <= 1+keepTail {
		return
	}

	notice := "[Conversation condensed to stay within the context window. Summary of earlier work:]\n" + summary
	if foldedContext != "" {
		notice += "\n\n[Previously read files:]\n" + foldedContext
	}

	head := c.msgs[:1]
	tail := c.msgs[len(c.msgs)-keepTail:]

	rebuilt := make([]Message, 0, 2+keepTail)
	rebuilt = append(rebuilt, head...)
	rebuilt = append(rebuilt, TextMessage(RoleUser, notice))
	rebuilt = append(rebuilt, tail...)

	c.replaceAll(rebuilt)
	c.repairPairing()
	c.condensations++
	c.budgeter.SetUsed(c.total)

	slog.Debug("conversation condensed",
		"messages", len(c.msgs), "tokens", c.total, "condensations", c.condensations)
}

// trim collapses the middle of the transcript when over budget: the
// first two messages (task definition + initial reply) and the last
// max(8, 40% of length) messages survive; the middle becomes one notice
// reporting the count and inviting re-reads. Recurses while still over
// budget and length permits.
func (c *Conversation) trim() {
	const keepHead = 2
	keepTail := len(c.msgs) * 40 / 100
	if keepTail < 8 {
		keepTail = 8
	}
	if len(c.msgs) <= keepHead+keepTail+1 {
		return
	}

	dropped := len(c.msgs) - keepHead - keepTail
	notice := TextMessage(RoleUser, fmt.Sprintf(
		"[%d earlier messages were removed to stay within the context window. Re-read any files you still need.]", dropped))

	rebuilt := make([]Message, 0, keepHead+1+keepTail)
	rebuilt = append(rebuilt, c.msgs[:keepHead]...)
	rebuilt = append(rebuilt, notice)
	rebuilt = append(rebuilt, c.msgs[len(c.msgs)-keepTail:]...)

	before := c.total
	c.replaceAll(rebuilt)
	c.repairPairing()
	c.budgeter.SetUsed(c.total)

	slog.Debug("conversation trimmed",
		"dropped", dropped, "tokens_before", before, "tokens_after", c.total)

	if c.budgeter.NearBudget(1.0) {
		c.trim()
	}
}

// repairPairing fixes tool_use/tool_result pairing broken by a trim or
// condense boundary: tool_result blocks whose tool_use fell out of the
// window are dropped, and assistant tool_use blocks whose results were
// cut get a synthesized placeholder result.
func (c *Conversation) repairPairing() {
	known := make(map[string]bool)
	answered := make(map[string]bool)

	rebuilt := make([]Message, 0, len(c.msgs))
	for _, m := range c.msgs {
		switch m.Role {
		case RoleAssistant:
			for _, b := range m.Blocks {
				if b.Type == BlockToolUse && b.ToolUse != nil {
					known[b.ToolUse.ID] = true
				}
			}
			rebuilt = append(rebuilt, m)
		case RoleUser:
			kept := m.Blocks[:0:0]
			for _, b := range m.Blocks {
				if b.Type == BlockToolResult && b.ToolResult != nil {
					if !known[b.ToolResult.ID] {
						slog.Warn("dropping orphaned tool result", "id", b.ToolResult.ID)
						continue
					}
					answered[b.ToolResult.ID] = true
				}
				kept = append(kept, b)
			}
			if len(kept) > 0 {
				m.Blocks = kept
				rebuilt = append(rebuilt, m)
			}
		}
	}

	// Synthesize results for tool uses left dangling at the end of a
	// surviving assistant message (only the final assistant turn can be
	// legitimately unanswered mid-task, so scan all but the last).
	for i := 0; i < len(rebuilt)-1; i++ {
		m := rebuilt[i]
		if m.Role != RoleAssistant {
			continue
		}
		var synth []Block
		for _, b := range m.Blocks {
			if b.Type != BlockToolUse || b.ToolUse == nil || answered[b.ToolUse.ID] {
				continue
			}
			slog.Warn("synthesizing missing tool result", "id", b.ToolUse.ID)
			synth = append(synth, Block{
				Type: BlockToolResult,
				ToolResult: &ToolResult{
					ID:      b.ToolUse.ID,
					Content: "[Tool result removed during context compaction]",
				},
			})
			answered[b.ToolUse.ID] = true
		}
		if len(synth) > 0 {
			placeholder := Message{Role: RoleUser, Blocks: synth}
			rebuilt = append(rebuilt[:i+1], append([]Message{placeholder}, rebuilt[i+1:]...)...)
			i++
		}
	}

	c.replaceAll(rebuilt)
}

func (c *Conversation) push(m Message) {
	est := tokens.Estimate(estimateText(m))
	c.msgs = append(c.msgs, m)
	c.perMsg = append(c.perMsg, est)
	c.total += est
}

func (c *Conversation) replaceAll(msgs []Message) {
	c.msgs = c.msgs[:0]
	c.perMsg = c.perMsg[:0]
	c.total = 0
	for _, m := range msgs {
		c.push(m)
	}
}

// truncateMiddle keeps the first and last halves of s around an explicit
// elision marker when s exceeds max bytes.
func truncateMiddle(s string, max int) string {
	if len(s) <= max {
		return s
	}
	half := max / 2
	head := s[:half]
	tail := s[len(s)-half:]
	// Keep the cut points on rune boundaries.
	head = strings.ToValidUTF8(head, "")
	tail = strings.ToValidUTF8(tail, "")
	return fmt.Sprintf("%s\n[... %d bytes elided ...]\n%s", head, len(s)-len(head)-len(tail), tail)
}
