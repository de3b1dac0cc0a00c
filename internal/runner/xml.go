package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Zedster07/brainwave2/internal/conversation"
	"github.com/Zedster07/brainwave2/internal/delegate"
	"github.com/Zedster07/brainwave2/internal/parser"
	"github.com/Zedster07/brainwave2/internal/providers"
	"github.com/Zedster07/brainwave2/internal/tools"
	"github.com/Zedster07/brainwave2/pkg/protocol"
)

// RunText executes a task against the text-protocol provider: the tool
// catalog rides in the system prompt and replies are streamed through
// the incremental XML parser.
func (r *Runner) RunText(ctx context.Context, actx *delegate.AgentContext, task string) *Result {
	if actx.TaskID == "" {
		actx.TaskID = uuid.NewString()
	}
	st := r.newState(actx, r.streamer.ContextWindow(), false)
	st.conv.AppendText(conversation.RoleUser, task)

	r.emit(st, protocol.EventRunStarted, map[string]string{"task": firstLineOf(task)})
	res := r.textLoop(ctx, st)

	switch res.Outcome {
	case OutcomeFailed:
		r.emit(st, protocol.EventRunFailed, map[string]string{"reason": res.Completion})
	default:
		r.emit(st, protocol.EventRunCompleted, map[string]string{"outcome": string(res.Outcome)})
	}
	return res
}

func (r *Runner) textLoop(ctx context.Context, st *runState) *Result {
	for st.step = 1; st.step <= maxSteps; st.step++ {
		if err := ctx.Err(); err != nil {
			return r.finish(st, r.exhaustedOutcome(st), "task cancelled")
		}
		if time.Now().After(st.deadline) {
			return r.finish(st, r.exhaustedOutcome(st), fmt.Sprintf("task timed out after %s", r.opts.Timeout))
		}

		r.maintainBudget(ctx, st)

		snapshot := r.registry.Snapshot()
		reply, err := r.streamReply(ctx, st, snapshot)
		if err != nil {
			if ctx.Err() != nil {
				return r.finish(st, r.exhaustedOutcome(st), "task cancelled")
			}
			// A stream that died after producing text is a partial
			// reply the loop can continue from; a dead stream with
			// nothing accumulated propagates.
			if reply == nil || (reply.display == "" && len(reply.uses) == 0) {
				return r.finish(st, OutcomeFailed, fmt.Sprintf("model stream failed: %v", err))
			}
		}

		st.conv.AppendText(conversation.RoleAssistant, reply.raw)

		if reply.completed {
			outcome := OutcomeSuccess
			if st.toolSuccess == 0 {
				outcome = OutcomePartial
			}
			return r.finish(st, outcome, reply.completionText)
		}

		uses := reply.uses
		var nudge string
		if len(uses) == 0 {
			// Lenient legacy behavior: a JSON-formatted tool call found
			// in prose is executed anyway, with a nudge to switch to
			// the XML form.
			if jsonUse := jsonCallInProse(reply.display); jsonUse != nil {
				uses = append(uses, *jsonUse)
				nudge = "Reminder: emit tool calls as XML blocks, not JSON."
			}
		}

		if len(uses) == 0 {
			if st.detector.RecordMisbehavior() {
				return r.finish(st, OutcomeFailed, "model repeatedly replied without using tools")
			}
			st.conv.AppendText(conversation.RoleUser,
				"You did not call any tool. Emit a tool block, or <"+tools.CompletionTagName+"> when the task is done.")
			continue
		}

		// Tool uses from the parser become synthetic structured calls
		// so the gating/dispatch path is shared with the native loop.
		var results []conversation.ToolResult
		var names []string
		for _, use := range uses {
			call := &conversation.ToolUse{
				ID:    uuid.NewString(),
				Name:  use.Name,
				Input: paramsToArgs(use.Params),
			}
			names = append(names, use.Name)
			results = append(results, r.executeCall(ctx, st, snapshot, call))
			if st.failReason != "" {
				break
			}
		}

		st.conv.AppendText(conversation.RoleUser, renderTextResults(names, results, nudge))
		st.flushNotices()
		if st.failReason != "" {
			return r.finish(st, OutcomeFailed, st.failReason)
		}
	}

	return r.finish(st, r.exhaustedOutcome(st), fmt.Sprintf("step cap of %d reached", maxSteps))
}

// textReply is the parsed output of one streamed model turn.
type textReply struct {
	raw            string
	display        string
	uses           []parser.ToolUse
	completed      bool
	completionText string
}

// streamReply streams one model turn through the XML parser, emitting
// display text chunks as events as they arrive.
func (r *Runner) streamReply(ctx context.Context, st *runState, snapshot *tools.Snapshot) (*textReply, error) {
	names := make([]string, 0, len(snapshot.Keys()))
	for _, key := range snapshot.Keys() {
		names = append(names, tools.Sanitize(key))
	}
	if r.controller != nil {
		names = append(names, tools.Sanitize(tools.KeyDelegate), tools.Sanitize(tools.KeyDelegateParallel))
	}
	p := parser.New(names, tools.CompletionTagName)

	req := providers.StreamRequest{
		System:      r.opts.SystemPrompt + "\n\n" + renderCatalog(snapshot, r.controller != nil),
		Messages:    st.conv.Snapshot(),
		Model:       r.opts.Model,
		Temperature: r.opts.Temperature,
		MaxTokens:   r.opts.MaxTokens,
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reply := &textReply{}
	var raw strings.Builder

	streamErr := r.streamer.Stream(ctx, req, func(chunk string) {
		raw.WriteString(chunk)
		out := p.Feed(chunk)
		r.absorb(st, reply, out)
	})

	final := p.Finalize()
	r.absorb(st, reply, final)
	reply.raw = raw.String()

	return reply, streamErr
}

func (r *Runner) absorb(st *runState, reply *textReply, out parser.Chunk) {
	if out.DisplayText != "" {
		reply.display += out.DisplayText
		r.emit(st, protocol.EventStreamChunk, map[string]string{"text": out.DisplayText})
	}
	reply.uses = append(reply.uses, out.CompletedTools...)
	if out.HasCompletion {
		reply.completed = true
		reply.completionText = out.CompletionResult
	}
}

// renderCatalog appends the tool catalog to the system prompt for
// models without native tool-call support.
func renderCatalog(snapshot *tools.Snapshot, delegation bool) string {
	var sb strings.Builder
	sb.WriteString("You can call tools by emitting XML blocks of the form:\n")
	sb.WriteString("<tool_name>\n<param>value</param>\n</tool_name>\n\nAvailable tools:\n")
	for _, key := range snapshot.Keys() {
		t, _ := snapshot.Get(key)
		fmt.Fprintf(&sb, "- %s: %s\n", tools.Sanitize(key), t.Description)
	}
	if delegation {
		fmt.Fprintf(&sb, "- %s: spawn one sub-task on another agent type (params: agent_type, task)\n",
			tools.Sanitize(tools.KeyDelegate))
		fmt.Fprintf(&sb, "- %s: spawn up to 5 sub-tasks concurrently (param: tasks, a JSON array)\n",
			tools.Sanitize(tools.KeyDelegateParallel))
	}
	fmt.Fprintf(&sb, "\nWhen the task is complete, emit <%s> with a <result> parameter containing the final answer.\n",
		tools.CompletionTagName)
	return sb.String()
}

// paramsToArgs widens the parser's string params. A "tasks" param
// carrying JSON (for parallel delegation) is decoded; numeric-looking
// values stay strings, matching what tools on the text protocol expect.
func paramsToArgs(params map[string]string) map[string]any {
	args := make(map[string]any, len(params))
	for k, v := range params {
		if k == "tasks" && strings.HasPrefix(strings.TrimSpace(v), "[") {
			var decoded []any
			if err := json.Unmarshal([]byte(v), &decoded); err == nil {
				args[k] = decoded
				continue
			}
		}
		args[k] = v
	}
	return args
}

// renderTextResults packs tool results into the single user message the
// legacy protocol expects.
func renderTextResults(names []string, results []conversation.ToolResult, nudge string) string {
	var sb strings.Builder
	for i, res := range results {
		name := "tool"
		if i < len(names) {
			name = names[i]
		}
		status := "result"
		if res.IsError {
			status = "error"
		}
		fmt.Fprintf(&sb, "[%s %s]\n%s\n\n", name, status, res.Content)
	}
	if nudge != "" {
		sb.WriteString(nudge)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// jsonCallInProse detects the legacy JSON tool-call shape
// {"tool": "...", "arguments": {...}} inside display text.
func jsonCallInProse(display string) *parser.ToolUse {
	start := strings.Index(display, `{"tool"`)
	if start < 0 {
		start = strings.Index(display, `{ "tool"`)
	}
	if start < 0 {
		return nil
	}
	// Walk to the matching closing brace.
	depth := 0
	end := -1
	inString := false
	escaped := false
	for i := start; i < len(display); i++ {
		c := display[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i + 1
			}
		}
		if end > 0 {
			break
		}
	}
	if end < 0 {
		return nil
	}

	var payload struct {
		Tool      string            `json:"tool"`
		Arguments map[string]any    `json:"arguments"`
		Params    map[string]string `json:"params"`
	}
	if err := json.Unmarshal([]byte(display[start:end]), &payload); err != nil || payload.Tool == "" {
		return nil
	}

	params := make(map[string]string)
	for k, v := range payload.Arguments {
		params[k] = fmt.Sprintf("%v", v)
	}
	for k, v := range payload.Params {
		params[k] = v
	}
	return &parser.ToolUse{Name: payload.Tool, Params: params}
}
