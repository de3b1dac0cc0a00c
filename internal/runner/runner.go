// Package runner drives a language model through the multi-turn loop of
// think → call tool → observe → repeat until the model signals
// completion or a safety valve fires. Recoverable conditions never
// abort the loop: they are converted into messages the model can read
// and react to.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Zedster07/brainwave2/internal/approval"
	"github.com/Zedster07/brainwave2/internal/bus"
	"github.com/Zedster07/brainwave2/internal/conversation"
	"github.com/Zedster07/brainwave2/internal/delegate"
	"github.com/Zedster07/brainwave2/internal/detect"
	"github.com/Zedster07/brainwave2/internal/providers"
	"github.com/Zedster07/brainwave2/internal/tokens"
	"github.com/Zedster07/brainwave2/internal/tools"
	"github.com/Zedster07/brainwave2/pkg/protocol"
)

// Outcome classifies how a task ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// Hard limits on a single task.
const (
	maxSteps       = 100
	defaultTimeout = 5 * time.Minute
	maxModelRetry  = 3
	retryBaseWait  = time.Second
	statsInterval  = 5
)

// ToolCallRecord is one entry in the per-task call history, used for
// artifact accounting and run persistence.
type ToolCallRecord struct {
	ToolKey string
	Success bool
	Content string
	Step    int

	compacted bool
}

// Result is the outcome of one task run.
type Result struct {
	TaskID     string
	Outcome    Outcome
	Completion string
	Steps      int
	TokensIn   int
	TokensOut  int
	Records    []ToolCallRecord
}

// Options configure a runner.
type Options struct {
	Model             string
	SystemPrompt      string
	Temperature       float64
	MaxTokens         int
	Timeout           time.Duration
	ProactiveRatio    float64
	ResultTruncateCap int
	FileTokenCap      int
	DiffThreshold     float64
	ModelCallsPerMin  int
}

func (o *Options) fill() {
	if o.Temperature == 0 {
		o.Temperature = 0.7
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 8192
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.ProactiveRatio <= 0 || o.ProactiveRatio >= 1 {
		o.ProactiveRatio = tokens.ProactiveRatio
	}
	if o.FileTokenCap <= 0 {
		o.FileTokenCap = defaultFileTokenCap
	}
}

// Runner executes tasks. One Runner may run many tasks; all per-task
// state lives in runState.
type Runner struct {
	provider   providers.Provider
	streamer   providers.StreamProvider
	summarizer providers.Summarizer
	dispatcher tools.Dispatcher
	registry   *tools.Registry
	gate       *approval.Gate
	controller *delegate.Controller
	events     bus.Publisher
	limiter    *rate.Limiter
	tracer     trace.Tracer
	opts       Options
}

// Config wires a Runner's collaborators.
type Config struct {
	Provider   providers.Provider
	Streamer   providers.StreamProvider
	Summarizer providers.Summarizer
	Dispatcher tools.Dispatcher
	Registry   *tools.Registry
	Gate       *approval.Gate
	Controller *delegate.Controller
	Events     bus.Publisher
	Options    Options
}

// New creates a runner.
func New(cfg Config) *Runner {
	cfg.Options.fill()
	var limiter *rate.Limiter
	if cfg.Options.ModelCallsPerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.Options.ModelCallsPerMin)/60.0), cfg.Options.ModelCallsPerMin)
	}
	return &Runner{
		provider:   cfg.Provider,
		streamer:   cfg.Streamer,
		summarizer: cfg.Summarizer,
		dispatcher: cfg.Dispatcher,
		registry:   cfg.Registry,
		gate:       cfg.Gate,
		controller: cfg.Controller,
		events:     cfg.Events,
		limiter:    limiter,
		tracer:     otel.Tracer("brainwave2/runner"),
		opts:       cfg.Options,
	}
}

// runState is the per-task mutable state, owned by one Run invocation.
type runState struct {
	taskID   string
	actx     *delegate.AgentContext
	conv     *conversation.Conversation
	budgeter *tokens.Budgeter
	detector *detect.Detector
	files    *FileRegistry
	tracker  *FileTracker
	records  []ToolCallRecord

	step         int
	toolSuccess  int
	tokensIn     int
	tokensOut    int
	fileTokenCap int
	deadline     time.Time

	// failReason, when set, terminates the loop with OutcomeFailed.
	failReason string

	// pendingNotices are loop warnings queued during gating; they are
	// appended after the tool-results message so tool_use/tool_result
	// pairing stays intact.
	pendingNotices []string
}

func (r *Runner) newState(actx *delegate.AgentContext, contextWindow int, thinking bool) *runState {
	b := tokens.NewBudgeter(contextWindow, thinking)
	convOpts := []conversation.Option{}
	if r.opts.ResultTruncateCap > 0 {
		convOpts = append(convOpts, conversation.WithResultTruncateBytes(r.opts.ResultTruncateCap))
	}
	return &runState{
		taskID:       actx.TaskID,
		actx:         actx,
		conv:         conversation.New(b, convOpts...),
		budgeter:     b,
		detector:     detect.New(),
		files:        newFileRegistry(),
		tracker:      newFileTracker(),
		fileTokenCap: r.opts.FileTokenCap,
		deadline:     time.Now().Add(r.opts.Timeout),
	}
}

// Run executes a task against the structured-tool provider.
func (r *Runner) Run(ctx context.Context, actx *delegate.AgentContext, task string) *Result {
	if actx.TaskID == "" {
		actx.TaskID = uuid.NewString()
	}
	st := r.newState(actx, r.provider.ContextWindow(), r.provider.SupportsThinking())
	st.conv.AppendText(conversation.RoleUser, task)

	r.emit(st, protocol.EventRunStarted, map[string]string{"task": firstLineOf(task)})

	res := r.loop(ctx, st)

	switch res.Outcome {
	case OutcomeFailed:
		r.emit(st, protocol.EventRunFailed, map[string]string{"reason": res.Completion})
	default:
		r.emit(st, protocol.EventRunCompleted, map[string]string{"outcome": string(res.Outcome)})
	}
	return res
}

func (r *Runner) loop(ctx context.Context, st *runState) *Result {
	for st.step = 1; st.step <= maxSteps; st.step++ {
		// Pre-flight: cancellation and wall-clock timeout.
		if err := ctx.Err(); err != nil {
			return r.finish(st, r.exhaustedOutcome(st), "task cancelled")
		}
		if time.Now().After(st.deadline) {
			return r.finish(st, r.exhaustedOutcome(st), fmt.Sprintf("task timed out after %s", r.opts.Timeout))
		}

		// Budget maintenance.
		r.maintainBudget(ctx, st)

		// Model call over an immutable registry snapshot.
		snapshot := r.registry.Snapshot()
		resp, err := r.complete(ctx, st, snapshot)
		if err != nil {
			if ctx.Err() != nil {
				return r.finish(st, r.exhaustedOutcome(st), "task cancelled")
			}
			return r.finish(st, OutcomeFailed, fmt.Sprintf("model call failed: %v", err))
		}

		st.tokensIn += resp.TokensIn
		st.tokensOut += resp.TokensOut
		st.budgeter.Calibrate(resp.TokensIn, st.conv.TotalTokens())

		// The assistant reply goes into the transcript verbatim,
		// thinking blocks included.
		st.conv.Append(conversation.Message{Role: conversation.RoleAssistant, Blocks: resp.Blocks})
		r.emitThinking(st, resp.Blocks)

		// Completion signal?
		if done, text := completionFrom(resp.Blocks); done {
			outcome := OutcomeSuccess
			if st.toolSuccess == 0 {
				outcome = OutcomePartial
			}
			return r.finish(st, outcome, text)
		}

		calls := callsFrom(resp.Blocks)
		if len(calls) == 0 {
			if resp.FinishReason == "end_turn" && strings.TrimSpace(textFrom(resp.Blocks)) != "" {
				// Natural stop with content: treat as completion.
				outcome := OutcomeSuccess
				if st.toolSuccess == 0 {
					outcome = OutcomePartial
				}
				return r.finish(st, outcome, textFrom(resp.Blocks))
			}
			if st.detector.RecordMisbehavior() {
				return r.finish(st, OutcomeFailed, "model repeatedly replied without using tools")
			}
			st.conv.AppendText(conversation.RoleUser,
				"You did not call any tool. Use the available tools to make progress, or call "+
					tools.Sanitize(tools.KeyAttemptCompletion)+" when the task is done.")
			continue
		}

		results := r.executeCalls(ctx, st, snapshot, calls)
		st.conv.AppendToolResults(results)
		st.flushNotices()
		if st.failReason != "" {
			return r.finish(st, OutcomeFailed, st.failReason)
		}

		if st.step%statsInterval == 0 {
			slog.Info("context usage",
				"task", st.taskID, "step", st.step,
				"tokens", st.conv.TotalTokens(), "budget", st.budgeter.Budget(),
				"messages", st.conv.Len(), "cached_files", st.files.Len())
		}
	}

	// Safety valve: absolute step cap.
	return r.finish(st, r.exhaustedOutcome(st), fmt.Sprintf("step cap of %d reached", maxSteps))
}

// exhaustedOutcome maps "stopped early" to partial when any tool call
// succeeded, failed otherwise.
func (r *Runner) exhaustedOutcome(st *runState) Outcome {
	if st.toolSuccess > 0 {
		return OutcomePartial
	}
	return OutcomeFailed
}

func (r *Runner) finish(st *runState, outcome Outcome, completion string) *Result {
	return &Result{
		TaskID:     st.taskID,
		Outcome:    outcome,
		Completion: completion,
		Steps:      st.step,
		TokensIn:   st.tokensIn,
		TokensOut:  st.tokensOut,
		Records:    st.records,
	}
}

// maintainBudget condenses the conversation at the proactive ratio and
// applies progressive compaction at the aggressive ratio. Failure to
// free enough is not fatal here: the model call may still succeed, and
// a provider-side overflow is reported as task failure by the caller.
func (r *Runner) maintainBudget(ctx context.Context, st *runState) {
	ratio := r.opts.ProactiveRatio
	if !st.budgeter.NearBudget(ratio) {
		return
	}
	if r.summarizer != nil {
		transcript := flattenForSummary(st.conv.Snapshot())
		summary, err := r.summarizer.Summarize(ctx, transcript)
		if err != nil {
			slog.Warn("condensation failed", "task", st.taskID, "error", err)
		} else {
			st.conv.Condense(summary, st.files.FoldedContext())
		}
	}
	if st.budgeter.NearBudget(tokens.AggressiveRatio) {
		st.compact()
	}
}

// complete calls the structured provider with retry and tracing.
func (r *Runner) complete(ctx context.Context, st *runState, snapshot *tools.Snapshot) (*providers.CompleteResponse, error) {
	req := providers.CompleteRequest{
		System:      r.opts.SystemPrompt,
		Messages:    st.conv.Snapshot(),
		Tools:       r.toolParams(snapshot),
		Model:       r.opts.Model,
		Temperature: r.opts.Temperature,
		MaxTokens:   r.opts.MaxTokens,
	}
	// Interleaved hidden reasoning requires temperature exactly 1.0.
	if r.provider.SupportsThinking() {
		req.Temperature = 1.0
	}

	var lastErr error
	for attempt := 1; attempt <= maxModelRetry; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		callCtx, span := r.tracer.Start(ctx, "model.complete", trace.WithAttributes(
			attribute.String("task.id", st.taskID),
			attribute.Int("step", st.step),
			attribute.Int("attempt", attempt),
		))
		resp, err := r.provider.Complete(callCtx, req)
		if err == nil {
			span.SetAttributes(
				attribute.Int("tokens.in", resp.TokensIn),
				attribute.Int("tokens.out", resp.TokensOut),
			)
			span.End()
			return resp, nil
		}
		span.RecordError(err)
		span.End()

		lastErr = err
		if ctx.Err() != nil || attempt == maxModelRetry {
			break
		}
		r.emit(st, protocol.EventRunRetrying, map[string]string{
			"attempt": fmt.Sprintf("%d/%d", attempt, maxModelRetry),
			"error":   err.Error(),
		})
		wait := retryBaseWait << (attempt - 1)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// toolParams renders the catalog for the model: every registered tool
// plus the virtual completion and delegation tools.
func (r *Runner) toolParams(snapshot *tools.Snapshot) []providers.ToolParam {
	var params []providers.ToolParam
	for _, key := range snapshot.Keys() {
		t, _ := snapshot.Get(key)
		params = append(params, providers.ToolParam{
			Name:        tools.Sanitize(key),
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	params = append(params, providers.ToolParam{
		Name:        tools.Sanitize(tools.KeyAttemptCompletion),
		Description: "Declare the task finished and deliver the final answer to the user.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"result": map[string]any{"type": "string"}},
			"required":   []any{"result"},
		},
	})

	if r.controller != nil {
		subTaskSchema := map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_type": map[string]any{"type": "string"},
				"task":       map[string]any{"type": "string"},
			},
			"required": []any{"agent_type", "task"},
		}
		params = append(params,
			providers.ToolParam{
				Name:        tools.Sanitize(tools.KeyDelegate),
				Description: "Spawn one sub-task on another agent type and wait for its result.",
				InputSchema: subTaskSchema,
			},
			providers.ToolParam{
				Name:        tools.Sanitize(tools.KeyDelegateParallel),
				Description: "Spawn up to 5 sub-tasks concurrently on other agent types.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"tasks": map[string]any{"type": "array", "items": subTaskSchema},
					},
					"required": []any{"tasks"},
				},
			},
		)
	}
	return params
}

// flushNotices appends queued loop warnings as a user message.
func (st *runState) flushNotices() {
	for _, notice := range st.pendingNotices {
		st.conv.AppendText(conversation.RoleUser, notice)
	}
	st.pendingNotices = st.pendingNotices[:0]
}

func (r *Runner) emit(st *runState, eventType string, payload any) {
	if r.events == nil {
		return
	}
	r.events.Broadcast(bus.Event{
		Type:      eventType,
		TaskID:    st.taskID,
		AgentType: st.actx.AgentType,
		Payload:   payload,
	})
}

func (r *Runner) emitThinking(st *runState, blocks []conversation.Block) {
	for _, b := range blocks {
		switch b.Type {
		case conversation.BlockThinking:
			r.emit(st, protocol.EventThinking, nil)
		case conversation.BlockText:
			if strings.TrimSpace(b.Text) != "" {
				r.emit(st, protocol.EventActing, map[string]string{"text": b.Text})
			}
		}
	}
}

// --- reply inspection helpers ---

func completionFrom(blocks []conversation.Block) (bool, string) {
	for _, b := range blocks {
		if b.Type != conversation.BlockToolUse || b.ToolUse == nil {
			continue
		}
		if b.ToolUse.Name == tools.Sanitize(tools.KeyAttemptCompletion) ||
			b.ToolUse.Name == tools.KeyAttemptCompletion {
			if result, ok := b.ToolUse.Input["result"].(string); ok {
				return true, result
			}
			return true, ""
		}
	}
	return false, ""
}

func callsFrom(blocks []conversation.Block) []*conversation.ToolUse {
	var calls []*conversation.ToolUse
	for _, b := range blocks {
		if b.Type == conversation.BlockToolUse && b.ToolUse != nil {
			calls = append(calls, b.ToolUse)
		}
	}
	return calls
}

func textFrom(blocks []conversation.Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == conversation.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func flattenForSummary(msgs []conversation.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		for _, b := range m.Blocks {
			switch b.Type {
			case conversation.BlockText:
				fmt.Fprintf(&sb, "%s: %s\n", m.Role, b.Text)
			case conversation.BlockToolUse:
				if b.ToolUse != nil {
					fmt.Fprintf(&sb, "%s called %s\n", m.Role, b.ToolUse.Name)
				}
			case conversation.BlockToolResult:
				if b.ToolResult != nil {
					fmt.Fprintf(&sb, "tool result: %s\n", firstLineOf(b.ToolResult.Content))
				}
			}
			// Thinking blocks never go through the summary pipeline:
			// they are opaque provider payloads.
		}
	}
	return sb.String()
}

func firstLineOf(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
