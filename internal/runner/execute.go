package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zedster07/brainwave2/internal/conversation"
	"github.com/Zedster07/brainwave2/internal/delegate"
	"github.com/Zedster07/brainwave2/internal/detect"
	"github.com/Zedster07/brainwave2/internal/ignore"
	"github.com/Zedster07/brainwave2/internal/tools"
	"github.com/Zedster07/brainwave2/pkg/protocol"
)

// Result-content prefixes mandated by the error-handling policy. The
// model reads these and reacts; the loop never aborts for them.
const (
	prefixPermissionDenied = "PERMISSION DENIED: "
	prefixAccessBlocked    = "ACCESS BLOCKED: "
)

// executeCalls walks every tool call of one reply through the gates and
// the dispatcher. When every call is read-only they are dispatched
// concurrently; results are always packed in emission order so the
// transcript stays deterministic.
func (r *Runner) executeCalls(ctx context.Context, st *runState, snapshot *tools.Snapshot, calls []*conversation.ToolUse) []conversation.ToolResult {
	if len(calls) > 1 && r.allReadOnly(snapshot, calls) {
		return r.executeParallelReads(ctx, st, snapshot, calls)
	}

	results := make([]conversation.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, r.executeCall(ctx, st, snapshot, call))
		if st.failReason != "" {
			break
		}
	}
	return results
}

func (r *Runner) allReadOnly(snapshot *tools.Snapshot, calls []*conversation.ToolUse) bool {
	for _, call := range calls {
		key, ok := snapshot.Resolve(call.Name)
		if !ok {
			return false
		}
		t, ok := snapshot.Get(key)
		if !ok || !(t.ReadOnly() || tools.IsReadOnlyKey(key)) {
			return false
		}
	}
	return true
}

// executeParallelReads dispatches read-only calls concurrently. The
// same permission and ignore gates apply per call; results are indexed
// so packing follows emission order regardless of completion order.
func (r *Runner) executeParallelReads(ctx context.Context, st *runState, snapshot *tools.Snapshot, calls []*conversation.ToolUse) []conversation.ToolResult {
	results := make([]conversation.ToolResult, len(calls))

	// Gates, the detector, and cache bookkeeping mutate runState and
	// stay on the loop goroutine; only the dispatch itself fans out.
	type job struct {
		idx int
		key string
	}
	var jobs []job
	for i, call := range calls {
		key, verdict := r.gateCall(ctx, st, snapshot, call)
		if verdict != nil {
			results[i] = *verdict
			continue
		}
		if cached, ok := r.serveFromCache(st, key, call); ok {
			results[i] = cached
			continue
		}
		jobs = append(jobs, job{idx: i, key: key})
	}
	if st.failReason != "" {
		return results[:len(calls)]
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			call := calls[j.idx]
			results[j.idx] = r.dispatch(ctx, st, j.key, call)
		}(j)
	}
	wg.Wait()

	// Post-dispatch bookkeeping runs sequentially, in emission order.
	for _, j := range jobs {
		r.recordOutcome(st, j.key, calls[j.idx], results[j.idx])
	}
	return results
}

// executeCall runs one call through resolution, gates, and dispatch.
func (r *Runner) executeCall(ctx context.Context, st *runState, snapshot *tools.Snapshot, call *conversation.ToolUse) conversation.ToolResult {
	key, verdict := r.gateCall(ctx, st, snapshot, call)
	if verdict != nil {
		return *verdict
	}

	// Delegation is intercepted before dispatch.
	switch key {
	case tools.KeyDelegate:
		return r.runDelegate(ctx, st, call)
	case tools.KeyDelegateParallel:
		return r.runDelegateParallel(ctx, st, call)
	}

	if cached, ok := r.serveFromCache(st, key, call); ok {
		return cached
	}

	res := r.dispatch(ctx, st, key, call)
	r.recordOutcome(st, key, call, res)
	return res
}

// gateCall resolves the name and runs the detector, permission, ignore
// and approval gates. A non-nil verdict is the final tool result for
// this call; key is valid only when verdict is nil.
func (r *Runner) gateCall(ctx context.Context, st *runState, snapshot *tools.Snapshot, call *conversation.ToolUse) (string, *conversation.ToolResult) {
	r.emit(st, protocol.EventToolCall, map[string]any{"name": call.Name, "id": call.ID})

	// 1. Name resolution; unknown names get a corrective result.
	key, ok := snapshot.Resolve(call.Name)
	if !ok {
		// A discovery tool earlier in this step may have grown the
		// registry; re-resolve against a fresh snapshot before calling
		// the name hallucinated.
		fresh := r.registry.Snapshot()
		if freshKey, freshOK := fresh.Resolve(call.Name); freshOK {
			key, ok = freshKey, true
			snapshot = fresh
		}
	}
	if !ok && (call.Name == tools.Sanitize(tools.KeyDelegate) || call.Name == tools.KeyDelegate) {
		key, ok = tools.KeyDelegate, true
	}
	if !ok && (call.Name == tools.Sanitize(tools.KeyDelegateParallel) || call.Name == tools.KeyDelegateParallel) {
		key, ok = tools.KeyDelegateParallel, true
	}
	if !ok {
		if st.detector.RecordMisbehavior() {
			st.failReason = "model repeatedly called unknown tools"
		}
		suggestions := snapshot.Suggest(call.Name, 3)
		msg := fmt.Sprintf("Unknown tool %q.", call.Name)
		if len(suggestions) > 0 {
			msg += " Did you mean: " + strings.Join(suggestions, ", ") + "?"
		}
		return "", errResult(call.ID, msg)
	}

	// 2. Input-schema validation.
	if t, found := snapshot.Get(key); found {
		if err := t.ValidateInput(call.Input); err != nil {
			if st.detector.RecordMisbehavior() {
				st.failReason = "model repeatedly sent malformed tool arguments"
			}
			return "", errResult(call.ID, err.Error())
		}
	}

	// 3. Repetition detection.
	readOnly := tools.IsReadOnlyKey(key)
	if t, found := snapshot.Get(key); found {
		readOnly = t.ReadOnly()
	}
	switch verdict, reason := st.detector.Record(key, call.Input, readOnly); verdict {
	case detect.Warn:
		st.pendingNotices = append(st.pendingNotices,
			"[notice] Possible loop: "+reason+". Change your approach or finish the task.")
	case detect.Loop:
		st.failReason = "loop detected: " + reason
		return "", errResult(call.ID, "Loop detected: "+reason)
	}

	// 4. Agent permission (hard).
	if r.gate != nil {
		if err := r.gate.CheckPermission(key); err != nil {
			return "", errResult(call.ID, prefixPermissionDenied+err.Error())
		}
	}

	// 5. Ignorefile enforcement on path arguments.
	if path, ok := call.Input["path"].(string); ok && path != "" && st.actx.WorkDir != "" {
		blocked, err := ignore.Blocked(st.actx.WorkDir, path)
		if err != nil {
			slog.Warn("ignore check failed", "task", st.taskID, "path", path, "error", err)
		} else if blocked {
			return "", errResult(call.ID, prefixAccessBlocked+path+" is excluded by the project ignore file")
		}
	}

	// 6. User approval.
	if r.gate != nil {
		kind := tools.KindExecute
		if t, found := snapshot.Get(key); found {
			kind = t.Kind
		} else if readOnly {
			kind = tools.KindSafe
		}
		decision := r.gate.RequestApproval(ctx, st.taskID, key, kind, call.Input)
		if !decision.Approved {
			reason := decision.Reason
			if decision.Feedback != "" {
				reason = decision.Feedback
			}
			if reason == "" {
				reason = "the user denied this call"
			}
			return "", errResult(call.ID, "Approval denied: "+reason)
		}
	}

	return key, nil
}

// serveFromCache answers repeated file reads from the registry when the
// file has not changed on disk since the cached read.
func (r *Runner) serveFromCache(st *runState, key string, call *conversation.ToolUse) (conversation.ToolResult, bool) {
	if key != tools.KeyFileRead {
		return conversation.ToolResult{}, false
	}
	path, _ := call.Input["path"].(string)
	if path == "" {
		return conversation.ToolResult{}, false
	}
	content, ok := st.files.Get(path)
	if !ok || st.tracker.ModifiedExternally(path) {
		return conversation.ToolResult{}, false
	}
	st.tracker.RecordRead(path, st.step)
	return conversation.ToolResult{ID: call.ID, Content: content}, true
}

// dispatch hands the call to the external dispatcher. A dispatcher
// error is a tool failure, not a task failure.
func (r *Runner) dispatch(ctx context.Context, st *runState, key string, call *conversation.ToolUse) conversation.ToolResult {
	callCtx, span := r.tracer.Start(ctx, "tool.dispatch", trace.WithAttributes(
		attribute.String("task.id", st.taskID),
		attribute.String("tool.key", key),
	))
	defer span.End()

	slog.Debug("dispatching tool", "task", st.taskID, "tool", key, "args_len", len(marshalArgs(call.Input)))
	res, err := r.dispatcher.Dispatch(callCtx, key, call.Input)
	if err != nil {
		span.RecordError(err)
		return conversation.ToolResult{ID: call.ID, Content: "tool failed: " + err.Error(), IsError: true}
	}
	span.SetAttributes(attribute.Bool("tool.success", res.Success))
	return conversation.ToolResult{ID: call.ID, Content: res.Content, IsError: !res.Success}
}

// recordOutcome appends the call to the task history, counts successes,
// updates the file registry/tracker, and emits the result event.
func (r *Runner) recordOutcome(st *runState, key string, call *conversation.ToolUse, res conversation.ToolResult) {
	st.records = append(st.records, ToolCallRecord{
		ToolKey: key,
		Success: !res.IsError,
		Content: res.Content,
		Step:    st.step,
	})
	if !res.IsError {
		st.toolSuccess++
	}

	path, _ := call.Input["path"].(string)
	if path != "" && !res.IsError {
		switch key {
		case tools.KeyFileRead:
			st.files.Put(path, res.Content, st.step)
			st.tracker.RecordRead(path, st.step)
		case tools.KeyFileWrite, tools.KeyFileEdit, tools.KeyApplyPatch:
			st.tracker.RecordEdit(path, st.step)
			// Cache follows the write so the next read is served
			// without a round-trip; the dispatcher re-reads post-write
			// and returns the fresh content.
			st.files.Put(path, res.Content, st.step)
			st.tracker.RecordRead(path, st.step)
		}
	}

	r.emit(st, protocol.EventToolResult, map[string]any{
		"name": key, "id": call.ID, "is_error": res.IsError,
	})
}

// --- delegation ---

func (r *Runner) runDelegate(ctx context.Context, st *runState, call *conversation.ToolUse) conversation.ToolResult {
	if r.controller == nil {
		return *errResult(call.ID, "delegation is not available")
	}
	agentType, _ := call.Input["agent_type"].(string)
	task, _ := call.Input["task"].(string)
	if agentType == "" || task == "" {
		return *errResult(call.ID, "delegate requires agent_type and task")
	}

	r.emit(st, protocol.EventDelegationStarted, map[string]string{"target": agentType})
	start := time.Now()
	res, err := r.controller.Delegate(ctx, st.actx, uuid.NewString(), delegate.SubTask{AgentType: agentType, Task: task})
	if err != nil {
		return *errResult(call.ID, "delegation refused: "+err.Error())
	}
	st.tokensIn += res.TokensIn
	st.tokensOut += res.TokensOut
	r.emit(st, protocol.EventDelegationCompleted, map[string]any{
		"target": agentType, "status": res.Status, "elapsed": time.Since(start).String(),
	})

	r.recordDelegation(st, tools.KeyDelegate, res.Status)
	return conversation.ToolResult{ID: call.ID, Content: delegate.Aggregate([]*delegate.SubResult{res})}
}

func (r *Runner) runDelegateParallel(ctx context.Context, st *runState, call *conversation.ToolUse) conversation.ToolResult {
	if r.controller == nil {
		return *errResult(call.ID, "delegation is not available")
	}
	rawTasks, _ := call.Input["tasks"].([]any)
	var subTasks []delegate.SubTask
	for _, raw := range rawTasks {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		agentType, _ := m["agent_type"].(string)
		task, _ := m["task"].(string)
		if agentType != "" && task != "" {
			subTasks = append(subTasks, delegate.SubTask{AgentType: agentType, Task: task})
		}
	}
	if len(subTasks) == 0 {
		return *errResult(call.ID, "delegate_parallel requires a non-empty tasks array")
	}

	ids := make([]string, len(subTasks))
	for i := range ids {
		ids[i] = uuid.NewString()
	}

	r.emit(st, protocol.EventDelegationStarted, map[string]any{"count": len(subTasks)})
	results, err := r.controller.DelegateParallel(ctx, st.actx, ids, subTasks)
	if err != nil && results == nil {
		return *errResult(call.ID, "delegation refused: "+err.Error())
	}

	aggregated := delegate.Aggregate(results)
	if err != nil {
		// All rejected: the aggregate already names each refusal.
		return conversation.ToolResult{ID: call.ID, Content: aggregated, IsError: true}
	}
	in, out := delegate.TotalTokens(results)
	st.tokensIn += in
	st.tokensOut += out
	r.emit(st, protocol.EventDelegationCompleted, map[string]any{"count": len(subTasks)})

	anyOK := false
	for _, res := range results {
		if res != nil && res.Status != "rejected" && res.Status != "failed" {
			anyOK = true
		}
	}
	status := "failed"
	if anyOK {
		status = "success"
	}
	r.recordDelegation(st, tools.KeyDelegateParallel, status)
	return conversation.ToolResult{ID: call.ID, Content: aggregated}
}

func (r *Runner) recordDelegation(st *runState, key, status string) {
	success := status == "success" || status == "partial"
	st.records = append(st.records, ToolCallRecord{
		ToolKey: key,
		Success: success,
		Content: "delegation " + status,
		Step:    st.step,
	})
	if success {
		st.toolSuccess++
	}
}

func errResult(id, msg string) *conversation.ToolResult {
	return &conversation.ToolResult{ID: id, Content: msg, IsError: true}
}

// marshalArgs renders arguments for logging.
func marshalArgs(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
