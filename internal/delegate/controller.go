// Package delegate validates and executes agent-to-agent sub-task
// spawning: a static capability graph, a depth cap, and serial or
// parallel fan-out with aggregated results.
package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Limits on delegation.
const (
	DefaultMaxDepth  = 2
	MinDepth         = 1
	MaxDepth         = 5
	MaxParallelTasks = 5
)

// graph enumerates, per agent type, the agent types it may delegate to.
// Absent entries cannot delegate at all.
var graph = map[string][]string{
	"coder":      {"researcher", "reviewer", "tester"},
	"researcher": {"researcher"},
	"planner":    {"coder", "researcher", "reviewer", "tester"},
}

// Blackboard records sub-task results for the parent, keyed by agent
// type. Provided by the shell; may be nil.
type Blackboard interface {
	Write(agent, key, value string)
}

// AgentContext is the per-task value threaded through the runner and
// into delegated children. Read-mostly: the cancellation comes from ctx,
// the blackboard is the only shared mutable collaborator.
type AgentContext struct {
	TaskID         string
	AgentType      string
	ParentTask     string
	SiblingResults map[string]string
	WorkDir        string
	Mode           string
	Depth          int

	Blackboard Blackboard
}

// Child derives the context a sub-task runs with.
func (a *AgentContext) Child(taskID, agentType, task string) *AgentContext {
	return &AgentContext{
		TaskID:     taskID,
		AgentType:  agentType,
		ParentTask: task,
		WorkDir:    a.WorkDir,
		Mode:       a.Mode,
		Depth:      a.Depth + 1,
		Blackboard: a.Blackboard,
	}
}

// SubTask is one requested delegation.
type SubTask struct {
	AgentType string `json:"agent_type"`
	Task      string `json:"task"`
}

// SubResult is a completed (or refused) sub-task.
type SubResult struct {
	Agent     string `json:"agent"`
	Status    string `json:"status"` // "success", "partial", "failed", "rejected"
	Result    string `json:"result"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
}

// RunFunc executes one validated sub-task to completion. Injected by
// the shell to avoid a controller→runner cycle.
type RunFunc func(ctx context.Context, child *AgentContext, task string) (*SubResult, error)

// Controller validates and runs delegations.
type Controller struct {
	maxDepth int
	run      RunFunc
}

// NewController creates a controller with the given depth cap. A cap
// above MaxDepth is clamped to MaxDepth; a cap below MinDepth falls back
// to DefaultMaxDepth.
func NewController(maxDepth int, run RunFunc) *Controller {
	if maxDepth < MinDepth {
		maxDepth = DefaultMaxDepth
	}
	if maxDepth > MaxDepth {
		maxDepth = MaxDepth
	}
	return &Controller{maxDepth: maxDepth, run: run}
}

// Validate checks whether parent may spawn target at the given depth.
func (c *Controller) Validate(parent *AgentContext, target string) error {
	if parent.Depth >= c.maxDepth {
		return fmt.Errorf("delegation depth exceeded: already at depth %d of %d", parent.Depth, c.maxDepth)
	}
	if target == parent.AgentType {
		return fmt.Errorf("agent %q cannot delegate to itself", target)
	}
	allowed := graph[parent.AgentType]
	for _, t := range allowed {
		if t == target {
			return nil
		}
	}
	return fmt.Errorf("agent %q may not delegate to %q", parent.AgentType, target)
}

// Delegate runs one sub-task serially, blocking the parent loop.
func (c *Controller) Delegate(ctx context.Context, parent *AgentContext, taskID string, st SubTask) (*SubResult, error) {
	if err := c.Validate(parent, st.AgentType); err != nil {
		return nil, err
	}
	child := parent.Child(taskID, st.AgentType, st.Task)
	res, err := c.run(ctx, child, st.Task)
	if err != nil {
		return nil, err
	}
	c.record(parent, res)
	return res, nil
}

// DelegateParallel validates each sub-task individually and runs the
// accepted ones concurrently (at most MaxParallelTasks). Rejected tasks
// are reported in the aggregate but do not fail the fan-out as long as
// at least one was accepted.
func (c *Controller) DelegateParallel(ctx context.Context, parent *AgentContext, taskIDs []string, tasks []SubTask) ([]*SubResult, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no sub-tasks given")
	}
	if len(tasks) > MaxParallelTasks {
		return nil, fmt.Errorf("at most %d parallel sub-tasks are allowed, got %d", MaxParallelTasks, len(tasks))
	}

	results := make([]*SubResult, len(tasks))
	accepted := 0
	var wg sync.WaitGroup

	for i, st := range tasks {
		if err := c.Validate(parent, st.AgentType); err != nil {
			results[i] = &SubResult{Agent: st.AgentType, Status: "rejected", Result: err.Error()}
			slog.Warn("delegation rejected", "parent", parent.AgentType, "target", st.AgentType, "error", err)
			continue
		}
		accepted++
		wg.Add(1)
		go func(idx int, st SubTask) {
			defer wg.Done()
			child := parent.Child(taskIDs[idx], st.AgentType, st.Task)
			res, err := c.run(ctx, child, st.Task)
			if err != nil {
				res = &SubResult{Agent: st.AgentType, Status: "failed", Result: err.Error()}
			}
			results[idx] = res
		}(i, st)
	}
	wg.Wait()

	if accepted == 0 {
		return results, fmt.Errorf("all %d sub-tasks were rejected", len(tasks))
	}
	for _, r := range results {
		if r != nil && r.Status != "rejected" {
			c.record(parent, r)
		}
	}
	return results, nil
}

// record propagates a sub-result to the parent's sibling map and the
// shared blackboard.
func (c *Controller) record(parent *AgentContext, res *SubResult) {
	if parent.SiblingResults == nil {
		parent.SiblingResults = make(map[string]string)
	}
	parent.SiblingResults[res.Agent] = res.Result
	if parent.Blackboard != nil {
		parent.Blackboard.Write(res.Agent, parent.TaskID, res.Result)
	}
}

// Aggregate renders sub-results as the single tool result returned to
// the parent model.
func Aggregate(results []*SubResult) string {
	var sb strings.Builder
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Fprintf(&sb, "[agent: %s | status: %s]\n%s\n\n", r.Agent, r.Status, r.Result)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// TotalTokens sums token usage across sub-results for upward
// propagation.
func TotalTokens(results []*SubResult) (in, out int) {
	for _, r := range results {
		if r == nil {
			continue
		}
		in += r.TokensIn
		out += r.TokensOut
	}
	return in, out
}
