package delegate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func okRun(t *testing.T) RunFunc {
	t.Helper()
	return func(ctx context.Context, child *AgentContext, task string) (*SubResult, error) {
		return &SubResult{
			Agent:    child.AgentType,
			Status:   "success",
			Result:   "did: " + task,
			TokensIn: 100, TokensOut: 50,
		}, nil
	}
}

func parent(agentType string, depth int) *AgentContext {
	return &AgentContext{TaskID: "task-1", AgentType: agentType, Depth: depth}
}

func TestValidate(t *testing.T) {
	c := NewController(2, okRun(t))

	tests := []struct {
		name    string
		parent  *AgentContext
		target  string
		wantErr string
	}{
		{"allowed edge", parent("coder", 0), "researcher", ""},
		{"missing edge", parent("coder", 0), "planner", "may not delegate"},
		{"no edges at all", parent("reviewer", 0), "coder", "may not delegate"},
		{"self delegation", parent("coder", 0), "coder", "itself"},
		{"depth at cap", parent("coder", 2), "researcher", "depth exceeded"},
		{"depth over cap", parent("coder", 3), "researcher", "depth exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.parent, tt.target)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDepthClamping(t *testing.T) {
	c := NewController(99, okRun(t)) // clamped to 5
	if err := c.Validate(parent("coder", 4), "researcher"); err != nil {
		t.Errorf("depth 4 of clamped 5 should be allowed: %v", err)
	}
	if err := c.Validate(parent("coder", 5), "researcher"); err == nil {
		t.Error("depth 5 of clamped 5 must be refused")
	}

	c0 := NewController(0, okRun(t)) // invalid: falls back to default
	if err := c0.Validate(parent("coder", DefaultMaxDepth), "researcher"); err == nil {
		t.Error("default depth cap must apply")
	}
}

func TestDelegateSerial(t *testing.T) {
	c := NewController(2, okRun(t))
	p := parent("coder", 0)

	res, err := c.Delegate(context.Background(), p, "sub-1", SubTask{AgentType: "researcher", Task: "find docs"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "success" || res.Result != "did: find docs" {
		t.Errorf("result = %+v", res)
	}
	if p.SiblingResults["researcher"] != "did: find docs" {
		t.Error("sibling results not recorded on parent")
	}
}

func TestDelegateChildContext(t *testing.T) {
	var got *AgentContext
	run := func(ctx context.Context, child *AgentContext, task string) (*SubResult, error) {
		got = child
		return &SubResult{Agent: child.AgentType, Status: "success", Result: "ok"}, nil
	}
	c := NewController(3, run)
	p := parent("coder", 1)
	p.WorkDir = "/work"

	if _, err := c.Delegate(context.Background(), p, "sub-9", SubTask{AgentType: "tester", Task: "run tests"}); err != nil {
		t.Fatal(err)
	}
	if got.Depth != 2 {
		t.Errorf("child depth = %d, want 2", got.Depth)
	}
	if got.AgentType != "tester" || got.WorkDir != "/work" || got.TaskID != "sub-9" {
		t.Errorf("child context = %+v", got)
	}
}

func TestDelegateParallelPartialAcceptance(t *testing.T) {
	c := NewController(2, okRun(t))
	p := parent("coder", 0)

	tasks := []SubTask{
		{AgentType: "researcher", Task: "one"},
		{AgentType: "planner", Task: "two"}, // no edge coder→planner
		{AgentType: "tester", Task: "three"},
	}
	results, err := c.DelegateParallel(context.Background(), p, []string{"a", "b", "c"}, tasks)
	if err != nil {
		t.Fatalf("fan-out with one rejection must not fail: %v", err)
	}
	if results[1].Status != "rejected" {
		t.Errorf("planner task should be rejected, got %+v", results[1])
	}
	if results[0].Status != "success" || results[2].Status != "success" {
		t.Errorf("accepted tasks should succeed: %+v", results)
	}

	agg := Aggregate(results)
	if !strings.Contains(agg, "did: one") || !strings.Contains(agg, "did: three") {
		t.Error("aggregate missing successful results")
	}
	if !strings.Contains(agg, "rejected") {
		t.Error("aggregate must note the rejection")
	}

	in, out := TotalTokens(results)
	if in != 200 || out != 100 {
		t.Errorf("token totals = %d/%d, want 200/100", in, out)
	}
}

func TestDelegateParallelAllRejected(t *testing.T) {
	c := NewController(2, okRun(t))
	p := parent("reviewer", 0) // reviewer has no delegation edges

	_, err := c.DelegateParallel(context.Background(), p, []string{"a"}, []SubTask{{AgentType: "coder", Task: "x"}})
	if err == nil {
		t.Error("all-rejected fan-out must error")
	}
}

func TestDelegateParallelLimits(t *testing.T) {
	c := NewController(2, okRun(t))
	p := parent("coder", 0)

	var tasks []SubTask
	var ids []string
	for i := 0; i < MaxParallelTasks+1; i++ {
		tasks = append(tasks, SubTask{AgentType: "researcher", Task: fmt.Sprintf("t%d", i)})
		ids = append(ids, fmt.Sprintf("id%d", i))
	}
	if _, err := c.DelegateParallel(context.Background(), p, ids, tasks); err == nil {
		t.Errorf("more than %d sub-tasks must be refused", MaxParallelTasks)
	}
}

type memBlackboard struct {
	mu     sync.Mutex
	writes map[string]string
}

func (b *memBlackboard) Write(agent, key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes[agent+"/"+key] = value
}

func TestBlackboardPropagation(t *testing.T) {
	bb := &memBlackboard{writes: make(map[string]string)}
	c := NewController(2, okRun(t))
	p := parent("coder", 0)
	p.Blackboard = bb

	if _, err := c.Delegate(context.Background(), p, "s1", SubTask{AgentType: "researcher", Task: "x"}); err != nil {
		t.Fatal(err)
	}
	if bb.writes["researcher/task-1"] != "did: x" {
		t.Errorf("blackboard writes = %+v", bb.writes)
	}
}
