package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndReadRun(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	started := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	run := Run{
		ID: "run-1", AgentType: "coder", Task: "read the readme",
		Outcome: "success", Completion: "done", Steps: 2,
		TokensIn: 250, TokensOut: 50,
		StartedAt: started, FinishedAt: started.Add(3 * time.Second),
	}
	calls := []ToolCall{
		{RunID: "run-1", Seq: 0, ToolKey: "local::file_read", Success: true, Content: "# Readme", Step: 1},
	}
	if err := s.SaveRun(ctx, run, calls); err != nil {
		t.Fatal(err)
	}

	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %+v", runs)
	}
	got := runs[0]
	if got.ID != "run-1" || got.Outcome != "success" || got.TokensIn != 250 {
		t.Errorf("run = %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started = %v, want %v", got.StartedAt, started)
	}

	gotCalls, err := s.CallsForRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(gotCalls) != 1 || gotCalls[0].ToolKey != "local::file_read" || !gotCalls[0].Success {
		t.Errorf("calls = %+v", gotCalls)
	}
}

func TestRecentRunsOrder(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	base := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		run := Run{
			ID: id, AgentType: "coder", Task: id, Outcome: "success",
			StartedAt: base.Add(time.Duration(i) * time.Minute), FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}
		if err := s.SaveRun(ctx, run, nil); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "new" || runs[1].ID != "mid" {
		t.Errorf("order = %+v", runs)
	}
}
