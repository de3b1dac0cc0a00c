package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zedster07/brainwave2/internal/approval"
	"github.com/Zedster07/brainwave2/internal/bus"
	"github.com/Zedster07/brainwave2/internal/config"
	"github.com/Zedster07/brainwave2/internal/delegate"
	"github.com/Zedster07/brainwave2/internal/dispatch"
	"github.com/Zedster07/brainwave2/internal/providers"
	"github.com/Zedster07/brainwave2/internal/runner"
	"github.com/Zedster07/brainwave2/internal/store"
	"github.com/Zedster07/brainwave2/internal/tools"
	"github.com/Zedster07/brainwave2/internal/tracing"
	"github.com/Zedster07/brainwave2/pkg/protocol"
)

func runCmd() *cobra.Command {
	var (
		replayScript string
		workDir      string
		agentType    string
	)

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Execute a task through the agent loop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if agentType != "" {
				cfg.Agent.AgentType = agentType
			}
			if workDir == "" {
				workDir, _ = os.Getwd()
			}
			return executeTask(cmd.Context(), cfg, replayScript, workDir, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVar(&replayScript, "replay", "", "replay script file with canned model responses")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for tool access (default: cwd)")
	cmd.Flags().StringVar(&agentType, "agent", "", "agent type (default from config)")
	return cmd
}

func executeTask(ctx context.Context, cfg *config.Config, replayScript, workDir, task string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.Init(ctx, "brainwave", Version, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.Warn("trace shutdown failed", "error", err)
		}
	}()

	if replayScript == "" {
		return fmt.Errorf("no model provider configured: pass --replay with a script file (provider plugins connect through the shell, not this CLI)")
	}
	provider, err := providers.LoadReplay(replayScript)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	local := dispatch.NewLocal(workDir, cfg.Diff.SimilarityThreshold)
	if err := local.Register(registry); err != nil {
		return err
	}

	events := bus.New()
	events.Subscribe("cli", func(ev bus.Event) {
		switch ev.Type {
		case protocol.EventStreamChunk, protocol.EventActing:
			if payload, ok := ev.Payload.(map[string]string); ok {
				fmt.Print(payload["text"])
			}
		case protocol.EventToolCall:
			slog.Debug("tool call", "payload", ev.Payload)
		}
	})

	broker := approval.NewBroker(func(req approval.Request) {
		// The CLI has no interactive approver; surface the request so
		// the operator understands why autonomous mode is required.
		slog.Warn("approval requested but no approver is attached",
			"tool", req.ToolKey, "id", req.ID)
	})
	approvalOpts := approval.Options{
		Mode:               approval.Mode(cfg.Approval.Mode),
		AutoApproveReads:   cfg.Approval.AutoApproveReads,
		AutoApproveWrites:  cfg.Approval.AutoApproveWrites,
		AutoApproveExecute: cfg.Approval.AutoApproveExecute,
		AutoApproveMCP:     cfg.Approval.AutoApproveMCP,
	}

	runnerOpts := runner.Options{
		Model:             cfg.Agent.Model,
		Timeout:           cfg.Agent.Timeout(),
		MaxTokens:         cfg.Agent.MaxTokens,
		ProactiveRatio:    cfg.Budget.ProactiveRatio,
		ResultTruncateCap: cfg.Budget.ResultTruncateCap,
		FileTokenCap:      cfg.Budget.FileTokenCap,
		DiffThreshold:     cfg.Diff.SimilarityThreshold,
		ModelCallsPerMin:  cfg.Agent.ModelCallsPerMin,
	}

	// Each agent type gets its own runner (its gate differs); sub-tasks
	// run a child loop through the controller, which enforces the
	// capability graph and depth cap.
	var makeRunner func(agentType string) *runner.Runner
	controller := delegate.NewController(cfg.Agent.MaxDelegationDepth,
		func(ctx context.Context, child *delegate.AgentContext, task string) (*delegate.SubResult, error) {
			res := makeRunner(child.AgentType).Run(ctx, child, task)
			return &delegate.SubResult{
				Agent:     child.AgentType,
				Status:    string(res.Outcome),
				Result:    res.Completion,
				TokensIn:  res.TokensIn,
				TokensOut: res.TokensOut,
			}, nil
		})
	makeRunner = func(agentType string) *runner.Runner {
		return runner.New(runner.Config{
			Provider:   provider,
			Dispatcher: local,
			Registry:   registry,
			Gate:       approval.NewGate(agentType, approvalOpts, broker),
			Controller: controller,
			Events:     events,
			Options:    runnerOpts,
		})
	}
	run := makeRunner(cfg.Agent.AgentType)

	actx := &delegate.AgentContext{
		AgentType: cfg.Agent.AgentType,
		WorkDir:   workDir,
	}

	started := time.Now().UTC()
	res := run.Run(ctx, actx, task)
	finished := time.Now().UTC()

	fmt.Printf("\n--- outcome: %s (%d steps, %d in / %d out tokens) ---\n",
		res.Outcome, res.Steps, res.TokensIn, res.TokensOut)
	if res.Completion != "" {
		fmt.Println(res.Completion)
	}

	if cfg.Store.Path != "" {
		if err := persistRun(ctx, cfg.Store.Path, cfg.Agent.AgentType, task, res, started, finished); err != nil {
			slog.Warn("run persistence failed", "error", err)
		}
	}

	if res.Outcome == runner.OutcomeFailed {
		return fmt.Errorf("task failed: %s", res.Completion)
	}
	return nil
}

func persistRun(ctx context.Context, path, agentType, task string, res *runner.Result, started, finished time.Time) error {
	st, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	defer st.Close()

	calls := make([]store.ToolCall, len(res.Records))
	for i, rec := range res.Records {
		calls[i] = store.ToolCall{
			RunID:   res.TaskID,
			Seq:     i,
			ToolKey: rec.ToolKey,
			Success: rec.Success,
			Content: rec.Content,
			Step:    rec.Step,
		}
	}
	return st.SaveRun(ctx, store.Run{
		ID:         res.TaskID,
		AgentType:  agentType,
		Task:       task,
		Outcome:    string(res.Outcome),
		Completion: res.Completion,
		Steps:      res.Steps,
		TokensIn:   res.TokensIn,
		TokensOut:  res.TokensOut,
		StartedAt:  started,
		FinishedAt: finished,
	}, calls)
}
