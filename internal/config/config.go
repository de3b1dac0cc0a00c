// Package config holds the runtime configuration: approval behavior,
// delegation limits, budget thresholds, and model selection. Files are
// JSON5 so hand-edited configs may carry comments and trailing commas.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Approval ApprovalConfig `json:"approval"`
	Budget   BudgetConfig   `json:"budget"`
	Diff     DiffConfig     `json:"diff"`
	Store    StoreConfig    `json:"store,omitempty"`
	Tracing  TracingConfig  `json:"tracing,omitempty"`
}

// AgentConfig configures task execution.
type AgentConfig struct {
	Model              string `json:"model"`
	AgentType          string `json:"agent_type"`
	MaxDelegationDepth int    `json:"max_delegation_depth"`
	TimeoutMs          int    `json:"timeout_ms"`
	MaxTokens          int    `json:"max_tokens"`
	ModelCallsPerMin   int    `json:"model_calls_per_min,omitempty"`
}

// Timeout returns the per-agent timeout as a duration.
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// ApprovalConfig configures the user-approval gate.
type ApprovalConfig struct {
	Mode               string `json:"mode"` // autonomous | auto-approve-reads | approve-all
	AutoApproveReads   bool   `json:"auto_approve_reads"`
	AutoApproveWrites  bool   `json:"auto_approve_writes"`
	AutoApproveExecute bool   `json:"auto_approve_execute"`
	AutoApproveMCP     bool   `json:"auto_approve_mcp"`
}

// BudgetConfig configures context-window management.
type BudgetConfig struct {
	ProactiveRatio    float64 `json:"proactive_ratio"`
	ResultTruncateCap int     `json:"result_truncate_cap"` // bytes
	FileTokenCap      int     `json:"file_token_cap"`
}

// DiffConfig configures the file-edit diff engine.
type DiffConfig struct {
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	Path string `json:"path"` // sqlite file; empty disables persistence
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Endpoint    string  `json:"endpoint,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			AgentType:          "coder",
			MaxDelegationDepth: 2,
			TimeoutMs:          300000,
			MaxTokens:          8192,
		},
		Approval: ApprovalConfig{
			Mode: "auto-approve-reads",
		},
		Budget: BudgetConfig{
			ProactiveRatio:    0.60,
			ResultTruncateCap: 200000,
			FileTokenCap:      4000,
		},
		Diff: DiffConfig{
			SimilarityThreshold: 0.85,
		},
	}
}

// Validate clamps out-of-range values and rejects unusable ones.
func (c *Config) Validate() error {
	switch c.Approval.Mode {
	case "autonomous", "auto-approve-reads", "approve-all":
	case "":
		c.Approval.Mode = "auto-approve-reads"
	default:
		return fmt.Errorf("approval.mode must be autonomous, auto-approve-reads or approve-all, got %q", c.Approval.Mode)
	}

	if c.Agent.MaxDelegationDepth < 1 {
		c.Agent.MaxDelegationDepth = 1
	}
	if c.Agent.MaxDelegationDepth > 5 {
		c.Agent.MaxDelegationDepth = 5
	}
	if c.Agent.TimeoutMs <= 0 {
		c.Agent.TimeoutMs = 300000
	}

	if c.Budget.ProactiveRatio <= 0 || c.Budget.ProactiveRatio >= 1 {
		c.Budget.ProactiveRatio = 0.60
	}
	if c.Budget.ResultTruncateCap <= 0 {
		c.Budget.ResultTruncateCap = 200000
	}

	if c.Diff.SimilarityThreshold <= 0 || c.Diff.SimilarityThreshold > 1 {
		c.Diff.SimilarityThreshold = 0.85
	}
	return nil
}
