// Package approval implements the two gates in front of every tool
// call: the hard-coded per-agent permission check and the configurable
// user-approval flow. Approval requests go out on an event channel and
// block the runner until a correlated response arrives or the wait
// times out.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zedster07/brainwave2/internal/tools"
)

// Mode selects how much the user is asked.
type Mode string

const (
	// ModeAutonomous never asks.
	ModeAutonomous Mode = "autonomous"
	// ModeAutoApproveReads asks for writes, execute and dangerous.
	ModeAutoApproveReads Mode = "auto-approve-reads"
	// ModeApproveAll asks for everything not explicitly auto-approved.
	ModeApproveAll Mode = "approve-all"
)

// DefaultTimeout is how long an approval request waits before it is
// auto-rejected.
const DefaultTimeout = 5 * time.Minute

// agentAllowLists is the hard-coded permission table: which tool keys
// each agent type may call. A missing agent type allows everything
// (the default "coder" profile is the unrestricted root agent).
var agentAllowLists = map[string][]string{
	"researcher": {
		tools.KeyFileRead, tools.KeyDirectoryList, tools.KeySearchFiles,
		tools.KeyWebFetch, tools.KeyDelegate, tools.KeyAttemptCompletion,
	},
	"reviewer": {
		tools.KeyFileRead, tools.KeyDirectoryList, tools.KeySearchFiles,
		tools.KeyAttemptCompletion,
	},
	"tester": {
		tools.KeyFileRead, tools.KeyDirectoryList, tools.KeySearchFiles,
		tools.KeyExecuteCommand, tools.KeyAttemptCompletion,
	},
}

// Request is published on the approval channel when a call needs user
// confirmation.
type Request struct {
	ID       string         `json:"id"`
	TaskID   string         `json:"task_id"`
	ToolKey  string         `json:"tool_key"`
	Kind     tools.Kind     `json:"kind"`
	Args     map[string]any `json:"args"`
	IssuedAt time.Time      `json:"issued_at"`
}

// Response resolves a pending Request, matched by ID.
type Response struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Options configure the gate.
type Options struct {
	Mode Mode
	// Per-category auto-approve flags, honored in approve-all mode.
	AutoApproveReads   bool
	AutoApproveWrites  bool
	AutoApproveExecute bool
	AutoApproveMCP     bool
	Timeout            time.Duration
}

// Broker routes approval requests to the UI and responses back. The
// publish callback must not block; responses arrive via Resolve from
// whatever transport the shell uses.
type Broker struct {
	publish func(Request)

	mu      sync.Mutex
	pending map[string]chan Response
}

// NewBroker creates a broker publishing requests through publish.
func NewBroker(publish func(Request)) *Broker {
	return &Broker{publish: publish, pending: make(map[string]chan Response)}
}

// Resolve delivers a response for a pending request. Unknown or
// already-resolved IDs are dropped.
func (b *Broker) Resolve(resp Response) {
	b.mu.Lock()
	ch, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// await publishes req and blocks until a matching response, timeout, or
// context cancellation.
func (b *Broker) await(ctx context.Context, req Request, timeout time.Duration) Response {
	ch := make(chan Response, 1)
	b.mu.Lock()
	b.pending[req.ID] = ch
	b.mu.Unlock()

	if b.publish != nil {
		b.publish(req)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp
	case <-timer.C:
		b.drop(req.ID)
		return Response{ID: req.ID, Approved: false, Reason: "approval timed out"}
	case <-ctx.Done():
		b.drop(req.ID)
		return Response{ID: req.ID, Approved: false, Reason: "task cancelled"}
	}
}

func (b *Broker) drop(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Gate runs the permission and approval checks for one agent type.
type Gate struct {
	agentType string
	opts      Options
	broker    *Broker
}

// NewGate creates a gate. broker may be nil only in autonomous mode.
func NewGate(agentType string, opts Options, broker *Broker) *Gate {
	if opts.Mode == "" {
		opts.Mode = ModeAutoApproveReads
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Gate{agentType: agentType, opts: opts, broker: broker}
}

// CheckPermission is the hard agent-type allow-list. Violations are
// final: no approval dialog is offered.
func (g *Gate) CheckPermission(toolKey string) error {
	allowed, restricted := agentAllowLists[g.agentType]
	if !restricted {
		return nil
	}
	for _, key := range allowed {
		if key == toolKey {
			return nil
		}
	}
	return fmt.Errorf("agent type %q is not permitted to call %s", g.agentType, toolKey)
}

// Decision is the approval outcome for one call.
type Decision struct {
	Approved bool
	Feedback string
	Reason   string
	Asked    bool
}

// RequestApproval decides whether the call may proceed, prompting the
// user when the mode requires it.
func (g *Gate) RequestApproval(ctx context.Context, taskID, toolKey string, kind tools.Kind, args map[string]any) Decision {
	if !g.needsPrompt(toolKey, kind) {
		return Decision{Approved: true}
	}
	if g.broker == nil {
		return Decision{Approved: false, Reason: "approval required but no approval channel configured"}
	}

	req := Request{
		ID:       uuid.NewString(),
		TaskID:   taskID,
		ToolKey:  toolKey,
		Kind:     kind,
		Args:     args,
		IssuedAt: time.Now().UTC(),
	}
	resp := g.broker.await(ctx, req, g.opts.Timeout)
	return Decision{
		Approved: resp.Approved,
		Feedback: resp.Feedback,
		Reason:   resp.Reason,
		Asked:    true,
	}
}

func (g *Gate) needsPrompt(toolKey string, kind tools.Kind) bool {
	if g.opts.Mode == ModeAutonomous {
		return false
	}

	// Dangerous tools prompt in every non-autonomous mode.
	if kind == tools.KindDangerous {
		return true
	}

	isMCP := !isLocalKey(toolKey)

	switch g.opts.Mode {
	case ModeAutoApproveReads:
		if kind == tools.KindSafe {
			return false
		}
		return !g.autoApproved(kind, isMCP)
	case ModeApproveAll:
		return !g.autoApproved(kind, isMCP)
	}
	return true
}

func (g *Gate) autoApproved(kind tools.Kind, isMCP bool) bool {
	if isMCP && g.opts.AutoApproveMCP {
		return true
	}
	switch kind {
	case tools.KindSafe:
		return g.opts.AutoApproveReads
	case tools.KindWrite:
		return g.opts.AutoApproveWrites
	case tools.KindExecute:
		return g.opts.AutoApproveExecute
	}
	return false
}

func isLocalKey(key string) bool {
	const prefix = "local::"
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}
