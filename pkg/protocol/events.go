// Package protocol defines the event names the runtime emits. Shells
// and loggers subscribe to these; the names are part of the public
// surface and must stay stable.
package protocol

// Run lifecycle events.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunRetrying  = "run.retrying"
)

// In-run events.
const (
	EventThinking    = "thinking"
	EventActing      = "acting"
	EventStreamChunk = "stream.chunk"
	EventToolCall    = "tool.call"
	EventToolResult  = "tool.result"
	EventError       = "error"
)

// Approval events.
const (
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
)

// Delegation events.
const (
	EventDelegationStarted   = "delegation.started"
	EventDelegationCompleted = "delegation.completed"
)
