package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/Zedster07/brainwave2/internal/conversation"
)

// Replay is a scripted Provider that returns canned responses in order.
// It backs offline smoke runs and tests; real model traffic goes
// through a provider plugin outside this repository.
type Replay struct {
	mu        sync.Mutex
	responses []CompleteResponse
	next      int
	window    int
}

// NewReplay creates a replay provider over the given responses.
func NewReplay(responses []CompleteResponse) *Replay {
	return &Replay{responses: responses, window: 200000}
}

// LoadReplay reads a replay script: a JSON array of CompleteResponse.
func LoadReplay(path string) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay script: %w", err)
	}
	var responses []CompleteResponse
	if err := json.Unmarshal(data, &responses); err != nil {
		return nil, fmt.Errorf("parse replay script: %w", err)
	}
	return NewReplay(responses), nil
}

func (r *Replay) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.responses) {
		return nil, fmt.Errorf("replay script exhausted after %d responses", len(r.responses))
	}
	resp := r.responses[r.next]
	r.next++
	if resp.TokensIn == 0 {
		resp.TokensIn = estimateRequest(req)
	}
	return &resp, nil
}

func (r *Replay) SupportsThinking() bool { return false }
func (r *Replay) ContextWindow() int     { return r.window }
func (r *Replay) Name() string           { return "replay" }

func estimateRequest(req CompleteRequest) int {
	total := len(req.System) / 3
	for _, m := range req.Messages {
		for _, b := range m.Blocks {
			switch b.Type {
			case conversation.BlockText:
				total += len(b.Text) / 3
			case conversation.BlockToolResult:
				if b.ToolResult != nil {
					total += len(b.ToolResult.Content) / 3
				}
			}
		}
	}
	return total
}
