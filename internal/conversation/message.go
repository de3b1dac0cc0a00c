package conversation

import (
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ToolUse is a model-issued tool invocation. Only valid in assistant
// messages.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult is the observed outcome of a tool invocation, paired to a
// ToolUse by ID. Only valid in user messages.
type ToolResult struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Block is one typed content fragment within a message. Exactly one of
// the payload fields is populated, selected by Type.
type Block struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	// Thinking carries the provider's hidden-reasoning payload verbatim.
	// It is opaque: the runtime never rewrites or summarizes it, only
	// passes it back on subsequent requests.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// TextMessage builds a message holding a single text block.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks in emission order.
func (m Message) ToolUses() []*ToolUse {
	var uses []*ToolUse
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			uses = append(uses, b.ToolUse)
		}
	}
	return uses
}

// estimateText flattens a message to the text the token estimator sees.
// Tool inputs are rendered as key=value pairs; thinking payloads count
// in full since providers bill them on passback.
func estimateText(m Message) string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			sb.WriteString(b.Text)
		case BlockThinking:
			sb.WriteString(b.Thinking)
		case BlockToolUse:
			if b.ToolUse != nil {
				sb.WriteString(b.ToolUse.Name)
				for k, v := range b.ToolUse.Input {
					fmt.Fprintf(&sb, " %s=%v", k, v)
				}
			}
		case BlockToolResult:
			if b.ToolResult != nil {
				sb.WriteString(b.ToolResult.Content)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
