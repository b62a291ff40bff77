// Package conversation stores per-conversation turn histories.
//
// A history is an ordered list of role-tagged turns whose first entry is
// always the system turn. Its serialized size is bounded: when it grows past
// the limit the oldest non-system turns are evicted one at a time.
package conversation

import (
	"encoding/json"
	"fmt"
)

// Role tags a turn.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// DefaultMaxBytes bounds the serialized history (1.5 MiB).
const DefaultMaxBytes = 1_572_864

// Turn is one entry of a conversation.
type Turn struct {
	Role Role `json:"role"`

	// Content is the text of system, user and assistant turns, the output
	// of tool_result turns, and any text the model sent alongside a call.
	Content string `json:"content,omitempty"`

	// CallID links a tool_call turn to its tool_result.
	CallID string `json:"call_id,omitempty"`

	// Name is the tool name of a tool_call turn.
	Name string `json:"name,omitempty"`

	// Arguments are the JSON arguments of a tool_call turn.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// System returns a system turn.
func System(content string) Turn { return Turn{Role: RoleSystem, Content: content} }

// User returns a user turn.
func User(content string) Turn { return Turn{Role: RoleUser, Content: content} }

// Assistant returns an assistant turn.
func Assistant(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

// ToolCall returns a tool_call turn. Arguments that are not valid JSON are
// stored as a JSON string so the history always serializes.
func ToolCall(callID, name string, args json.RawMessage) Turn {
	if len(args) > 0 && !json.Valid(args) {
		args, _ = json.Marshal(string(args))
	}
	return Turn{Role: RoleToolCall, CallID: callID, Name: name, Arguments: args}
}

// ToolResult returns a tool_result turn.
func ToolResult(callID, output string) Turn {
	return Turn{Role: RoleToolResult, CallID: callID, Content: output}
}

// EnsureSystem returns history with a system turn at index 0, prepending
// one built from prompt when missing.
func EnsureSystem(history []Turn, prompt string) []Turn {
	if len(history) > 0 && history[0].Role == RoleSystem {
		return history
	}
	out := make([]Turn, 0, len(history)+1)
	out = append(out, System(prompt))
	return append(out, history...)
}

// Trim evicts turns from index 1 onward until the JSON encoding of history
// fits in maxBytes. The system turn is never evicted, so a history holding
// only an oversized system turn is returned as is.
func Trim(history []Turn, maxBytes int) ([]Turn, error) {
	if maxBytes <= 0 || len(history) == 0 {
		return history, nil
	}

	// The encoding of a slice is "[" + elements joined by "," + "]".
	sizes := make([]int, len(history))
	total := 2
	for i, t := range history {
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("measuring turn %d: %w", i, err)
		}
		sizes[i] = len(b)
		total += len(b)
		if i > 0 {
			total++
		}
	}

	evict := 0
	for total > maxBytes && 1+evict < len(history) {
		total -= sizes[1+evict] + 1
		evict++
	}
	if evict == 0 {
		return history, nil
	}

	out := make([]Turn, 0, len(history)-evict)
	out = append(out, history[0])
	return append(out, history[1+evict:]...), nil
}
