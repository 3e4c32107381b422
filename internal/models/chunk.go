package models

import "encoding/json"

// ChunkKind identifies which payload a Chunk carries.
type ChunkKind uint8

const (
	// ChunkMeta carries no payload, only session or error metadata.
	ChunkMeta ChunkKind = iota
	ChunkContent
	ChunkToolName
	ChunkToolArgs
	ChunkToolResult
	ChunkRawMessages
	ChunkFinishReason
	ChunkSleep
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkMeta:
		return "meta"
	case ChunkContent:
		return "content"
	case ChunkToolName:
		return "tool_name"
	case ChunkToolArgs:
		return "tool_args"
	case ChunkToolResult:
		return "tool_result"
	case ChunkRawMessages:
		return "new_raw_llm_messages"
	case ChunkFinishReason:
		return "finish_reason"
	case ChunkSleep:
		return "sleep_seconds"
	default:
		return "unknown"
	}
}

// FinishLength is the finish reason reported when output was truncated.
const FinishLength = "length"

// Chunk is one decoded unit of a streamed response. Only the fields that
// belong to Kind are meaningful; SessionID and Error may accompany any kind.
type Chunk struct {
	Kind ChunkKind

	Content      string
	ToolName     string
	ToolCallID   string
	ToolArgs     string
	ToolResult   string
	Messages     []WireMessage
	FinishReason string
	SleepSeconds float64

	SessionID string
	Error     json.RawMessage
}

// HasError reports whether the chunk carries a non-null error payload.
func (c Chunk) HasError() bool {
	return len(c.Error) > 0 && string(c.Error) != "null"
}

// Snapshot is a diagnostic view of the most recent stream fragments.
type Snapshot struct {
	Content    string `json:"content,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
}

// TokenInfo is the token-accounting report for a wire log.
type TokenInfo struct {
	MaxTokens       int    `json:"max_tokens"`
	UsedTokens      int    `json:"used_tokens"`
	RemainingTokens int    `json:"remaining_tokens"`
	Model           string `json:"model"`
	Error           string `json:"error,omitempty"`
}
