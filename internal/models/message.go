package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the typed parts of a structured message.
type PartType string

const (
	PartText       PartType = "text"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// Part is one element of a structured message body.
type Part struct {
	Type      PartType       `json:"type"`
	ID        string         `json:"id,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Text      string         `json:"text,omitempty"`
	Content   string         `json:"content,omitempty"`
}

// MarshalJSON always writes input on tool_use parts, so an empty argument
// object encodes as {} instead of disappearing.
func (p Part) MarshalJSON() ([]byte, error) {
	type plain Part
	if p.Type != PartToolUse {
		return json.Marshal(plain(p))
	}
	input := p.Input
	if input == nil {
		input = map[string]any{}
	}
	return json.Marshal(struct {
		plain
		Input map[string]any `json:"input"`
	}{plain(p), input})
}

// WireMessage is a conversation entry in the format exchanged with the model.
// Content is either Text or, when Parts is non-empty, the ordered parts.
// Messages decoded from the backend keep their original bytes and are
// re-encoded verbatim.
type WireMessage struct {
	Role  Role
	Text  string
	Parts []Part

	raw json.RawMessage
}

// NewTextMessage builds a plain string message.
func NewTextMessage(role Role, text string) WireMessage {
	return WireMessage{Role: role, Text: text}
}

// NewToolResultMessage builds the user-role entry that hands a tool result back to the model.
func NewToolResultMessage(toolUseID, content string) WireMessage {
	return WireMessage{
		Role: RoleUser,
		Parts: []Part{{
			Type:      PartToolResult,
			ToolUseID: toolUseID,
			Content:   content,
		}},
	}
}

// IsStructured reports whether the message carries typed parts.
func (m WireMessage) IsStructured() bool {
	return len(m.Parts) > 0
}

// MarshalJSON encodes the string-or-parts content union.
func (m WireMessage) MarshalJSON() ([]byte, error) {
	if len(m.raw) > 0 {
		return m.raw, nil
	}

	type alias struct {
		Role    Role `json:"role"`
		Content any  `json:"content"`
	}

	out := alias{Role: m.Role, Content: m.Text}
	if m.IsStructured() {
		out.Content = m.Parts
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the string-or-parts content union and validates the role.
func (m *WireMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode wire message: %w", err)
	}

	switch raw.Role {
	case RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("decode wire message: invalid role %q", raw.Role)
	}

	msg := WireMessage{Role: raw.Role}
	content := bytes.TrimSpace(raw.Content)
	switch {
	case len(content) == 0 || bytes.Equal(content, []byte("null")):
	case content[0] == '"':
		if err := json.Unmarshal(content, &msg.Text); err != nil {
			return fmt.Errorf("decode wire message text: %w", err)
		}
	case content[0] == '[':
		if err := json.Unmarshal(content, &msg.Parts); err != nil {
			return fmt.Errorf("decode wire message parts: %w", err)
		}
	default:
		return errors.New("decode wire message: content must be a string or an array of parts")
	}

	msg.raw = append(json.RawMessage(nil), data...)
	*m = msg
	return nil
}

// DecodeRawMessage wraps one provider message from a raw batch. The bytes
// are kept verbatim; role and content are filled in when they take a shape
// this package knows, and left empty otherwise. Only a non-object is an error.
func DecodeRawMessage(data json.RawMessage) (WireMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return WireMessage{}, errors.New("raw message must be a JSON object")
	}

	var msg WireMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		var head struct {
			Role Role `json:"role"`
		}
		_ = json.Unmarshal(trimmed, &head)
		msg = WireMessage{Role: head.Role}
	}
	msg.raw = append(json.RawMessage(nil), trimmed...)
	return msg, nil
}

// Clone returns a deep copy of the message.
func (m WireMessage) Clone() WireMessage {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			p.Input = cloneMap(p.Input)
			out.Parts[i] = p
		}
	}
	if m.raw != nil {
		out.raw = append(json.RawMessage(nil), m.raw...)
	}
	return out
}

// ToolStatus is the lifecycle state of a tool invocation shown to the user.
type ToolStatus string

const (
	ToolCalling   ToolStatus = "calling"
	ToolCompleted ToolStatus = "completed"
	ToolAbandoned ToolStatus = "abandoned"
)

// ToolActivity records what a tool-invocation UI message is showing.
type ToolActivity struct {
	CallID    string     `json:"call_id"`
	Name      string     `json:"name"`
	Status    ToolStatus `json:"status"`
	Arguments string     `json:"arguments,omitempty"`
	Response  string     `json:"response,omitempty"`
}

// UIMessage is the display projection of one turn segment.
type UIMessage struct {
	WireMessage

	ID        string
	CreatedAt time.Time
	Streaming bool
	Tool      *ToolActivity
}

// MarshalJSON encodes the display form. It shadows the promoted wire encoder.
func (m UIMessage) MarshalJSON() ([]byte, error) {
	var content any = m.Text
	if m.IsStructured() {
		content = m.Parts
	}
	return json.Marshal(struct {
		ID        string        `json:"id"`
		Role      Role          `json:"role"`
		Content   any           `json:"content"`
		Timestamp time.Time     `json:"timestamp"`
		Streaming bool          `json:"is_streaming"`
		Tool      *ToolActivity `json:"processing_tool,omitempty"`
	}{m.ID, m.Role, content, m.CreatedAt, m.Streaming, m.Tool})
}

// Clone returns a deep copy safe to hand to observers.
func (m UIMessage) Clone() UIMessage {
	out := m
	out.WireMessage = m.WireMessage.Clone()
	if m.Tool != nil {
		tool := *m.Tool
		out.Tool = &tool
	}
	return out
}

// ToolPart returns the tool_use part of a tool-invocation message.
func (m *UIMessage) ToolPart() *Part {
	for i := range m.Parts {
		if m.Parts[i].Type == PartToolUse {
			return &m.Parts[i]
		}
	}
	return nil
}

// CloneWire deep-copies a wire log.
func CloneWire(msgs []WireMessage) []WireMessage {
	if msgs == nil {
		return nil
	}
	out := make([]WireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// CloneUI deep-copies a UI log.
func CloneUI(msgs []UIMessage) []UIMessage {
	if msgs == nil {
		return nil
	}
	out := make([]UIMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
