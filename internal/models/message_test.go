package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireMessageDecodesStringContent(t *testing.T) {
	var msg WireMessage
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg))

	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, "hello", msg.Text)
	assert.False(t, msg.IsStructured())
}

func TestWireMessageDecodesParts(t *testing.T) {
	data := `{"role":"assistant","content":[{"type":"text","text":"checking"},{"type":"tool_use","id":"toolu_1","name":"list_secrets","input":{"scope":"all"}}]}`

	var msg WireMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))

	require.Len(t, msg.Parts, 2)
	assert.Equal(t, PartText, msg.Parts[0].Type)
	assert.Equal(t, "checking", msg.Parts[0].Text)
	assert.Equal(t, PartToolUse, msg.Parts[1].Type)
	assert.Equal(t, "toolu_1", msg.Parts[1].ID)
	assert.Equal(t, map[string]any{"scope": "all"}, msg.Parts[1].Input)
}

func TestWireMessageKeepsBackendBytesVerbatim(t *testing.T) {
	data := `{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"x","input":{},"cache_control":{"type":"ephemeral"}}]}`

	var msg WireMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))

	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, data, string(out))
}

func TestWireMessageRejectsUnknownRole(t *testing.T) {
	var msg WireMessage
	err := json.Unmarshal([]byte(`{"role":"system","content":"x"}`), &msg)
	assert.ErrorContains(t, err, "invalid role")
}

func TestWireMessageRejectsObjectContent(t *testing.T) {
	var msg WireMessage
	err := json.Unmarshal([]byte(`{"role":"user","content":{"a":1}}`), &msg)
	assert.Error(t, err)
}

func TestToolResultMessageEncoding(t *testing.T) {
	out, err := json.Marshal(NewToolResultMessage("toolu_9", "[]"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_9","content":"[]"}]}`, string(out))
}

func TestUIMessageCloneIsDeep(t *testing.T) {
	orig := UIMessage{
		WireMessage: WireMessage{
			Role:  RoleAssistant,
			Parts: []Part{{Type: PartToolUse, Input: map[string]any{"nested": map[string]any{"k": "v"}}}},
		},
		Tool: &ToolActivity{Name: "x", Status: ToolCalling},
	}

	cp := orig.Clone()
	cp.Parts[0].Input["nested"].(map[string]any)["k"] = "changed"
	cp.Tool.Status = ToolCompleted

	assert.Equal(t, "v", orig.Parts[0].Input["nested"].(map[string]any)["k"])
	assert.Equal(t, ToolCalling, orig.Tool.Status)
}

func TestUIMessageEncodesDisplayForm(t *testing.T) {
	msg := UIMessage{
		WireMessage: NewTextMessage(RoleAssistant, "Hi"),
		ID:          "01HX",
		Streaming:   true,
	}

	out, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "01HX", decoded["id"])
	assert.Equal(t, "Hi", decoded["content"])
	assert.Equal(t, true, decoded["is_streaming"])
	assert.NotContains(t, decoded, "processing_tool")
}

func TestDecodeRawMessageKeepsUnknownShapes(t *testing.T) {
	data := `{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"[]"}]}]}`

	msg, err := DecodeRawMessage(json.RawMessage(data))
	require.NoError(t, err)
	assert.Equal(t, RoleUser, msg.Role)

	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, data, string(out))

	_, err = DecodeRawMessage(json.RawMessage(`"text"`))
	assert.Error(t, err)
}

func TestToolUsePartAlwaysEncodesInput(t *testing.T) {
	out, err := json.Marshal(Part{Type: PartToolUse, ID: "toolu_1", Name: "list_secrets"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_use","id":"toolu_1","name":"list_secrets","input":{}}`, string(out))

	out, err = json.Marshal(Part{Type: PartToolUse, ID: "toolu_1", Name: "list_secrets", Input: map[string]any{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_use","id":"toolu_1","name":"list_secrets","input":{}}`, string(out))

	out, err = json.Marshal(Part{Type: PartText, Text: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":"hi"}`, string(out))
}
