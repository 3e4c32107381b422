package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/models"
)

func TestDecodeIgnoresLinesWithoutPrefix(t *testing.T) {
	for _, line := range []string{"", ": comment", "event: message", "data:{}", "  data: {}"} {
		ev, err := Decode(line)
		require.NoError(t, err, line)
		assert.Equal(t, EventIgnored, ev.Kind, line)
	}
}

func TestDecodeDoneSentinel(t *testing.T) {
	ev, err := Decode("data: [DONE]")
	require.NoError(t, err)
	assert.Equal(t, EventDone, ev.Kind)
}

func TestDecodeContent(t *testing.T) {
	ev, err := Decode(`data: {"content":"Hi","tool_name":null,"tool_args":null,"tool_result":null,"new_raw_llm_messages":null,"finish_reason":null,"sleep_seconds":null}`)
	require.NoError(t, err)

	require.Equal(t, EventChunks, ev.Kind)
	require.Len(t, ev.Chunks, 1)
	assert.Equal(t, models.ChunkContent, ev.Chunks[0].Kind)
	assert.Equal(t, "Hi", ev.Chunks[0].Content)
}

func TestDecodeMalformedFrames(t *testing.T) {
	for _, line := range []string{
		`data: {"content":`,
		`data: null`,
		`data: "text"`,
		`data: `,
		`data: {"tool_result":{"a":}}`,
		`data: {"new_raw_llm_messages":[{"role":"system","content":"x"}]}`,
	} {
		_, err := Decode(line)
		assert.ErrorIs(t, err, ErrMalformedFrame, line)
	}
}

func TestDecodeToolNameKeepsInitialArguments(t *testing.T) {
	ev, err := Decode(`data: {"tool_name":"search","tool_call_id":"toolu_abc","tool_args":"{\"q\":"}`)
	require.NoError(t, err)

	require.Len(t, ev.Chunks, 1)
	c := ev.Chunks[0]
	assert.Equal(t, models.ChunkToolName, c.Kind)
	assert.Equal(t, "search", c.ToolName)
	assert.Equal(t, "toolu_abc", c.ToolCallID)
	assert.Equal(t, `{"q":`, c.ToolArgs)
}

func TestDecodeSplitsMultiPayloadFrames(t *testing.T) {
	ev, err := Decode(`data: {"session_id":"s1","content":"a","tool_args":"{}","finish_reason":"stop","sleep_seconds":2.4}`)
	require.NoError(t, err)

	require.Len(t, ev.Chunks, 4)
	assert.Equal(t, models.ChunkContent, ev.Chunks[0].Kind)
	assert.Equal(t, "s1", ev.Chunks[0].SessionID)
	assert.Equal(t, models.ChunkToolArgs, ev.Chunks[1].Kind)
	assert.Empty(t, ev.Chunks[1].SessionID)
	assert.Equal(t, models.ChunkFinishReason, ev.Chunks[2].Kind)
	assert.Equal(t, models.ChunkSleep, ev.Chunks[3].Kind)
	assert.InDelta(t, 2.4, ev.Chunks[3].SleepSeconds, 1e-9)
}

func TestDecodeMetaOnlyFrames(t *testing.T) {
	ev, err := Decode(`data: {"session_id":"abc"}`)
	require.NoError(t, err)
	require.Len(t, ev.Chunks, 1)
	assert.Equal(t, models.ChunkMeta, ev.Chunks[0].Kind)
	assert.Equal(t, "abc", ev.Chunks[0].SessionID)

	ev, err = Decode(`data: {"content":"","sleep_seconds":0,"error":null}`)
	require.NoError(t, err)
	require.Len(t, ev.Chunks, 1)
	assert.Equal(t, models.ChunkMeta, ev.Chunks[0].Kind)
	assert.False(t, ev.Chunks[0].HasError())
}

func TestDecodeErrorPayload(t *testing.T) {
	ev, err := Decode(`data: {"error":"RateLimitError: slow down"}`)
	require.NoError(t, err)
	require.Len(t, ev.Chunks, 1)
	assert.True(t, ev.Chunks[0].HasError())
	assert.JSONEq(t, `"RateLimitError: slow down"`, string(ev.Chunks[0].Error))
}

func TestDecodeToolResultForms(t *testing.T) {
	ev, err := Decode(`data: {"tool_result":"[]"}`)
	require.NoError(t, err)
	assert.Equal(t, "[]", ev.Chunks[0].ToolResult)

	ev, err = Decode(`data: {"tool_result":{"name":"list_secrets","content":["a"]}}`)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"name\": \"list_secrets\",\n  \"content\": [\n    \"a\"\n  ]\n}", ev.Chunks[0].ToolResult)
}

func TestDecodeRawMessages(t *testing.T) {
	ev, err := Decode(`data: {"new_raw_llm_messages":[{"role":"assistant","content":[{"type":"text","text":"hi"}]}]}`)
	require.NoError(t, err)
	require.Len(t, ev.Chunks, 1)
	assert.Equal(t, models.ChunkRawMessages, ev.Chunks[0].Kind)
	require.Len(t, ev.Chunks[0].Messages, 1)
	assert.Equal(t, models.RoleAssistant, ev.Chunks[0].Messages[0].Role)
}

func TestDecodeKeepsUnmodelledRawMessagesVerbatim(t *testing.T) {
	toolResult := `{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"[]"}]}]}`
	toolRole := `{"role":"tool","tool_call_id":"call_1","content":"[]"}`

	ev, err := Decode(`data: {"content":"Done.","new_raw_llm_messages":[` + toolResult + `,` + toolRole + `]}`)
	require.NoError(t, err)
	assert.NoError(t, ev.Dropped)
	require.Len(t, ev.Chunks, 2)

	assert.Equal(t, models.ChunkContent, ev.Chunks[0].Kind)
	assert.Equal(t, "Done.", ev.Chunks[0].Content)

	require.Equal(t, models.ChunkRawMessages, ev.Chunks[1].Kind)
	msgs := ev.Chunks[1].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.Role("tool"), msgs[1].Role)

	for i, want := range []string{toolResult, toolRole} {
		out, err := json.Marshal(msgs[i])
		require.NoError(t, err)
		assert.JSONEq(t, want, string(out))
	}
}

func TestDecodeBadRawBatchKeepsOtherPayloads(t *testing.T) {
	for name, batch := range map[string]string{
		"not an array":     `{"role":"user"}`,
		"non-object entry": `["hello"]`,
	} {
		t.Run(name, func(t *testing.T) {
			ev, err := Decode(`data: {"content":"Done.","session_id":"s-1","new_raw_llm_messages":` + batch + `}`)
			require.NoError(t, err)
			assert.Error(t, ev.Dropped)
			require.Len(t, ev.Chunks, 1)
			assert.Equal(t, "Done.", ev.Chunks[0].Content)
			assert.Equal(t, "s-1", ev.Chunks[0].SessionID)
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	ev, err := Decode(`data: {"content":"x","executing_tool":"y","type":"content"}`)
	require.NoError(t, err)
	require.Len(t, ev.Chunks, 1)
	assert.Equal(t, "x", ev.Chunks[0].Content)
}
