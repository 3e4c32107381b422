package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatstream/internal/models"
)

const (
	dataPrefix = "data: "

	// DoneSentinel terminates a response stream.
	DoneSentinel = "[DONE]"
)

// ErrMalformedFrame reports a data line whose payload is not a chunk object.
var ErrMalformedFrame = errors.New("malformed frame")

// EventKind classifies a decoded line.
type EventKind uint8

const (
	// EventIgnored is a line without the data prefix.
	EventIgnored EventKind = iota
	EventDone
	EventChunks
)

// Event is the result of decoding one line.
type Event struct {
	Kind    EventKind
	Payload string
	Chunks  []models.Chunk
	// Dropped is set when one payload of the frame could not be decoded and
	// was discarded while the others were kept.
	Dropped error
}

type frame struct {
	Content           *string         `json:"content"`
	ToolName          *string         `json:"tool_name"`
	ToolCallID        *string         `json:"tool_call_id"`
	ToolArgs          *string         `json:"tool_args"`
	ToolResult        json.RawMessage `json:"tool_result"`
	NewRawLLMMessages json.RawMessage `json:"new_raw_llm_messages"`
	FinishReason      *string         `json:"finish_reason"`
	SleepSeconds      *float64        `json:"sleep_seconds"`
	SessionID         *string         `json:"session_id"`
	Error             json.RawMessage `json:"error"`
}

// Decode interprets one complete protocol line. A frame carrying several
// payload fields is split into one chunk per payload; session and error
// metadata ride on the first.
func Decode(line string) (Event, error) {
	payload, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return Event{Kind: EventIgnored}, nil
	}
	if strings.TrimSpace(payload) == DoneSentinel {
		return Event{Kind: EventDone, Payload: payload}, nil
	}

	trimmed := bytes.TrimSpace([]byte(payload))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedFrame)
	}

	var f frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var err error
	ev := Event{Kind: EventChunks, Payload: payload}
	ev.Chunks, ev.Dropped, err = f.split()
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (f frame) split() (chunks []models.Chunk, dropped error, err error) {

	if s := deref(f.Content); s != "" {
		chunks = append(chunks, models.Chunk{Kind: models.ChunkContent, Content: s})
	}

	if name := deref(f.ToolName); name != "" {
		chunks = append(chunks, models.Chunk{
			Kind:       models.ChunkToolName,
			ToolName:   name,
			ToolCallID: deref(f.ToolCallID),
			ToolArgs:   deref(f.ToolArgs),
		})
	} else if args := deref(f.ToolArgs); args != "" {
		chunks = append(chunks, models.Chunk{Kind: models.ChunkToolArgs, ToolArgs: args})
	}

	result, err := decodeToolResult(f.ToolResult)
	if err != nil {
		return nil, nil, err
	}
	if result != "" {
		chunks = append(chunks, models.Chunk{Kind: models.ChunkToolResult, ToolResult: result})
	}

	batch, err := decodeRawMessages(f.NewRawLLMMessages)
	if err != nil {
		dropped = fmt.Errorf("new_raw_llm_messages: %w", err)
	} else if len(batch) > 0 {
		chunks = append(chunks, models.Chunk{Kind: models.ChunkRawMessages, Messages: batch})
	}
	if reason := deref(f.FinishReason); reason != "" {
		chunks = append(chunks, models.Chunk{Kind: models.ChunkFinishReason, FinishReason: reason})
	}
	if f.SleepSeconds != nil && *f.SleepSeconds > 0 {
		chunks = append(chunks, models.Chunk{Kind: models.ChunkSleep, SleepSeconds: *f.SleepSeconds})
	}

	if len(chunks) == 0 {
		chunks = append(chunks, models.Chunk{Kind: models.ChunkMeta})
	}
	chunks[0].SessionID = deref(f.SessionID)
	if len(f.Error) > 0 && !bytes.Equal(f.Error, []byte("null")) {
		chunks[0].Error = f.Error
	}
	return chunks, dropped, nil
}

// decodeRawMessages keeps every entry of a raw batch verbatim. The batch is
// rejected as a whole when it is not an array of objects.
func decodeRawMessages(raw json.RawMessage) ([]models.WireMessage, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}

	msgs := make([]models.WireMessage, 0, len(entries))
	for i, entry := range entries {
		msg, err := models.DecodeRawMessage(entry)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// decodeToolResult returns string results as-is and pretty-prints structured ones.
func decodeToolResult(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: tool_result: %v", ErrMalformedFrame, err)
		}
		return s, nil
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return "", fmt.Errorf("%w: tool_result: %v", ErrMalformedFrame, err)
	}
	return buf.String(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
