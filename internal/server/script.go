package server

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Script is what the mock backend streams. Turns are served round-robin,
// one per chat request.
type Script struct {
	// SessionID is attached to the first frame of every response. When empty,
	// the request's session id is echoed or a fresh one is issued.
	SessionID string `yaml:"session_id"`
	Turns     []Turn `yaml:"turns"`
}

// Turn is one scripted response.
type Turn struct {
	// Status, when set to a non-2xx code, fails the request with Message.
	Status     int     `yaml:"status"`
	Message    string  `yaml:"message"`
	RetryAfter int     `yaml:"retry_after"`
	Frames     []Frame `yaml:"frames"`
	// OmitDone ends the body without the terminal sentinel.
	OmitDone bool `yaml:"omit_done"`
}

// Frame is one data line of the event stream.
type Frame struct {
	Content      *string  `yaml:"content" json:"content,omitempty"`
	ToolName     *string  `yaml:"tool_name" json:"tool_name,omitempty"`
	ToolCallID   *string  `yaml:"tool_call_id" json:"tool_call_id,omitempty"`
	ToolArgs     *string  `yaml:"tool_args" json:"tool_args,omitempty"`
	ToolResult   any      `yaml:"tool_result" json:"tool_result,omitempty"`
	RawMessages  []any    `yaml:"new_raw_llm_messages" json:"new_raw_llm_messages,omitempty"`
	FinishReason *string  `yaml:"finish_reason" json:"finish_reason,omitempty"`
	SleepSeconds *float64 `yaml:"sleep_seconds" json:"sleep_seconds,omitempty"`
	Error        any      `yaml:"error" json:"error,omitempty"`
	SessionID    string   `yaml:"-" json:"session_id,omitempty"`

	// Raw is written verbatim as the whole line instead of a data frame.
	Raw string `yaml:"raw" json:"-"`
}

// LoadScript reads a YAML script from disk.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script %q: %w", path, err)
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Script{}, err
	}
	return s, nil
}

// Validate checks that the script can be served.
func (s Script) Validate() error {
	if len(s.Turns) == 0 {
		return errors.New("script must contain at least one turn")
	}
	for i, t := range s.Turns {
		if t.Status != 0 && (t.Status < 100 || t.Status > 599) {
			return fmt.Errorf("turn %d: invalid status %d", i, t.Status)
		}
		if t.Status >= 300 && t.Message == "" {
			return fmt.Errorf("turn %d: failing turns need a message", i)
		}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

// DefaultScript streams the list_secrets tool round trip.
func DefaultScript() Script {
	return Script{Turns: []Turn{{
		Frames: []Frame{
			{Content: ptr("I'll get your secrets")},
			{ToolName: ptr("list_secrets")},
			{ToolArgs: ptr("{}")},
			{},
			{ToolResult: "[]"},
			{Content: ptr("You don't have any secrets stored yet.")},
			{FinishReason: ptr("stop")},
		},
	}}}
}
