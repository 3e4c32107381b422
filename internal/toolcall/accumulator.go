package toolcall

import (
	"encoding/json"
	"errors"
	"log/slog"
	"maps"

	"github.com/google/uuid"
)

// ErrNoOpenInvocation indicates an argument fragment or result arrived with no tool open.
var ErrNoOpenInvocation = errors.New("no tool invocation is open")

// IDPrefix prefixes locally minted correlation ids.
const IDPrefix = "toolu_"

// NewID mints a correlation id for an invocation the provider did not identify.
func NewID() string {
	return IDPrefix + uuid.NewString()
}

// Invocation is a point-in-time copy of a tool call being assembled.
type Invocation struct {
	ID    string
	Name  string
	Input map[string]any
	// Arguments is every argument fragment received so far, concatenated.
	Arguments string
	// Result is set once the invocation is resolved.
	Result string
}

type invocation struct {
	id        string
	name      string
	input     map[string]any
	arguments string
	buffer    string
}

func (inv *invocation) snapshot() Invocation {
	return Invocation{
		ID:        inv.id,
		Name:      inv.name,
		Input:     maps.Clone(inv.input),
		Arguments: inv.arguments,
	}
}

// Accumulator reassembles one tool invocation at a time from streamed chunks.
// It is owned by a single conversation and is not safe for concurrent use.
type Accumulator struct {
	open   *invocation
	newID  func() string
	logger *slog.Logger
}

// New constructs an accumulator. A nil newID uses NewID.
func New(logger *slog.Logger, newID func() string) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	if newID == nil {
		newID = NewID
	}
	return &Accumulator{newID: newID, logger: logger}
}

// Open starts a new invocation and seeds its buffer with args. If another
// invocation was still open it is closed without a result and returned as
// abandoned.
func (a *Accumulator) Open(id, name, args string) (opened Invocation, abandoned *Invocation) {
	if a.open != nil {
		prev := a.open.snapshot()
		abandoned = &prev
		a.logger.Warn("tool invocation superseded before its result arrived",
			"abandoned_id", prev.ID,
			"abandoned_tool", prev.Name,
			"tool", name,
		)
	}

	if id == "" {
		id = a.newID()
	}

	a.open = &invocation{
		id:    id,
		name:  name,
		input: map[string]any{},
	}
	if args != "" {
		a.feed(args)
	}
	return a.open.snapshot(), abandoned
}

// Append adds an argument fragment to the open invocation and reparses the
// buffered text. parsed reports whether the buffer formed a complete JSON
// object; an incomplete buffer is kept for the next fragment.
func (a *Accumulator) Append(fragment string) (inv Invocation, parsed bool, err error) {
	if a.open == nil {
		return Invocation{}, false, ErrNoOpenInvocation
	}
	parsed = a.feed(fragment)
	return a.open.snapshot(), parsed, nil
}

func (a *Accumulator) feed(fragment string) bool {
	inv := a.open
	inv.arguments += fragment
	inv.buffer += fragment

	var input map[string]any
	if err := json.Unmarshal([]byte(inv.buffer), &input); err != nil || input == nil {
		a.logger.Debug("tool arguments incomplete, accumulating",
			"tool_call_id", inv.id,
			"buffered_bytes", len(inv.buffer),
		)
		return false
	}

	inv.input = input
	inv.buffer = ""
	return true
}

// Current returns the open invocation, if any.
func (a *Accumulator) Current() (Invocation, bool) {
	if a.open == nil {
		return Invocation{}, false
	}
	return a.open.snapshot(), true
}

// Buffer returns argument text received since the last successful parse.
func (a *Accumulator) Buffer() string {
	if a.open == nil {
		return ""
	}
	return a.open.buffer
}

// Resolve closes the open invocation with its result.
func (a *Accumulator) Resolve(result string) (Invocation, error) {
	if a.open == nil {
		return Invocation{}, ErrNoOpenInvocation
	}
	inv := a.open.snapshot()
	inv.Result = result
	a.open = nil
	return inv, nil
}

// Abandon drops the open invocation without a result.
func (a *Accumulator) Abandon() (Invocation, bool) {
	if a.open == nil {
		return Invocation{}, false
	}
	inv := a.open.snapshot()
	a.open = nil
	return inv, true
}
