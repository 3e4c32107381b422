package projector

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	"chatstream/internal/models"
	"chatstream/internal/toolcall"
)

const (
	// FailureText replaces the open message when a turn fails.
	FailureText = "Sorry, there was an error processing your request."
	// OutputLimitText is shown when the model stopped on its output limit.
	OutputLimitText = "Output limit exceeded."
)

// Options configures a Projector. Zero values select production defaults;
// tests inject deterministic generators.
type Options struct {
	Logger    *slog.Logger
	NewID     func() string
	NewToolID func() string
	Now       func() time.Time
}

// Projector applies decoded chunks to the wire log and the UI log. It is the
// only writer of both and is not safe for concurrent use.
type Projector struct {
	wire     []models.WireMessage
	ui       []models.UIMessage
	state    State
	tools    *toolcall.Accumulator
	snapshot models.Snapshot

	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

// New constructs an empty projector.
func New(opts Options) *Projector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = newULID
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Projector{
		state:  State{Phase: PhaseClosed},
		tools:  toolcall.New(logger, opts.NewToolID),
		newID:  newID,
		now:    now,
		logger: logger,
	}
}

func newULID() string {
	return ulid.Make().String()
}

// State returns the current turn state.
func (p *Projector) State() State { return p.state }

// Snapshot returns the most recent stream fragments.
func (p *Projector) Snapshot() models.Snapshot { return p.snapshot }

// Wire returns a deep copy of the wire log.
func (p *Projector) Wire() []models.WireMessage { return models.CloneWire(p.wire) }

// UI returns a deep copy of the UI log.
func (p *Projector) UI() []models.UIMessage { return models.CloneUI(p.ui) }

// Message returns a copy of the UI message with the given id.
func (p *Projector) Message(id string) (models.UIMessage, bool) {
	i := p.indexOf(id)
	if i < 0 {
		return models.UIMessage{}, false
	}
	return p.ui[i].Clone(), true
}

// Reset forgets the whole conversation.
func (p *Projector) Reset() {
	p.wire = nil
	p.ui = nil
	p.snapshot = models.Snapshot{}
	p.tools.Abandon()
	p.state = State{Phase: PhaseClosed}
}

// Submit records the user's input in both logs and opens a new turn. Any
// turn still open is closed first.
func (p *Projector) Submit(text string) Change {
	var ch Change
	if p.state.Phase != PhaseClosed {
		ch = p.Finish()
	}

	p.wire = append(p.wire, models.NewTextMessage(models.RoleUser, text))
	msg := p.appendMessage(models.NewTextMessage(models.RoleUser, text), false)
	ch.WireChanged = true
	ch.touch(msg.ID)

	p.snapshot = models.Snapshot{}
	p.state = State{Phase: PhaseIdle}
	return ch
}

// Apply performs the transition for one chunk.
func (p *Projector) Apply(c models.Chunk) Change {
	var ch Change
	if p.state.Phase == PhaseClosed {
		p.logger.Debug("chunk after turn closed ignored", "kind", c.Kind.String())
		return ch
	}

	switch c.Kind {
	case models.ChunkContent:
		p.state = p.onContent(p.state, c, &ch)
	case models.ChunkToolName:
		p.state = p.onToolName(p.state, c, &ch)
	case models.ChunkToolArgs:
		p.state = p.onToolArgs(p.state, c, &ch)
	case models.ChunkToolResult:
		p.state = p.onToolResult(p.state, c, &ch)
	case models.ChunkRawMessages:
		for _, m := range c.Messages {
			p.wire = append(p.wire, m.Clone())
		}
		ch.WireChanged = len(c.Messages) > 0
	case models.ChunkFinishReason:
		if c.FinishReason != models.FinishLength {
			p.logger.Debug("finish reason", "reason", c.FinishReason)
			break
		}
		p.state = p.appendNotice(p.state, OutputLimitText, &ch)
	case models.ChunkSleep:
		seconds := int(math.Round(c.SleepSeconds))
		p.state = p.appendNotice(p.state, fmt.Sprintf("Sleeping for %d seconds...", seconds), &ch)
	case models.ChunkMeta:
	default:
		p.logger.Warn("unknown chunk kind ignored", "kind", c.Kind.String())
	}
	return ch
}

func (p *Projector) onContent(s State, c models.Chunk, ch *Change) State {
	p.snapshot.Content = c.Content

	switch s.Phase {
	case PhaseStreamingText, PhaseAwaitingFollowUp:
		if i := p.indexOf(s.OpenMessage); i >= 0 {
			p.ui[i].Text += c.Content
			ch.touch(p.ui[i].ID)
			s.Phase = PhaseStreamingText
			return s
		}
	}

	s = p.closeOpen(s, ch)
	msg := p.appendMessage(models.NewTextMessage(models.RoleAssistant, c.Content), true)
	ch.touch(msg.ID)
	s.Phase = PhaseStreamingText
	s.OpenMessage = msg.ID
	return s
}

func (p *Projector) onToolName(s State, c models.Chunk, ch *Change) State {
	p.snapshot.ToolName = c.ToolName

	inv, abandoned := p.tools.Open(c.ToolCallID, c.ToolName, c.ToolArgs)
	if abandoned != nil {
		p.markAbandoned(s.ToolMessage, ch)
	}

	s = p.closeOpen(s, ch)
	msg := p.appendMessage(models.WireMessage{
		Role: models.RoleAssistant,
		Parts: []models.Part{{
			Type:  models.PartToolUse,
			ID:    inv.ID,
			Name:  inv.Name,
			Input: inv.Input,
		}},
	}, true)

	i := p.indexOf(msg.ID)
	p.ui[i].Tool = &models.ToolActivity{
		CallID:    inv.ID,
		Name:      inv.Name,
		Status:    models.ToolCalling,
		Arguments: inv.Arguments,
	}
	ch.touch(msg.ID)

	return State{
		Phase:       PhaseToolOpen,
		OpenMessage: msg.ID,
		ToolMessage: msg.ID,
		ToolCallID:  inv.ID,
	}
}

func (p *Projector) onToolArgs(s State, c models.Chunk, ch *Change) State {
	p.snapshot.ToolArgs = c.ToolArgs

	inv, parsed, err := p.tools.Append(c.ToolArgs)
	if errors.Is(err, toolcall.ErrNoOpenInvocation) {
		p.logger.Debug("tool arguments without an open tool ignored")
		return s
	}

	i := p.indexOf(s.ToolMessage)
	if i < 0 {
		return s
	}
	msg := &p.ui[i]
	if parsed {
		if part := msg.ToolPart(); part != nil {
			part.Input = maps.Clone(inv.Input)
		}
	}
	msg.Tool.Arguments = inv.Arguments
	ch.touch(msg.ID)
	return s
}

func (p *Projector) onToolResult(s State, c models.Chunk, ch *Change) State {
	p.snapshot.ToolResult = c.ToolResult

	inv, err := p.tools.Resolve(c.ToolResult)
	if errors.Is(err, toolcall.ErrNoOpenInvocation) {
		p.logger.Warn("tool result without an open tool ignored")
		return s
	}

	p.wire = append(p.wire, models.NewToolResultMessage(inv.ID, inv.Result))
	ch.WireChanged = true

	if i := p.indexOf(s.ToolMessage); i >= 0 {
		msg := &p.ui[i]
		msg.Tool.Status = models.ToolCompleted
		msg.Tool.Response = inv.Result
		msg.Streaming = false
		ch.touch(msg.ID)
	}

	s = p.closeOpen(s.withoutTool(), ch)
	follow := p.appendMessage(models.NewTextMessage(models.RoleAssistant, ""), true)
	ch.touch(follow.ID)
	return State{Phase: PhaseAwaitingFollowUp, OpenMessage: follow.ID}
}

func (p *Projector) appendNotice(s State, text string, ch *Change) State {
	s = p.closeOpen(s, ch)
	msg := p.appendMessage(models.NewTextMessage(models.RoleAssistant, text), false)
	ch.touch(msg.ID)
	s.Phase = PhaseIdle
	return s
}

// Finish handles the terminal sentinel. It is idempotent.
func (p *Projector) Finish() Change {
	var ch Change
	if p.state.Phase == PhaseClosed {
		return ch
	}
	p.state = p.close(p.state, &ch)
	return ch
}

// Abort closes the turn silently, keeping whatever content was projected.
func (p *Projector) Abort() Change {
	return p.Finish()
}

// Fail closes the turn with a failure notice. An open text message has its
// content replaced by the notice; otherwise the notice is appended.
func (p *Projector) Fail(text string) Change {
	var ch Change
	if p.state.Phase == PhaseClosed {
		return ch
	}
	if text == "" {
		text = FailureText
	}

	if i := p.indexOf(p.state.OpenMessage); i >= 0 && p.ui[i].Tool == nil {
		msg := &p.ui[i]
		msg.Text = text
		msg.Parts = nil
		msg.Streaming = false
		ch.touch(msg.ID)
		p.state.OpenMessage = ""
	} else {
		p.state = p.appendNotice(p.state, text, &ch)
	}

	p.state = p.close(p.state, &ch)
	return ch
}

func (p *Projector) close(s State, ch *Change) State {
	s = p.closeOpen(s, ch)
	if inv, ok := p.tools.Abandon(); ok {
		p.logger.Debug("tool invocation abandoned at end of turn", "tool_call_id", inv.ID, "tool", inv.Name)
		p.markAbandoned(s.ToolMessage, ch)
	}
	return State{Phase: PhaseClosed}
}

// closeOpen clears the streaming flag of the open message. An assistant
// message that never received content is removed instead.
func (p *Projector) closeOpen(s State, ch *Change) State {
	if s.OpenMessage == "" {
		return s
	}
	id := s.OpenMessage
	s.OpenMessage = ""

	i := p.indexOf(id)
	if i < 0 {
		return s
	}
	msg := &p.ui[i]
	if msg.Role == models.RoleAssistant && msg.Tool == nil && !msg.IsStructured() && msg.Text == "" {
		p.ui = append(p.ui[:i], p.ui[i+1:]...)
		return s
	}
	msg.Streaming = false
	ch.touch(id)
	return s
}

func (p *Projector) markAbandoned(id string, ch *Change) {
	i := p.indexOf(id)
	if i < 0 || p.ui[i].Tool == nil {
		return
	}
	p.ui[i].Tool.Status = models.ToolAbandoned
	p.ui[i].Streaming = false
	ch.touch(id)
}

func (p *Projector) appendMessage(wire models.WireMessage, streaming bool) models.UIMessage {
	msg := models.UIMessage{
		WireMessage: wire,
		ID:          p.newID(),
		CreatedAt:   p.now(),
		Streaming:   streaming,
	}
	p.ui = append(p.ui, msg)
	return msg
}

func (p *Projector) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := len(p.ui) - 1; i >= 0; i-- {
		if p.ui[i].ID == id {
			return i
		}
	}
	return -1
}
