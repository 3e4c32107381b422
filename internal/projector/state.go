package projector

// Phase is the coarse position of the projector within a turn.
type Phase uint8

const (
	// PhaseIdle has no open UI message.
	PhaseIdle Phase = iota
	// PhaseStreamingText has an open text message receiving content.
	PhaseStreamingText
	// PhaseToolOpen has an open tool message receiving arguments.
	PhaseToolOpen
	// PhaseAwaitingFollowUp has an empty assistant message opened after a
	// tool result, waiting for the model to continue.
	PhaseAwaitingFollowUp
	// PhaseClosed ends the turn; chunks are ignored until the next submission.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStreamingText:
		return "streaming_text"
	case PhaseToolOpen:
		return "tool_open"
	case PhaseAwaitingFollowUp:
		return "awaiting_follow_up"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is threaded through every transition. OpenMessage is the id of the
// streaming UI message, if any. ToolMessage and ToolCallID identify the
// invocation still waiting for its result; they can outlive OpenMessage
// when content or a notice interrupts the tool message.
type State struct {
	Phase       Phase
	OpenMessage string
	ToolMessage string
	ToolCallID  string
}

func (s State) withoutTool() State {
	s.ToolMessage = ""
	s.ToolCallID = ""
	return s
}

// Change reports what a transition touched.
type Change struct {
	WireChanged bool
	// Touched lists ids of UI messages created or modified, in order.
	Touched []string
}

func (c *Change) touch(id string) {
	for _, seen := range c.Touched {
		if seen == id {
			return
		}
	}
	c.Touched = append(c.Touched, id)
}
