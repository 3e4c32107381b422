package classify

import "time"

// DefaultDismissAfter is used when a Policy leaves DismissAfter unset.
const DefaultDismissAfter = 8 * time.Second

// Notice is an entry for the user-facing error surface.
type Notice struct {
	Category Category
	Message  string
	// Critical notices stay until dismissed by the user.
	Critical     bool
	DismissAfter time.Duration
}

// Policy decides how failures are presented.
type Policy struct {
	DismissAfter time.Duration
}

// Notice converts a failure into a notice. Cancellations produce none.
func (p Policy) Notice(f *Failure) (Notice, bool) {
	if f == nil || f.Category == Cancelled {
		return Notice{}, false
	}

	msg := f.Message
	if msg == "" {
		msg = msgUnknown
	}

	if f.Category == ConnectionUnavailable {
		return Notice{Category: f.Category, Message: msg, Critical: true}, true
	}

	dismiss := p.DismissAfter
	if dismiss <= 0 {
		dismiss = DefaultDismissAfter
	}
	return Notice{Category: f.Category, Message: msg, DismissAfter: dismiss}, true
}
