package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"chatstream/internal/conversation"
	"chatstream/internal/models"
)

type messageSource interface {
	Message(id string) (models.UIMessage, bool)
}

// renderer prints conversation updates to a terminal as they stream in.
type renderer struct {
	out    io.Writer
	errOut io.Writer

	mu     sync.Mutex
	text   map[string]string
	tools  map[string]models.ToolStatus
	lastID string
	dirty  bool
}

func newRenderer(out, errOut io.Writer) *renderer {
	return &renderer{
		out:    out,
		errOut: errOut,
		text:   make(map[string]string),
		tools:  make(map[string]models.ToolStatus),
	}
}

func (r *renderer) update(src messageSource, u conversation.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range u.Touched {
		msg, ok := src.Message(id)
		if !ok || msg.Role == models.RoleUser {
			continue
		}
		if msg.Tool != nil {
			r.renderTool(msg)
			continue
		}
		r.renderText(msg)
	}

	if u.Notice != nil {
		r.breakLine()
		fmt.Fprintf(r.errOut, "! %s\n", u.Notice.Message)
	}
	if u.Closed {
		r.breakLine()
		r.lastID = ""
	}
}

func (r *renderer) renderText(msg models.UIMessage) {
	prev, seen := r.text[msg.ID]
	if msg.Text == prev && seen {
		return
	}
	r.switchTo(msg.ID)

	if strings.HasPrefix(msg.Text, prev) {
		fmt.Fprint(r.out, msg.Text[len(prev):])
	} else {
		// Content was replaced, e.g. by a failure notice.
		r.breakLine()
		fmt.Fprint(r.out, msg.Text)
	}
	r.text[msg.ID] = msg.Text
	r.dirty = msg.Text != "" || r.dirty
}

func (r *renderer) renderTool(msg models.UIMessage) {
	tool := msg.Tool
	if r.tools[msg.ID] == tool.Status {
		return
	}
	r.tools[msg.ID] = tool.Status
	r.switchTo(msg.ID)
	r.breakLine()

	switch tool.Status {
	case models.ToolCompleted:
		fmt.Fprintf(r.out, "[tool %s] completed\n", tool.Name)
		if tool.Response != "" {
			fmt.Fprintln(r.out, indent(tool.Response, "  "))
		}
	default:
		fmt.Fprintf(r.out, "[tool %s] %s\n", tool.Name, tool.Status)
	}
}

func (r *renderer) switchTo(id string) {
	if r.lastID != "" && r.lastID != id {
		r.breakLine()
	}
	r.lastID = id
}

func (r *renderer) breakLine() {
	if r.dirty {
		fmt.Fprintln(r.out)
		r.dirty = false
	}
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}
