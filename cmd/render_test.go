package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"chatstream/internal/classify"
	"chatstream/internal/conversation"
	"chatstream/internal/models"
)

type fakeSource map[string]models.UIMessage

func (f fakeSource) Message(id string) (models.UIMessage, bool) {
	m, ok := f[id]
	return m, ok
}

func text(id string, role models.Role, s string) models.UIMessage {
	return models.UIMessage{ID: id, WireMessage: models.NewTextMessage(role, s)}
}

func TestRendererStreamsSuffixes(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newRenderer(&out, &errOut)
	src := fakeSource{"u1": text("u1", models.RoleUser, "hi")}

	r.update(src, conversation.Update{Touched: []string{"u1"}})
	assert.Empty(t, out.String())

	src["a1"] = text("a1", models.RoleAssistant, "Hel")
	r.update(src, conversation.Update{Touched: []string{"a1"}})
	src["a1"] = text("a1", models.RoleAssistant, "Hello")
	r.update(src, conversation.Update{Touched: []string{"a1"}})
	r.update(src, conversation.Update{Touched: []string{"a1"}, Closed: true})

	assert.Equal(t, "Hello\n", out.String())
}

func TestRendererToolLifecycle(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newRenderer(&out, &errOut)
	src := fakeSource{"a1": text("a1", models.RoleAssistant, "Looking")}
	r.update(src, conversation.Update{Touched: []string{"a1"}})

	tool := models.UIMessage{ID: "t1", WireMessage: models.WireMessage{Role: models.RoleAssistant}}
	tool.Tool = &models.ToolActivity{Name: "list_secrets", Status: models.ToolCalling}
	src["t1"] = tool
	r.update(src, conversation.Update{Touched: []string{"a1", "t1"}})
	r.update(src, conversation.Update{Touched: []string{"t1"}})

	done := tool.Clone()
	done.Tool.Status = models.ToolCompleted
	done.Tool.Response = "[]"
	src["t1"] = done
	r.update(src, conversation.Update{Touched: []string{"t1"}, Closed: true})

	assert.Equal(t, "Looking\n[tool list_secrets] calling\n[tool list_secrets] completed\n  []\n", out.String())
}

func TestRendererReplacedTextAndNotice(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newRenderer(&out, &errOut)
	src := fakeSource{"a1": text("a1", models.RoleAssistant, "partial")}
	r.update(src, conversation.Update{Touched: []string{"a1"}})

	src["a1"] = text("a1", models.RoleAssistant, "Something went wrong")
	r.update(src, conversation.Update{
		Touched: []string{"a1"},
		Notice:  &classify.Notice{Message: "Server error: 500"},
		Closed:  true,
	})

	assert.Equal(t, "partial\nSomething went wrong\n", out.String())
	assert.Equal(t, "! Server error: 500\n", errOut.String())
}

func TestRendererSkipsRemovedMessages(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newRenderer(&out, &errOut)
	r.update(fakeSource{}, conversation.Update{Touched: []string{"gone"}, Closed: true})
	assert.Empty(t, out.String())
}
