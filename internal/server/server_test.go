package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/classify"
	"chatstream/internal/client"
	"chatstream/internal/config"
	"chatstream/internal/conversation"
	"chatstream/internal/models"
	"chatstream/internal/projector"
	"chatstream/internal/session"
)

func startBackend(t *testing.T, script Script) (*Server, *client.Client, string) {
	t.Helper()
	srv, err := New(config.MockBackendConfig{Port: config.DefaultPort}, script, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := client.New(config.BackendConfig{
		ChatURL:      ts.URL + chatPath,
		TokenInfoURL: ts.URL + tokenInfoPath,
		Timeout:      5 * time.Second,
		DialTimeout:  time.Second,
	}, nil, nil)
	require.NoError(t, err)
	return srv, c, ts.URL
}

func newConversation(t *testing.T, c *client.Client, acc conversation.Accountant) *conversation.Conversation {
	t.Helper()
	conv, err := conversation.New(conversation.Options{
		Streamer:   c,
		Accountant: acc,
		Model:      "claude-3-7-sonnet-latest",
	})
	require.NoError(t, err)
	return conv
}

func TestHealth(t *testing.T) {
	_, _, url := startBackend(t, DefaultScript())

	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestDefaultScriptEndToEnd(t *testing.T) {
	_, c, _ := startBackend(t, DefaultScript())
	conv := newConversation(t, c, nil)
	ctx := context.Background()

	require.NoError(t, conv.Submit(ctx, "What secrets do I have?"))

	msgs := conv.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "I'll get your secrets", msgs[1].Text)
	require.NotNil(t, msgs[2].Tool)
	assert.Equal(t, "list_secrets", msgs[2].Tool.Name)
	assert.Equal(t, models.ToolCompleted, msgs[2].Tool.Status)
	assert.Equal(t, "[]", msgs[2].Tool.Response)
	assert.Equal(t, map[string]any{}, msgs[2].ToolPart().Input)
	assert.Equal(t, "You don't have any secrets stored yet.", msgs[3].Text)
	for _, m := range msgs {
		assert.False(t, m.Streaming, m.ID)
	}

	sessionID := conv.SessionID()
	require.NotEmpty(t, sessionID)

	require.NoError(t, conv.Submit(ctx, "thanks"))
	assert.Equal(t, sessionID, conv.SessionID())
	assert.Len(t, conv.Wire(), 4)
}

func TestScriptedFailureStatus(t *testing.T) {
	script := Script{Turns: []Turn{{Status: http.StatusTooManyRequests, Message: "quota exhausted", RetryAfter: 12}}}
	_, c, _ := startBackend(t, script)
	conv := newConversation(t, c, nil)

	err := conv.Submit(context.Background(), "hi")
	var f *classify.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, classify.RateLimited, f.Category)
	assert.Equal(t, 12*time.Second, f.RetryAfter)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, projector.FailureText, msgs[1].Text)
}

func TestRejectsInvalidRequests(t *testing.T) {
	_, c, url := startBackend(t, DefaultScript())

	_, err := c.Stream(context.Background(), client.Request{Messages: []models.WireMessage{models.NewTextMessage(models.RoleUser, "hi")}})
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode())
	assert.Equal(t, "model is required", se.Error())

	_, err = c.Stream(context.Background(), client.Request{Model: "m"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "messages must not be empty", se.Error())

	resp, err := http.Post(url+chatPath, "application/json", strings.NewReader(`{"model":"m","messages":["x"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(url+"/v1/unknown", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, body.Error)
}

func TestTurnsServedRoundRobinWithFixedSession(t *testing.T) {
	script := Script{
		SessionID: "fixed",
		Turns: []Turn{
			{Frames: []Frame{{Content: ptr("one")}}},
			{Frames: []Frame{{Raw: "data: {not json"}, {Content: ptr("two")}}, OmitDone: true},
		},
	}
	_, c, _ := startBackend(t, script)
	conv := newConversation(t, c, nil)
	ctx := context.Background()

	require.NoError(t, conv.Submit(ctx, "a"))
	require.NoError(t, conv.Submit(ctx, "b"))
	require.NoError(t, conv.Submit(ctx, "c"))

	var texts []string
	for _, m := range conv.Messages() {
		if m.Role == models.RoleAssistant {
			texts = append(texts, m.Text)
		}
	}
	assert.Equal(t, []string{"one", "two", "one"}, texts)
	assert.Equal(t, "fixed", conv.SessionID())
}

func TestStreamErrorFrame(t *testing.T) {
	script := Script{Turns: []Turn{{Frames: []Frame{
		{Content: ptr("Working")},
		{Error: map[string]any{"message": "provider exploded"}},
		{Content: ptr("ignored")},
	}}}}
	_, c, _ := startBackend(t, script)
	conv := newConversation(t, c, nil)

	err := conv.Submit(context.Background(), "hi")
	var f *classify.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, classify.ProviderError, f.Category)
	assert.Equal(t, "provider exploded", f.Message)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Working", msgs[1].Text)
}

func TestTokenInfoEstimate(t *testing.T) {
	_, c, _ := startBackend(t, DefaultScript())

	msgs := []models.WireMessage{models.NewTextMessage(models.RoleUser, strings.Repeat("a", 100))}
	info, err := c.TokenInfo(context.Background(), "claude-3-7-sonnet-latest", msgs)
	require.NoError(t, err)

	encoded, _ := json.Marshal(msgs)
	want := (len(encoded) + charsPerToken - 1) / charsPerToken
	assert.Equal(t, want, info.UsedTokens)
	assert.Equal(t, defaultContextWindow, info.MaxTokens)
	assert.Equal(t, defaultContextWindow-want, info.RemainingTokens)
	assert.Equal(t, "claude-3-7-sonnet-latest", info.Model)

	_, err = c.TokenInfo(context.Background(), "", msgs)
	assert.ErrorContains(t, err, "model is required")
}

func TestAccountantAgainstBackend(t *testing.T) {
	_, c, _ := startBackend(t, DefaultScript())

	acc := session.NewAccountant(c, session.AccountantConfig{RequestsPerSecond: 100, Burst: 10}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		acc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conv := newConversation(t, c, acc)
	require.NoError(t, conv.Submit(context.Background(), "What secrets do I have?"))

	require.Eventually(t, func() bool {
		info, ok := conv.TokenInfo()
		return ok && info.UsedTokens > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChunkDelayHonoursCancellation(t *testing.T) {
	srv, err := New(config.MockBackendConfig{ChunkDelay: time.Hour}, DefaultScript(), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c, err := client.New(config.BackendConfig{ChatURL: ts.URL + chatPath, DialTimeout: time.Second}, nil, nil)
	require.NoError(t, err)

	var conv *conversation.Conversation
	conv, err = conversation.New(conversation.Options{
		Streamer: c,
		Model:    "m",
		OnUpdate: func(u conversation.Update) {
			if !u.WireChanged && len(u.Touched) > 0 && !u.Closed {
				go conv.Cancel()
			}
		},
	})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- conv.Submit(context.Background(), "hi") }()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("turn was not cancelled")
	}

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "I'll get your secrets", msgs[1].Text)
	assert.Empty(t, conv.Notices())
}

func TestProviderShapedWireMessagesAreAccepted(t *testing.T) {
	script := Script{Turns: []Turn{
		{Frames: []Frame{
			{Content: ptr("Done.")},
			{RawMessages: []any{map[string]any{"role": "tool", "tool_call_id": "call_1", "content": "[]"}}},
		}},
		{Frames: []Frame{{Content: ptr("again")}}},
	}}
	_, c, _ := startBackend(t, script)
	conv := newConversation(t, c, nil)
	ctx := context.Background()

	require.NoError(t, conv.Submit(ctx, "first"))
	require.NoError(t, conv.Submit(ctx, "second"))

	wire := conv.Wire()
	require.Len(t, wire, 3)
	assert.Equal(t, models.Role("tool"), wire[1].Role)

	msgs := conv.Messages()
	assert.Equal(t, "again", msgs[len(msgs)-1].Text)
}
