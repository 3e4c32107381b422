package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"

	"chatstream/internal/classify"
	"chatstream/internal/client"
	"chatstream/internal/models"
	"chatstream/internal/projector"
	"chatstream/internal/provider"
	"chatstream/internal/session"
	"chatstream/internal/stream"
	"chatstream/internal/transcript"
)

// ErrTurnInFlight is returned by Submit while another turn is streaming.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// Streamer opens the response stream of one turn.
type Streamer interface {
	Stream(ctx context.Context, req client.Request) (io.ReadCloser, error)
}

// Resolver maps a model id to the credentials sent with the request.
type Resolver interface {
	LookupModel(modelID string) (provider.Model, provider.Credentials, error)
}

// Accountant keeps token information for the wire log.
type Accountant interface {
	Refresh(model string, messages []models.WireMessage)
	Info() (models.TokenInfo, bool)
	Clear()
}

// Recorder stores the raw lines of every turn.
type Recorder interface {
	StartTurn(ctx context.Context, t transcript.Turn) error
	AppendFrame(ctx context.Context, turnID, line string) error
	FinishTurn(ctx context.Context, turnID, outcome, sessionID string) error
}

// Update describes one observable change of the conversation.
type Update struct {
	TurnID      string
	Touched     []string
	WireChanged bool
	Notice      *classify.Notice
	Closed      bool
}

// Options configures a Conversation. Streamer is required.
type Options struct {
	Streamer   Streamer
	Models     Resolver
	Accountant Accountant
	Recorder   Recorder
	Model      string
	Notices    classify.Policy
	Logger     *slog.Logger
	Projector  projector.Options
	NewTurnID  func() string
	// OnUpdate runs on the turn goroutine after every change.
	OnUpdate func(Update)
}

// Conversation runs turns against the backend and exposes the resulting
// logs. One goroutine at a time drives a turn; observers read copies.
type Conversation struct {
	streamer   Streamer
	resolver   Resolver
	accountant Accountant
	recorder   Recorder
	policy     classify.Policy
	logger     *slog.Logger
	newTurnID  func() string
	onUpdate   func(Update)

	mu      sync.RWMutex
	proj    *projector.Projector
	session *session.Tracker
	model   string
	notices []classify.Notice

	turnMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an empty conversation.
func New(opts Options) (*Conversation, error) {
	if opts.Streamer == nil {
		return nil, errors.New("streamer must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newTurnID := opts.NewTurnID
	if newTurnID == nil {
		newTurnID = func() string { return ulid.Make().String() }
	}
	projOpts := opts.Projector
	if projOpts.Logger == nil {
		projOpts.Logger = logger
	}

	return &Conversation{
		streamer:   opts.Streamer,
		resolver:   opts.Models,
		accountant: opts.Accountant,
		recorder:   opts.Recorder,
		policy:     opts.Notices,
		logger:     logger,
		newTurnID:  newTurnID,
		onUpdate:   opts.OnUpdate,
		proj:       projector.New(projOpts),
		session:    session.NewTracker(logger),
		model:      opts.Model,
	}, nil
}

// Submit sends text as the next user message and consumes the response
// until the stream ends. It returns the classified failure when the turn
// failed, nil when it completed or was cancelled, and ErrTurnInFlight when
// another turn is still running.
func (c *Conversation) Submit(ctx context.Context, text string) error {
	ctx, finish, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer finish()

	t := &turn{c: c, ctx: ctx, rec: context.WithoutCancel(ctx), id: c.newTurnID(), model: c.Model()}
	return t.run(text)
}

func (c *Conversation) begin(ctx context.Context) (context.Context, func(), error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if c.done != nil {
		return nil, nil, ErrTurnInFlight
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done

	return ctx, func() {
		cancel()
		c.turnMu.Lock()
		c.cancel, c.done = nil, nil
		c.turnMu.Unlock()
		close(done)
	}, nil
}

// Cancel aborts the turn in flight, if any. Content already projected is kept.
func (c *Conversation) Cancel() {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// InFlight reports whether a turn is streaming.
func (c *Conversation) InFlight() bool {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	return c.done != nil
}

// Reset starts a new conversation. A turn in flight is cancelled and
// waited for; both logs, the session, notices and token info are cleared.
func (c *Conversation) Reset() {
	c.turnMu.Lock()
	done := c.done
	if c.cancel != nil {
		c.cancel()
	}
	c.turnMu.Unlock()
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.proj.Reset()
	c.session.Reset()
	c.notices = nil
	c.mu.Unlock()

	if c.accountant != nil {
		c.accountant.Clear()
	}
	c.publish(Update{WireChanged: true, Closed: true})
}

// SetModel selects the model for subsequent turns.
func (c *Conversation) SetModel(id string) {
	c.mu.Lock()
	c.model = id
	c.mu.Unlock()
}

// Model returns the selected model.
func (c *Conversation) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// Messages returns a copy of the UI log.
func (c *Conversation) Messages() []models.UIMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proj.UI()
}

// Message returns a copy of one UI message.
func (c *Conversation) Message(id string) (models.UIMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proj.Message(id)
}

// Wire returns a copy of the wire log.
func (c *Conversation) Wire() []models.WireMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proj.Wire()
}

// Snapshot returns the last fragments seen on the stream.
func (c *Conversation) Snapshot() models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proj.Snapshot()
}

// State returns the projector state.
func (c *Conversation) State() projector.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proj.State()
}

// SessionID returns the backend session, or "".
func (c *Conversation) SessionID() string {
	return c.session.ID()
}

// Notices returns the pending user-facing notices, oldest first.
func (c *Conversation) Notices() []classify.Notice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.notices)
}

// DismissNotices clears all pending notices.
func (c *Conversation) DismissNotices() {
	c.mu.Lock()
	c.notices = nil
	c.mu.Unlock()
}

// TokenInfo returns the latest token accounting, if available.
func (c *Conversation) TokenInfo() (models.TokenInfo, bool) {
	if c.accountant == nil {
		return models.TokenInfo{}, false
	}
	return c.accountant.Info()
}

func (c *Conversation) publish(u Update) {
	if c.onUpdate == nil {
		return
	}
	if len(u.Touched) == 0 && !u.WireChanged && u.Notice == nil && !u.Closed {
		return
	}
	c.onUpdate(u)
}

func (c *Conversation) refresh(model string, wire []models.WireMessage) {
	if c.accountant != nil {
		c.accountant.Refresh(model, wire)
	}
}

// turn carries the per-submission state of one Submit call.
type turn struct {
	c     *Conversation
	ctx   context.Context
	rec   context.Context
	id    string
	model string
}

func (t *turn) run(text string) error {
	c := t.c

	c.mu.Lock()
	ch := c.proj.Submit(text)
	wire := c.proj.Wire()
	sessionID := c.session.ID()
	c.mu.Unlock()

	c.publish(Update{TurnID: t.id, Touched: ch.Touched, WireChanged: true})
	c.refresh(t.model, wire)

	if c.recorder != nil {
		err := c.recorder.StartTurn(t.rec, transcript.Turn{ID: t.id, Model: t.model, SessionID: sessionID, UserText: text})
		if err != nil {
			c.logger.Warn("transcript unavailable for turn", "turn", t.id, "error", err)
		}
	}

	req := client.Request{Messages: wire, Model: t.model, SessionID: sessionID}
	if c.resolver != nil {
		_, creds, err := c.resolver.LookupModel(t.model)
		if err != nil {
			return t.fail(&classify.Failure{Category: classify.ProviderError, Message: err.Error(), Err: err})
		}
		req.Credentials = creds
	}

	c.logger.Info("turn started", "turn", t.id, "model", t.model, "session_id", sessionID, "messages", len(wire))

	body, err := c.streamer.Stream(t.ctx, req)
	if err != nil {
		return t.transportError(err)
	}
	defer body.Close()

	return t.consume(body)
}

func (t *turn) consume(body io.Reader) error {
	c := t.c

	for line, err := range stream.Lines(body) {
		if err != nil {
			return t.transportError(fmt.Errorf("read stream: %w", err))
		}
		if t.ctx.Err() != nil {
			return t.transportError(t.ctx.Err())
		}
		t.record(line)

		ev, err := stream.Decode(line)
		if err != nil {
			c.logger.Warn("skipping malformed frame", "turn", t.id, "error", err)
			continue
		}

		if ev.Dropped != nil {
			c.logger.Warn("discarding undecodable frame payload", "turn", t.id, "error", ev.Dropped)
		}

		switch ev.Kind {
		case stream.EventIgnored:
			continue
		case stream.EventDone:
			t.close(transcript.OutcomeDone)
			return nil
		}

		for _, chunk := range ev.Chunks {
			if f := t.apply(chunk); f != nil {
				return f
			}
		}
	}

	if t.ctx.Err() != nil {
		return t.transportError(t.ctx.Err())
	}
	c.logger.Debug("stream ended without terminal sentinel", "turn", t.id)
	t.close(transcript.OutcomeEOF)
	return nil
}

// apply projects one chunk. A chunk carrying an error closes the turn and
// returns its classification.
func (t *turn) apply(chunk models.Chunk) *classify.Failure {
	c := t.c

	c.mu.Lock()
	c.session.Observe(chunk)

	if chunk.HasError() {
		f := classify.FromChunk(chunk.Error)
		ch := c.proj.Finish()
		notice, ok := c.policy.Notice(f)
		if ok {
			c.notices = append(c.notices, notice)
		}
		c.mu.Unlock()

		c.logger.Warn("stream reported error", "turn", t.id, "category", f.Category.String(), "error", f.Message)
		u := Update{TurnID: t.id, Touched: ch.Touched, WireChanged: ch.WireChanged, Closed: true}
		if ok {
			u.Notice = &notice
		}
		c.publish(u)
		t.finishRecord(transcript.OutcomeError)
		return f
	}

	ch := c.proj.Apply(chunk)
	var wire []models.WireMessage
	if ch.WireChanged {
		wire = c.proj.Wire()
	}
	c.mu.Unlock()

	c.publish(Update{TurnID: t.id, Touched: ch.Touched, WireChanged: ch.WireChanged})
	if ch.WireChanged {
		c.refresh(t.model, wire)
	}
	return nil
}

// transportError ends the turn after the request or the read loop failed.
// Cancellation is silent; any other failure replaces the open message with
// the failure text and raises a notice.
func (t *turn) transportError(err error) error {
	c := t.c

	f := classify.FromError(err)
	if t.ctx.Err() != nil {
		f = &classify.Failure{Category: classify.Cancelled, Err: err}
	}

	if f.Category == classify.Cancelled {
		c.mu.Lock()
		ch := c.proj.Abort()
		c.mu.Unlock()

		c.logger.Info("turn cancelled", "turn", t.id)
		c.publish(Update{TurnID: t.id, Touched: ch.Touched, Closed: true})
		t.finishRecord(transcript.OutcomeCancelled)
		return nil
	}

	return t.fail(f)
}

func (t *turn) fail(f *classify.Failure) error {
	c := t.c

	c.mu.Lock()
	ch := c.proj.Fail(projector.FailureText)
	notice, ok := c.policy.Notice(f)
	if ok {
		c.notices = append(c.notices, notice)
	}
	c.mu.Unlock()

	c.logger.Error("turn failed", "turn", t.id, "category", f.Category.String(), "error", f.Message)
	u := Update{TurnID: t.id, Touched: ch.Touched, WireChanged: ch.WireChanged, Closed: true}
	if ok {
		u.Notice = &notice
	}
	c.publish(u)
	t.finishRecord(transcript.OutcomeFailed)
	return f
}

func (t *turn) close(outcome string) {
	c := t.c

	c.mu.Lock()
	ch := c.proj.Finish()
	c.mu.Unlock()

	c.logger.Info("turn finished", "turn", t.id, "outcome", outcome)
	c.publish(Update{TurnID: t.id, Touched: ch.Touched, WireChanged: ch.WireChanged, Closed: true})
	t.finishRecord(outcome)
}

func (t *turn) record(line string) {
	if t.c.recorder == nil {
		return
	}
	if err := t.c.recorder.AppendFrame(t.rec, t.id, line); err != nil {
		t.c.logger.Debug("frame not recorded", "turn", t.id, "error", err)
	}
}

func (t *turn) finishRecord(outcome string) {
	if t.c.recorder == nil {
		return
	}
	if err := t.c.recorder.FinishTurn(t.rec, t.id, outcome, t.c.session.ID()); err != nil {
		t.c.logger.Debug("turn outcome not recorded", "turn", t.id, "error", err)
	}
}
