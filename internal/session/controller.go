// Package session runs interpreter sessions: one controller per conversation
// owns the speech-translation connection, consumes its events on a single
// loop, and fans state changes out to browser subscribers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/medinterp/internal/classify"
	"github.com/ashureev/medinterp/internal/domain"
	"github.com/ashureev/medinterp/internal/realtime"
	"github.com/google/uuid"
)

var (
	// ErrNotConnected is returned by recording operations outside the connected phase.
	ErrNotConnected = errors.New("session not connected")

	// ErrNotRecording is returned when audio arrives while recording is off.
	ErrNotRecording = errors.New("session not recording")

	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("session closed")
)

// Phase is the connection phase of a session.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
)

// State is a point-in-time view of a session.
type State struct {
	Phase           Phase       `json:"phase"`
	Recording       bool        `json:"isRecording"`
	LastTranslation *string     `json:"lastTranslation"`
	Err             *string     `json:"error"`
	LastSpeakerLang domain.Lang `json:"lastSpeakerLang,omitempty"`
}

// Notification kinds.
const (
	NotifyState       = "state"
	NotifyUtterance   = "utterance"
	NotifyTranslation = "translation"
	NotifyPlayback    = "playback"
	NotifyAction      = "action"
	NotifyError       = "error"
)

// Notification is a change pushed to subscribers.
type Notification struct {
	Type      string            `json:"type"`
	State     *State            `json:"state,omitempty"`
	Utterance *domain.Utterance `json:"utterance,omitempty"`
	Action    *domain.Action    `json:"action,omitempty"`
	Text      string            `json:"text,omitempty"`
	Lang      domain.Lang       `json:"lang,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Dialer opens the speech-translation connection.
type Dialer interface {
	Dial(ctx context.Context) (realtime.Conn, error)
}

// UtteranceStore persists utterances.
type UtteranceStore interface {
	AddUtterance(ctx context.Context, u *domain.Utterance) error
}

// ActionSubmitter records detected actions and starts their execution.
type ActionSubmitter interface {
	Submit(ctx context.Context, conversationID, actionType string, params json.RawMessage) (string, error)
}

// Options configures a Controller.
type Options struct {
	ConversationID string
	Dialer         Dialer
	Store          UtteranceStore
	Actions        ActionSubmitter
	// Player replays cached translations. Defaults to a playback notification.
	Player Player
	Log    TranscriptLog
	Logger *slog.Logger
	// QueueSize bounds pending persistence jobs.
	QueueSize int
}

const (
	subscriberBuffer = 64
	flushTimeout     = 5 * time.Second

	// bufferErrorWindow is how long after a clear or commit a "buffer too
	// small" reply is treated as transient.
	bufferErrorWindow = 3 * time.Second
)

// Controller owns one interpreter session.
type Controller struct {
	id      string
	dialer  Dialer
	store   UtteranceStore
	actions ActionSubmitter
	player  Player
	log     TranscriptLog
	logger  *slog.Logger
	queue   *PersistQueue
	now     func() time.Time

	mu            sync.Mutex
	state         State
	lastTransLang domain.Lang
	conn          realtime.Conn
	loopCancel    context.CancelFunc
	loopDone      chan struct{}
	bufferOpAt    time.Time
	subs          map[int]chan Notification
	nextSub       int
	closed        bool
	seenCalls     map[string]struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// NewController creates a disconnected controller.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conversation_id", opts.ConversationID)

	c := &Controller{
		id:        opts.ConversationID,
		dialer:    opts.Dialer,
		store:     opts.Store,
		actions:   opts.Actions,
		log:       opts.Log,
		logger:    logger,
		queue:     NewPersistQueue(opts.ConversationID, opts.QueueSize, logger),
		now:       time.Now,
		state:     State{Phase: PhaseDisconnected},
		subs:      make(map[int]chan Notification),
		seenCalls: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	if c.log == nil {
		c.log = noopTranscriptLog{}
	}
	c.player = opts.Player
	if c.player == nil {
		c.player = c.notificationPlayer()
	}
	return c
}

// ConversationID returns the conversation this session records into.
func (c *Controller) ConversationID() string {
	return c.id
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	if s.LastTranslation != nil {
		s.LastTranslation = domain.Ptr(*s.LastTranslation)
	}
	if s.Err != nil {
		s.Err = domain.Ptr(*s.Err)
	}
	return s
}

// Subscribe registers for notifications. The returned function unsubscribes
// and closes the channel. Slow subscribers miss notifications rather than
// blocking the session.
func (c *Controller) Subscribe() (<-chan Notification, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Notification, subscriberBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Done is closed once the controller has been closed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) publish(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(n)
}

func (c *Controller) publishLocked(n Notification) {
	for id, ch := range c.subs {
		select {
		case ch <- n:
		default:
			c.logger.Debug("Subscriber backlog full, dropping notification", "subscriber", id, "type", n.Type)
		}
	}
}

func (c *Controller) publishStateLocked() {
	s := c.snapshotLocked()
	c.publishLocked(Notification{Type: NotifyState, State: &s})
}

// PublishAction forwards an action change to subscribers.
func (c *Controller) PublishAction(a *domain.Action) {
	c.publish(Notification{Type: NotifyAction, Action: a})
}

// Connect dials the speech-translation service and starts the event loop.
// It is a no-op unless the session is disconnected.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Phase != PhaseDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state.Phase = PhaseConnecting
	c.state.Err = nil
	c.publishStateLocked()
	c.mu.Unlock()

	c.logger.Info("Connecting session")
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		msg := "Connection failed: " + err.Error()
		c.mu.Lock()
		if c.state.Phase == PhaseConnecting {
			c.state.Phase = PhaseDisconnected
		}
		c.state.Err = &msg
		c.publishStateLocked()
		c.publishLocked(Notification{Type: NotifyError, Error: msg})
		c.mu.Unlock()

		c.logger.Error("Session connect failed", "error", err)
		c.log.Log(TranscriptEntry{ConversationID: c.id, Kind: "error", Error: msg})
		return fmt.Errorf("connect session: %w", err)
	}

	c.mu.Lock()
	if c.state.Phase != PhaseConnecting {
		// Disconnected or closed while dialing.
		c.mu.Unlock()
		if closeErr := conn.Close(); closeErr != nil {
			c.logger.Debug("Failed to close abandoned connection", "error", closeErr)
		}
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.conn = conn
	c.loopCancel = cancel
	c.loopDone = done
	c.state.Phase = PhaseConnected
	c.publishStateLocked()
	c.mu.Unlock()

	go c.run(loopCtx, conn, done)

	c.logger.Info("Session connected")
	return nil
}

// StartRecording clears the remote input buffer and begins accepting audio.
func (c *Controller) StartRecording(ctx context.Context) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	if c.Snapshot().Recording {
		return nil
	}
	if err := conn.Send(ctx, realtime.ClearAudio{}); err != nil {
		return fmt.Errorf("clear input buffer: %w", err)
	}

	c.mu.Lock()
	c.state.Recording = true
	c.bufferOpAt = c.now()
	c.publishStateLocked()
	c.mu.Unlock()
	return nil
}

// StopRecording commits buffered audio as a turn and stops accepting audio.
func (c *Controller) StopRecording(ctx context.Context) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	if !c.Snapshot().Recording {
		return nil
	}

	c.mu.Lock()
	c.state.Recording = false
	c.bufferOpAt = c.now()
	c.publishStateLocked()
	c.mu.Unlock()

	if err := conn.Send(ctx, realtime.CommitAudio{}); err != nil {
		return fmt.Errorf("commit input buffer: %w", err)
	}
	return nil
}

// AppendAudio forwards a chunk of PCM16 audio.
func (c *Controller) AppendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	conn := c.conn
	phase := c.state.Phase
	recording := c.state.Recording
	c.mu.Unlock()

	if phase != PhaseConnected || conn == nil {
		return ErrNotConnected
	}
	if !recording {
		return ErrNotRecording
	}
	return conn.Send(ctx, realtime.AppendAudio{PCM: pcm})
}

func (c *Controller) connected() (realtime.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseConnected || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Disconnect stops the event loop, releases the connection, and flushes
// pending persistence. It is safe from any phase.
func (c *Controller) Disconnect(reason string) {
	c.mu.Lock()
	conn := c.conn
	cancel := c.loopCancel
	done := c.loopDone
	changed := c.state.Phase != PhaseDisconnected || c.state.Recording
	c.conn = nil
	c.loopCancel = nil
	c.loopDone = nil
	c.state.Phase = PhaseDisconnected
	c.state.Recording = false
	if changed {
		c.publishStateLocked()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("Failed to close realtime connection", "error", err)
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(flushTimeout):
			c.logger.Warn("Event loop did not stop in time")
		}
	}
	c.queue.Flush(flushTimeout)

	if changed {
		c.logger.Info("Session disconnected", "reason", reason)
	}
}

// Close disconnects, drains persistence, and ends every subscription.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.Disconnect("closed")
		c.queue.Close(flushTimeout)

		c.mu.Lock()
		c.closed = true
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// run is the single consumer of the connection's events.
func (c *Controller) run(ctx context.Context, conn realtime.Conn, done chan struct{}) {
	defer close(done)

	for ev, err := range realtime.Stream(ctx, conn) {
		if err != nil {
			var derr *realtime.DecodeError
			if errors.As(err, &derr) {
				c.logger.Warn("Dropping undecodable event", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.fail(conn, "Connection failed: "+err.Error())
			return
		}
		c.handleEvent(ctx, ev)
	}
}

// fail tears the session down after a transport fault.
func (c *Controller) fail(conn realtime.Conn, msg string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.loopCancel = nil
	c.loopDone = nil
	c.state.Phase = PhaseDisconnected
	c.state.Recording = false
	c.state.Err = &msg
	c.publishStateLocked()
	c.publishLocked(Notification{Type: NotifyError, Error: msg})
	c.mu.Unlock()

	if err := conn.Close(); err != nil {
		c.logger.Debug("Failed to close failed connection", "error", err)
	}
	c.logger.Error("Session transport failed", "error", msg)
	c.log.Log(TranscriptEntry{ConversationID: c.id, Kind: "error", Error: msg})
}

func (c *Controller) handleEvent(ctx context.Context, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.TranscriptionCompleted:
		c.onTranscription(ctx, e.Transcript)
	case realtime.TranslationCompleted:
		c.onTranslation(e.Transcript)
	case realtime.FunctionCallDelta:
		c.logger.Debug("Function call arguments streaming", "call_id", e.CallID, "bytes", len(e.Arguments))
	case realtime.FunctionCallDone:
		c.onFunctionCall(ctx, e.CallID, e.Name, e.Arguments)
	case realtime.ToolCalls:
		for _, call := range e.Calls {
			c.onFunctionCall(ctx, call.ID, call.Name, call.Arguments)
		}
	case realtime.Error:
		c.onServiceError(e)
	case realtime.Unknown:
		c.logger.Debug("Ignoring realtime event", "type", e.Type)
	}
}

func (c *Controller) onTranscription(ctx context.Context, transcript string) {
	text := strings.TrimSpace(transcript)
	if !classify.IsMeaningful(text) {
		c.logger.Debug("Dropping noise transcript", "text", text)
		return
	}

	if classify.IsRepeatCommand(text) {
		c.replay(ctx)
		return
	}

	lang := classify.DetectLanguage(text)
	u := &domain.Utterance{
		ID:             uuid.NewString(),
		ConversationID: c.id,
		Role:           domain.RoleForLang(lang),
		Text:           text,
		OriginalLang:   lang,
		Timestamp:      c.now(),
	}

	c.mu.Lock()
	c.state.LastSpeakerLang = lang
	c.mu.Unlock()

	c.persist(u)
	c.publish(Notification{Type: NotifyUtterance, Utterance: u})
	c.log.Log(TranscriptEntry{
		ConversationID: c.id, Kind: "utterance",
		Role: string(u.Role), Lang: string(lang), Text: text,
	})
}

func (c *Controller) onTranslation(transcript string) {
	text := strings.TrimSpace(transcript)
	if !classify.IsMeaningful(text) {
		c.logger.Debug("Dropping noise translation", "text", text)
		return
	}

	c.mu.Lock()
	lang := domain.LangSpanish
	if c.state.LastSpeakerLang == domain.LangSpanish {
		lang = domain.LangEnglish
	}
	c.state.LastTranslation = domain.Ptr(text)
	c.lastTransLang = lang
	c.mu.Unlock()

	u := &domain.Utterance{
		ID:             uuid.NewString(),
		ConversationID: c.id,
		Role:           domain.RoleSystem,
		Text:           text,
		OriginalLang:   lang,
		Timestamp:      c.now(),
	}
	c.persist(u)
	c.publish(Notification{Type: NotifyTranslation, Utterance: u, Text: text, Lang: lang})
	c.log.Log(TranscriptEntry{
		ConversationID: c.id, Kind: "translation",
		Role: string(u.Role), Lang: string(lang), Text: text,
	})
}

func (c *Controller) replay(ctx context.Context) {
	c.mu.Lock()
	var text string
	if c.state.LastTranslation != nil {
		text = *c.state.LastTranslation
	}
	lang := c.lastTransLang
	c.mu.Unlock()

	if text == "" {
		c.logger.Info("Repeat requested with no cached translation")
		return
	}
	if err := c.player.Play(ctx, text, lang); err != nil {
		c.logger.Warn("Failed to replay translation", "error", err)
		return
	}
	c.logger.Info("Replayed last translation")
	c.log.Log(TranscriptEntry{ConversationID: c.id, Kind: "repeat", Lang: string(lang), Text: text})
}

func (c *Controller) onFunctionCall(ctx context.Context, callID, name, arguments string) {
	if name != realtime.DetectActionTool {
		c.logger.Debug("Ignoring function call", "name", name)
		return
	}
	if c.seenCall(callID, arguments) {
		c.logger.Debug("Ignoring duplicate function call", "call_id", callID)
		return
	}

	call, err := realtime.ParseActionArguments(arguments)
	if err != nil {
		c.logger.Warn("Dropping unparseable action call", "call_id", callID, "error", err)
		return
	}
	if c.actions == nil {
		return
	}

	actionID, err := c.actions.Submit(ctx, c.id, call.ActionType, call.Parameters)
	if err != nil {
		c.logger.Error("Failed to submit detected action", "action", call.ActionType, "error", err)
		return
	}
	c.log.Log(TranscriptEntry{
		ConversationID: c.id, Kind: "action",
		ActionID: actionID, ActionType: call.ActionType, Text: string(call.Parameters),
	})
}

// seenCall records a function call and reports whether it was already handled.
// The same call can arrive as function_call_done and again inside tool_calls,
// with or without its ID. Calls with an ID match by ID or by the arguments of
// an earlier ID-less call; ID-less calls match by arguments.
func (c *Controller) seenCall(callID, arguments string) bool {
	argsKey := "args:" + arguments
	anonKey := "anon:" + arguments
	if callID == "" {
		_, dup := c.seenCalls[argsKey]
		c.seenCalls[argsKey] = struct{}{}
		c.seenCalls[anonKey] = struct{}{}
		return dup
	}

	idKey := "id:" + callID
	_, byID := c.seenCalls[idKey]
	_, byAnon := c.seenCalls[anonKey]
	c.seenCalls[idKey] = struct{}{}
	c.seenCalls[argsKey] = struct{}{}
	return byID || byAnon
}

func (c *Controller) onServiceError(e realtime.Error) {
	if strings.Contains(strings.ToLower(e.Message), "buffer too small") {
		c.mu.Lock()
		opAt := c.bufferOpAt
		since := c.now().Sub(opAt)
		c.mu.Unlock()
		if !opAt.IsZero() && since <= bufferErrorWindow {
			c.logger.Debug("Ignoring transient buffer error", "since_buffer_op", since)
			return
		}
	}

	msg := "API Error: " + e.Message
	c.mu.Lock()
	c.state.Err = &msg
	c.publishStateLocked()
	c.publishLocked(Notification{Type: NotifyError, Error: msg})
	c.mu.Unlock()

	c.logger.Warn("Realtime service error", "type", e.Type, "code", e.Code, "message", e.Message)
	c.log.Log(TranscriptEntry{ConversationID: c.id, Kind: "error", Error: msg})
}

func (c *Controller) persist(u *domain.Utterance) {
	if c.store == nil {
		return
	}
	c.queue.Enqueue("add_utterance", func(ctx context.Context) error {
		return c.store.AddUtterance(ctx, u)
	})
}
