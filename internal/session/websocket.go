package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/medinterp/internal/domain"
	"github.com/coder/websocket"
)

// ConversationLookup resolves the conversation a socket attaches to.
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
}

// WebSocketHandler serves the browser side of an interpreter session.
type WebSocketHandler struct {
	conversations ConversationLookup
	mgr           *Manager
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(conversations ConversationLookup, mgr *Manager, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		conversations: conversations,
		mgr:           mgr,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// wsMessage is a control message from the browser.
type wsMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	logger := h.logger.With("conversation_id", conversationID)
	logger.Info("WebSocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conv, err := h.conversations.GetConversation(r.Context(), conversationID)
	if err != nil {
		logger.Error("Failed to load conversation", "error", err)
		http.Error(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if conv.Status != domain.ConversationActive {
		http.Error(w, "conversation already ended", http.StatusConflict)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctl := h.mgr.GetOrCreate(conversationID)
	notes, unsubscribe := ctl.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	state := ctl.Snapshot()
	if err := h.writeJSON(ctx, ws, Notification{Type: NotifyState, State: &state}); err != nil {
		logger.Debug("Failed to send initial state", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: browser -> session.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, ctl, logger)
	}()

	// Output loop: session -> browser.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, notes, logger)
	}()

	wg.Wait()
	ctl.Disconnect("browser socket closed")
	logger.Info("Browser session ended")
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, ctl *Controller, logger *slog.Logger) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.replyError(ctx, ws, "invalid message")
			continue
		}

		switch msg.Type {
		case "connect":
			if err := ctl.Connect(ctx); err != nil {
				// The controller already surfaced the failure to subscribers.
				logger.Debug("Connect request failed", "error", err)
			}
		case "start":
			if err := ctl.StartRecording(ctx); err != nil {
				h.replyError(ctx, ws, err.Error())
			}
		case "stop":
			if err := ctl.StopRecording(ctx); err != nil {
				h.replyError(ctx, ws, err.Error())
			}
		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				h.replyError(ctx, ws, "invalid audio encoding")
				continue
			}
			if err := ctl.AppendAudio(ctx, pcm); err != nil {
				if errors.Is(err, ErrNotRecording) {
					continue
				}
				h.replyError(ctx, ws, err.Error())
			}
		case "disconnect":
			ctl.Disconnect("requested by client")
		case "ping":
			if err := h.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				logger.Debug("Failed to send pong", "error", err)
			}
		default:
			h.replyError(ctx, ws, "unknown message type: "+msg.Type)
		}
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, notes <-chan Notification, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, n); err != nil {
				if ctx.Err() == nil {
					logger.Debug("WebSocket write error", "error", err)
				}
				return
			}
		}
	}
}

func (h *WebSocketHandler) replyError(ctx context.Context, ws *websocket.Conn, msg string) {
	if err := h.writeJSON(ctx, ws, Notification{Type: NotifyError, Error: msg}); err != nil {
		h.logger.Debug("Failed to send error reply", "error", err)
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
