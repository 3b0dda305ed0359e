package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/medinterp/internal/domain"
	"github.com/ashureev/medinterp/internal/realtime"
	"github.com/coder/websocket"
)

type fakeConversations map[string]*domain.Conversation

func (f fakeConversations) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	return f[id], nil
}

func readNotification(t *testing.T, ctx context.Context, ws *websocket.Conn) Notification {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return n
}

func TestWebSocketSession(t *testing.T) {
	conn := newFakeConn()
	store := &fakeStore{}
	mgr := NewManager(func(id string) *Controller {
		return NewController(Options{ConversationID: id, Dialer: &fakeDialer{conn: conn}, Store: store})
	}, nil)
	defer mgr.CloseAll()

	convs := fakeConversations{
		"c1":   {ID: "c1", Status: domain.ConversationActive},
		"done": {ID: "done", Status: domain.ConversationCompleted},
	}
	srv := httptest.NewServer(NewWebSocketHandler(convs, mgr, "*", true, nil))
	defer srv.Close()

	for path, want := range map[string]int{
		"/":                      http.StatusBadRequest,
		"/?conversation_id=nope": http.StatusNotFound,
		"/?conversation_id=done": http.StatusConflict,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?conversation_id=c1"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = ws.CloseNow() }()

	if n := readNotification(t, ctx, ws); n.Type != NotifyState || n.State.Phase != PhaseDisconnected {
		t.Fatalf("unexpected initial notification %+v", n)
	}

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"connect"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		n := readNotification(t, ctx, ws)
		if n.Type == NotifyState && n.State.Phase == PhaseConnected {
			break
		}
	}

	conn.push(t, realtime.TranscriptionCompleted{Transcript: "Do you have any allergies?"})
	for {
		n := readNotification(t, ctx, ws)
		if n.Type == NotifyUtterance {
			if n.Utterance.Role != domain.RoleDoctor || n.Utterance.Text != "Do you have any allergies?" {
				t.Fatalf("unexpected utterance %+v", n.Utterance)
			}
			break
		}
	}

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"pong"`) {
		t.Fatalf("expected pong, got %s", data)
	}

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n := readNotification(t, ctx, ws); n.Type != NotifyError || !strings.Contains(n.Error, "bogus") {
		t.Fatalf("unexpected reply %+v", n)
	}

	_ = ws.Close(websocket.StatusNormalClosure, "")
	ctl := mgr.Get("c1")
	eventually(t, func() bool { return ctl.Snapshot().Phase == PhaseDisconnected }, "closing the browser socket did not disconnect the session")
}
