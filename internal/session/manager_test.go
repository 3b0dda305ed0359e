package session

import (
	"testing"
	"time"

	"github.com/ashureev/medinterp/internal/domain"
)

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	created := 0
	m := NewManager(func(id string) *Controller {
		created++
		return NewController(Options{ConversationID: id, Dialer: &fakeDialer{conn: newFakeConn()}})
	}, nil)

	a := m.GetOrCreate("c1")
	if b := m.GetOrCreate("c1"); b != a {
		t.Fatal("GetOrCreate returned a different controller for the same conversation")
	}
	m.GetOrCreate("c2")
	if created != 2 || m.Len() != 2 {
		t.Fatalf("created = %d, len = %d", created, m.Len())
	}

	notes, unsubscribe := a.Subscribe()
	defer unsubscribe()
	m.NotifyAction(&domain.Action{ID: "a1", ConversationID: "c1", Status: domain.ActionCompleted})
	select {
	case n := <-notes:
		if n.Type != NotifyAction || n.Action.ID != "a1" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("action notification not routed")
	}
	m.NotifyAction(&domain.Action{ID: "a2", ConversationID: "unknown"})

	m.Close("c1")
	if m.Get("c1") != nil {
		t.Fatal("closed controller still registered")
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("controller not closed")
	}

	m.CloseAll()
	if m.Len() != 0 {
		t.Fatalf("len after CloseAll = %d", m.Len())
	}
}
