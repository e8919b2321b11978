package memory

import (
	"errors"
	"testing"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

func TestRoundTripAndIsolation(t *testing.T) {
	s := New()

	msg := store.Message{
		ID:        "msg_a",
		SessionID: "ses_a",
		Role:      store.RoleAssistant,
		Timestamp: 100,
		Parts: []store.Part{
			{ID: "prt_1", MessageID: "msg_a", Type: store.PartText, Text: "hi"},
		},
	}
	if err := s.SaveSession(store.Session{ID: "ses_a", Updated: 1}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.SaveMessage("ses_a", msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	msg.Parts[0].Text = "mutated"

	got, err := s.GetMessage("ses_a", "msg_a")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Parts[0].Text != "hi" {
		t.Errorf("stored part mutated: %q", got.Parts[0].Text)
	}
}

func TestListOrderAndDelete(t *testing.T) {
	s := New()

	for _, info := range []store.Session{
		{ID: "ses_b", Updated: 10},
		{ID: "ses_a", Updated: 30},
		{ID: "ses_c", Updated: 20},
	} {
		if err := s.SaveSession(info); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}
	list, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 3 || list[0].ID != "ses_a" || list[1].ID != "ses_c" || list[2].ID != "ses_b" {
		t.Fatalf("order: %+v", list)
	}

	if err := s.SaveMessage("ses_a", store.Message{ID: "msg_x", SessionID: "ses_a"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := s.DeleteSession("ses_a"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession("ses_a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	msgs, err := s.GetMessages("ses_a")
	if err != nil || len(msgs) != 0 {
		t.Errorf("messages survived delete: %v %v", msgs, err)
	}
}

func TestMessageOrder(t *testing.T) {
	s := New()
	for _, m := range []store.Message{
		{ID: "msg_c", SessionID: "ses_a", Timestamp: 200},
		{ID: "msg_a", SessionID: "ses_a", Timestamp: 100},
		{ID: "msg_b", SessionID: "ses_a", Timestamp: 200},
	} {
		if err := s.SaveMessage("ses_a", m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}
	msgs, err := s.GetMessages("ses_a")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if msgs[0].ID != "msg_a" || msgs[1].ID != "msg_b" || msgs[2].ID != "msg_c" {
		t.Errorf("order: %+v", msgs)
	}
}
