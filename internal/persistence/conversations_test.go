package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/basket/todo-chat/internal/persistence"
)

func TestStore_ConversationOwnership(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if conv.ID <= 0 {
		t.Fatalf("conversation id = %d", conv.ID)
	}
	if _, err := s.GetConversation(ctx, "bob", conv.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("bob get: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "bob", conv.ID, persistence.RoleUser, "hi"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("bob append: %v", err)
	}
	if _, err := s.ListMessages(ctx, "bob", conv.ID, 10); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("bob list: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "alice", 9999, persistence.RoleUser, "hi"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("append to missing conversation: %v", err)
	}
}

func TestStore_MessagesHistoryWindow(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i := 1; i <= 6; i++ {
		role := persistence.RoleUser
		if i%2 == 0 {
			role = persistence.RoleAssistant
		}
		if _, err := s.AppendMessage(ctx, "alice", conv.ID, role, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := s.ListMessages(ctx, "alice", conv.ID, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 6 || all[0].Content != "m1" || all[5].Content != "m6" {
		t.Fatalf("all = %+v", all)
	}

	window, err := s.ListMessages(ctx, "alice", conv.ID, 4)
	if err != nil {
		t.Fatalf("list window: %v", err)
	}
	got := make([]string, 0, len(window))
	for _, m := range window {
		got = append(got, m.Content)
	}
	if fmt.Sprint(got) != "[m3 m4 m5 m6]" {
		t.Fatalf("window = %v", got)
	}
	if window[0].Role != persistence.RoleUser || window[1].Role != persistence.RoleAssistant {
		t.Fatalf("roles = %s,%s", window[0].Role, window[1].Role)
	}
}

func TestStore_AppendMessageRejectsUnknownRole(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	conv, _ := s.CreateConversation(ctx, "alice")
	if _, err := s.AppendMessage(ctx, "alice", conv.ID, "system", "nope"); err == nil {
		t.Fatalf("expected error for role system")
	}
}

func TestStore_ListConversationsMostRecentFirst(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	older, _ := s.CreateConversation(ctx, "alice")
	newer, _ := s.CreateConversation(ctx, "alice")
	if _, err := s.CreateConversation(ctx, "bob"); err != nil {
		t.Fatalf("bob conversation: %v", err)
	}
	// Activity on the older conversation moves it to the front.
	if _, err := s.AppendMessage(ctx, "alice", older.ID, persistence.RoleUser, "bump"); err != nil {
		t.Fatalf("append: %v", err)
	}

	convs, err := s.ListConversations(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("alice has %d conversations", len(convs))
	}
	if convs[0].ID != older.ID || convs[1].ID != newer.ID {
		t.Fatalf("order = %d,%d", convs[0].ID, convs[1].ID)
	}

	limited, err := s.ListConversations(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited len = %d", len(limited))
	}
}

func TestStore_HistoryEndsAtOwnMessage(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	// Two overlapping turns: A's reply lands after B's user message.
	if _, err := s.AppendMessage(ctx, "alice", conv.ID, persistence.RoleUser, "A"); err != nil {
		t.Fatalf("append A: %v", err)
	}
	b, err := s.AppendMessage(ctx, "alice", conv.ID, persistence.RoleUser, "B")
	if err != nil {
		t.Fatalf("append B: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "alice", conv.ID, persistence.RoleAssistant, "A reply"); err != nil {
		t.Fatalf("append A reply: %v", err)
	}

	hist, err := s.History(ctx, "alice", conv.ID, b.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Content != "A" || hist[1].Content != "B" {
		t.Fatalf("history = %+v", hist)
	}
	if last := hist[len(hist)-1]; last.Role != persistence.RoleUser || last.ID != b.ID {
		t.Fatalf("last = %+v", last)
	}

	window, err := s.History(ctx, "alice", conv.ID, b.ID, 1)
	if err != nil {
		t.Fatalf("history window: %v", err)
	}
	if len(window) != 1 || window[0].Content != "B" {
		t.Fatalf("window = %+v", window)
	}

	if _, err := s.History(ctx, "bob", conv.ID, b.ID, 10); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("bob history: %v", err)
	}
}

func TestStore_MessageOrderSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "todochat.db")
	ctx := context.Background()

	s, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conv, err := s.CreateConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for i, content := range want {
		role := persistence.RoleUser
		if i%2 == 1 {
			role = persistence.RoleAssistant
		}
		if _, err := s.AppendMessage(ctx, "alice", conv.ID, role, content); err != nil {
			t.Fatalf("append %s: %v", content, err)
		}
	}
	before, err := s.ListMessages(ctx, "alice", conv.ID, 0)
	if err != nil {
		t.Fatalf("list before close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	after, err := reopened.ListMessages(ctx, "alice", conv.ID, 0)
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(after) != len(want) {
		t.Fatalf("got %d messages after reopen, want %d", len(after), len(want))
	}
	for i := range want {
		if after[i].Content != want[i] || after[i].ID != before[i].ID || after[i].Role != before[i].Role {
			t.Fatalf("message %d after reopen = %+v, before = %+v", i, after[i], before[i])
		}
	}
}
