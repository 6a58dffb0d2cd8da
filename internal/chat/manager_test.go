package chat

import (
	"context"
	"testing"

	"github.com/classpeer/classpeer/internal/docstore"
)

func openTestManager(t *testing.T, mem *docstore.Memory, selfID, name string) *Manager {
	t.Helper()
	m := NewManager(mem, selfID, name, 10)
	if err := m.Open(context.Background(), "algebra-101"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestChatSendAndReceive(t *testing.T) {
	mem := docstore.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	alice := openTestManager(t, mem, "alice", "Alice")
	bob := openTestManager(t, mem, "bob", "Bob")

	incoming, cancel := bob.Subscribe()
	defer cancel()

	if err := alice.Send(ctx, "hello class"); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-incoming:
		if msg.From != "alice" || msg.Name != "Alice" || msg.Content != "hello class" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	default:
		t.Fatal("bob never received the message")
	}

	if got := len(bob.History()); got != 1 {
		t.Fatalf("history has %d messages, want 1", got)
	}
	if got := len(alice.History()); got != 1 {
		t.Fatalf("sender history has %d messages, want 1", got)
	}
}

func TestChatNoDuplicateDelivery(t *testing.T) {
	mem := docstore.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	alice := openTestManager(t, mem, "alice", "Alice")
	bob := openTestManager(t, mem, "bob", "Bob")

	if err := alice.Send(ctx, "one"); err != nil {
		t.Fatal(err)
	}
	// An unrelated write redelivers the whole document; the message diff
	// must not re-emit already seen entries.
	if err := bob.MarkRead(ctx); err != nil {
		t.Fatal(err)
	}

	if got := len(bob.History()); got != 1 {
		t.Fatalf("history has %d messages after redelivery, want 1", got)
	}
}

func TestChatHistoryReplayOnOpen(t *testing.T) {
	mem := docstore.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	alice := openTestManager(t, mem, "alice", "Alice")
	for _, text := range []string{"first", "second", "third"} {
		if err := alice.Send(ctx, text); err != nil {
			t.Fatal(err)
		}
	}

	// A latecomer sees existing history in order.
	late := openTestManager(t, mem, "carol", "Carol")
	hist := late.History()
	if len(hist) != 3 {
		t.Fatalf("latecomer history has %d messages, want 3", len(hist))
	}
	for i, want := range []string{"first", "second", "third"} {
		if hist[i].Content != want {
			t.Fatalf("history[%d] = %q, want %q", i, hist[i].Content, want)
		}
	}
}

func TestChatUnreadCount(t *testing.T) {
	mem := docstore.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	alice := openTestManager(t, mem, "alice", "Alice")
	bob := openTestManager(t, mem, "bob", "Bob")

	if err := alice.Send(ctx, "ping"); err != nil {
		t.Fatal(err)
	}
	if got := bob.UnreadCount(); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
	// Own messages never count as unread.
	if got := alice.UnreadCount(); got != 0 {
		t.Fatalf("sender unread = %d, want 0", got)
	}

	if err := bob.MarkRead(ctx); err != nil {
		t.Fatal(err)
	}
	if got := bob.UnreadCount(); got != 0 {
		t.Fatalf("unread after MarkRead = %d, want 0", got)
	}
}

func TestChatValidation(t *testing.T) {
	mem := docstore.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	t.Run("empty message rejected", func(t *testing.T) {
		m := openTestManager(t, mem, "alice", "Alice")
		if err := m.Send(ctx, ""); err == nil {
			t.Fatal("empty message accepted")
		}
	})

	t.Run("send before open rejected", func(t *testing.T) {
		m := NewManager(mem, "bob", "Bob", 10)
		if err := m.Send(ctx, "hi"); err == nil {
			t.Fatal("send on unopened channel accepted")
		}
	})

	t.Run("bad participant id rejected", func(t *testing.T) {
		m := NewManager(mem, "has spaces", "X", 10)
		if err := m.Open(ctx, "c1"); err == nil {
			t.Fatal("invalid participant id accepted")
		}
	})
}
