package room

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/classpeer/classpeer/internal/docstore"
)

func newTestAdapter(t *testing.T) (*Adapter, *docstore.Memory) {
	t.Helper()
	mem := docstore.NewMemory()
	t.Cleanup(func() { mem.Close() })
	return NewAdapter(mem, "videoCalls"), mem
}

func TestEnsureRoomIdempotent(t *testing.T) {
	a, mem := newTestAdapter(t)
	ctx := context.Background()

	if err := a.EnsureRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	doc, _, _ := mem.Read(ctx, "videoCalls/r1")
	created := doc["createdAt"]

	if err := a.EnsureRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	doc, _, _ = mem.Read(ctx, "videoCalls/r1")
	if doc["createdAt"] != created {
		t.Fatal("second EnsureRoom rewrote the document")
	}
}

func TestPresenceLifecycle(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	if err := a.EnsureRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	var last Snapshot
	cancel, err := a.Subscribe("r1", func(s Snapshot) { last = s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := a.SetPresence(ctx, "r1", "alice", true); err != nil {
		t.Fatal(err)
	}
	if err := a.SetPresence(ctx, "r1", "bob", true); err != nil {
		t.Fatal(err)
	}
	if !last.Participants["alice"] || !last.Participants["bob"] {
		t.Fatalf("expected both present: %v", last.Participants)
	}

	// Leave flips to false, the entry stays.
	if err := a.SetPresence(ctx, "r1", "bob", false); err != nil {
		t.Fatal(err)
	}
	present, exists := last.Participants["bob"]
	if !exists {
		t.Fatal("leave deleted the participant entry")
	}
	if present {
		t.Fatal("leave did not flip presence to false")
	}
	if !last.Participants["alice"] {
		t.Fatal("alice's presence was disturbed")
	}
}

func TestSignalSlotLifecycle(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	if err := a.EnsureRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	var last Snapshot
	cancel, err := a.Subscribe("r1", func(s Snapshot) { last = s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	payload := json.RawMessage(`{"kind":"offer","sdp":{"type":"offer","sdp":"v=0"}}`)
	if err := a.PublishSignal(ctx, "r1", "alice", "bob", payload); err != nil {
		t.Fatal(err)
	}

	got := last.PendingFor("alice", "bob")
	if got == nil {
		t.Fatal("published signal not pending")
	}
	var decoded map[string]any
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("pending payload is not valid JSON: %v", err)
	}
	if decoded["kind"] != "offer" {
		t.Fatalf("payload mangled in transit: %v", decoded)
	}

	// A second slot from the same sender leaves the first alone.
	if err := a.PublishSignal(ctx, "r1", "alice", "carol", json.RawMessage(`"x"`)); err != nil {
		t.Fatal(err)
	}
	if last.PendingFor("alice", "bob") == nil {
		t.Fatal("publishing to carol clobbered bob's slot")
	}

	// Null clears: the slot reads as absent afterwards.
	if err := a.PublishSignal(ctx, "r1", "alice", "bob", nil); err != nil {
		t.Fatal(err)
	}
	if last.PendingFor("alice", "bob") != nil {
		t.Fatal("cleared slot still pending")
	}
	if last.PendingFor("alice", "carol") == nil {
		t.Fatal("clear disturbed an unrelated slot")
	}
}

func TestClearSignals(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	if err := a.EnsureRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	for _, to := range []string{"bob", "carol"} {
		if err := a.PublishSignal(ctx, "r1", "alice", to, json.RawMessage(`"hi"`)); err != nil {
			t.Fatal(err)
		}
	}

	if err := a.ClearSignals(ctx, "r1", "alice", "bob", "carol"); err != nil {
		t.Fatal(err)
	}

	var last Snapshot
	cancel, err := a.Subscribe("r1", func(s Snapshot) { last = s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if last.PendingFor("alice", "bob") != nil || last.PendingFor("alice", "carol") != nil {
		t.Fatalf("slots survived ClearSignals: %v", last.Signals)
	}

	// No recipients is a no-op, not an error.
	if err := a.ClearSignals(ctx, "r1", "alice"); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeSnapshotIsTotal(t *testing.T) {
	cases := map[string]docstore.Value{
		"nil document":        nil,
		"empty document":      {},
		"malformed fields":    {"participants": "nope", "signals": 7, "createdAt": "then"},
		"malformed sub-slots": {"signals": docstore.Value{"alice": "not-a-map"}},
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			snap := decodeSnapshot(doc)
			if snap.Participants == nil || snap.Signals == nil {
				t.Fatal("decode must always yield non-nil maps")
			}
		})
	}
}
