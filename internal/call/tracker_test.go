package call

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/classpeer/classpeer/internal/room"
)

type fakePeer struct {
	id        string
	initiator bool
	fed       []json.RawMessage
	feedErr   error
	destroyed int
}

func (f *fakePeer) ID() string { return f.id }
func (f *fakePeer) FeedSignal(raw json.RawMessage) error {
	f.fed = append(f.fed, raw)
	return f.feedErr
}
func (f *fakePeer) Destroy() { f.destroyed++ }

type fakeFactory struct {
	created map[string]*fakePeer
	err     error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(map[string]*fakePeer)}
}

func (f *fakeFactory) make(remoteID string, initiator bool) (PeerHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{id: remoteID, initiator: initiator}
	f.created[remoteID] = p
	return p, nil
}

func snapWith(participants map[string]bool, signals map[string]map[string]json.RawMessage) room.Snapshot {
	if signals == nil {
		signals = map[string]map[string]json.RawMessage{}
	}
	return room.Snapshot{Participants: participants, Signals: signals}
}

func TestTrackerTieBreak(t *testing.T) {
	t.Run("lower id initiates", func(t *testing.T) {
		f := newFakeFactory()
		tr := NewTracker("room", "alice", f.make, nil, nil)
		defer tr.Close()

		tr.Apply(snapWith(map[string]bool{"alice": true, "bob": true}, nil))

		p, ok := f.created["bob"]
		if !ok {
			t.Fatal("alice should have initiated to bob")
		}
		if !p.initiator {
			t.Fatal("alice's peer should be the initiating side")
		}
	})

	t.Run("higher id waits", func(t *testing.T) {
		f := newFakeFactory()
		tr := NewTracker("room", "bob", f.make, nil, nil)
		defer tr.Close()

		tr.Apply(snapWith(map[string]bool{"alice": true, "bob": true}, nil))

		if _, ok := f.created["alice"]; ok {
			t.Fatal("bob must wait for alice's offer, not initiate")
		}
	})

	t.Run("self is never a peer", func(t *testing.T) {
		f := newFakeFactory()
		tr := NewTracker("room", "alice", f.make, nil, nil)
		defer tr.Close()

		tr.Apply(snapWith(map[string]bool{"alice": true}, nil))

		if len(f.created) != 0 {
			t.Fatalf("created peers for a solo room: %v", f.created)
		}
	})
}

func TestTrackerInboundSignalCreatesResponder(t *testing.T) {
	f := newFakeFactory()
	consumed := []string{}
	tr := NewTracker("room", "bob", f.make, func(s string) { consumed = append(consumed, s) }, nil)
	defer tr.Close()

	offer := json.RawMessage(`{"kind":"offer","sdp":{"type":"offer","sdp":"v=0"}}`)
	tr.Apply(snapWith(
		map[string]bool{"alice": true, "bob": true},
		map[string]map[string]json.RawMessage{"alice": {"bob": offer}},
	))

	p, ok := f.created["alice"]
	if !ok {
		t.Fatal("inbound offer should create a responder peer")
	}
	if p.initiator {
		t.Fatal("responder peer must not be the initiating side")
	}
	if len(p.fed) != 1 {
		t.Fatalf("expected one fed signal, got %d", len(p.fed))
	}
	if len(consumed) != 1 || consumed[0] != "alice" {
		t.Fatalf("expected consumed callback for alice, got %v", consumed)
	}
}

func TestTrackerIgnoresInactiveAndSelfSenders(t *testing.T) {
	f := newFakeFactory()
	tr := NewTracker("room", "bob", f.make, nil, nil)
	defer tr.Close()

	offer := json.RawMessage(`{"kind":"offer"}`)
	tr.Apply(snapWith(
		map[string]bool{"alice": false, "bob": true},
		map[string]map[string]json.RawMessage{
			"alice": {"bob": offer}, // departed sender
			"bob":   {"bob": offer}, // own slot
		},
	))

	if len(f.created) != 0 {
		t.Fatalf("created peers for inactive or self senders: %v", f.created)
	}
}

func TestTrackerDuplicatePayloadFedOnce(t *testing.T) {
	f := newFakeFactory()
	tr := NewTracker("room", "bob", f.make, nil, nil)
	defer tr.Close()

	offer := json.RawMessage(`{"kind":"offer","sdp":{"type":"offer","sdp":"v=0"}}`)
	snap := snapWith(
		map[string]bool{"alice": true, "bob": true},
		map[string]map[string]json.RawMessage{"alice": {"bob": offer}},
	)

	// The clearing null may lag; the same slot content shows up twice.
	tr.Apply(snap)
	tr.Apply(snap)

	if got := len(f.created["alice"].fed); got != 1 {
		t.Fatalf("duplicate slot content fed %d times, want 1", got)
	}
}

func TestTrackerFeedFailureRemovesPeer(t *testing.T) {
	f := newFakeFactory()
	var removedID string
	var removedErr error
	tr := NewTracker("room", "bob", f.make, nil, func(id string, err error) {
		removedID, removedErr = id, err
	})
	defer tr.Close()

	// First snapshot creates the peer.
	offer1 := json.RawMessage(`{"kind":"offer","sdp":{"type":"offer","sdp":"one"}}`)
	tr.Apply(snapWith(
		map[string]bool{"alice": true, "bob": true},
		map[string]map[string]json.RawMessage{"alice": {"bob": offer1}},
	))
	p := f.created["alice"]
	p.feedErr = errors.New("sdp rejected")

	// Second, different payload hits the failure.
	offer2 := json.RawMessage(`{"kind":"offer","sdp":{"type":"offer","sdp":"two"}}`)
	tr.Apply(snapWith(
		map[string]bool{"alice": true, "bob": true},
		map[string]map[string]json.RawMessage{"alice": {"bob": offer2}},
	))

	if p.destroyed != 1 {
		t.Fatalf("failed peer destroyed %d times, want 1", p.destroyed)
	}
	if removedID != "alice" {
		t.Fatalf("onRemoved got %q, want alice", removedID)
	}
	var nerr *PeerNegotiationError
	if !errors.As(removedErr, &nerr) || nerr.PeerID != "alice" {
		t.Fatalf("expected PeerNegotiationError for alice, got %v", removedErr)
	}
}

func TestTrackerDepartureDestroysPeer(t *testing.T) {
	f := newFakeFactory()
	tr := NewTracker("room", "alice", f.make, nil, nil)
	defer tr.Close()

	tr.Apply(snapWith(map[string]bool{"alice": true, "bob": true}, nil))
	p := f.created["bob"]

	// Presence flips false; the entry stays in the document.
	tr.Apply(snapWith(map[string]bool{"alice": true, "bob": false}, nil))

	if p.destroyed != 1 {
		t.Fatalf("departed peer destroyed %d times, want 1", p.destroyed)
	}
	if ids := tr.PeerIDs(); len(ids) != 0 {
		t.Fatalf("departed peer still tracked: %v", ids)
	}

	// Re-applying the same snapshot must not destroy again.
	tr.Apply(snapWith(map[string]bool{"alice": true, "bob": false}, nil))
	if p.destroyed != 1 {
		t.Fatal("repeated departure snapshot destroyed the peer again")
	}
}

func TestTrackerPendingInboundSuppressesInitiation(t *testing.T) {
	f := newFakeFactory()
	tr := NewTracker("room", "alice", f.make, nil, nil)
	defer tr.Close()

	// Alice would initiate to bob, but bob's offer is already in flight;
	// the inbound step must win to avoid glare.
	offer := json.RawMessage(`{"kind":"offer","sdp":{"type":"offer","sdp":"v=0"}}`)
	tr.Apply(snapWith(
		map[string]bool{"alice": true, "bob": true},
		map[string]map[string]json.RawMessage{"bob": {"alice": offer}},
	))

	p := f.created["bob"]
	if p == nil {
		t.Fatal("no peer for bob")
	}
	if p.initiator {
		t.Fatal("should have answered bob's pending offer, not initiated")
	}
}

func TestTrackerClose(t *testing.T) {
	f := newFakeFactory()
	tr := NewTracker("room", "alice", f.make, nil, nil)

	tr.Apply(snapWith(map[string]bool{"alice": true, "bob": true, "carol": true}, nil))

	tr.Close()
	tr.Close()

	for id, p := range f.created {
		if p.destroyed != 1 {
			t.Fatalf("peer %s destroyed %d times, want 1", id, p.destroyed)
		}
	}

	// Apply after Close is a no-op.
	tr.Apply(snapWith(map[string]bool{"alice": true, "dave": true}, nil))
	if _, ok := f.created["dave"]; ok {
		t.Fatal("closed tracker created a peer")
	}
}
