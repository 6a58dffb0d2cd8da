package call

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/classpeer/classpeer/internal/room"
)

// PeerHandle is the surface the tracker needs from a peer. *Peer satisfies
// it; tests substitute fakes.
type PeerHandle interface {
	ID() string
	FeedSignal(payload json.RawMessage) error
	Destroy()
}

// PeerFactory builds the transport for a newly seen remote participant.
type PeerFactory func(remoteID string, initiator bool) (PeerHandle, error)

// Tracker diffs room snapshots against the set of locally tracked peers and
// issues connect, feed and disconnect decisions. One snapshot cycle:
//
//  1. peers whose presence flag went false are destroyed;
//  2. inbound signals addressed to us create responder peers (or feed
//     existing ones);
//  3. for active participants with no peer and no pending signal, the side
//     whose id sorts first initiates, so exactly one side initiates per pair.
type Tracker struct {
	selfID  string
	roomID  string
	factory PeerFactory

	// onConsumed clears the sender's signal slot after a successful feed.
	onConsumed func(senderID string)
	// onRemoved reports a peer removed outside Apply's departure step
	// (feed failure); err is the cause.
	onRemoved func(peerID string, err error)

	mu      sync.Mutex
	peers   map[string]PeerHandle
	lastFed map[string]string // sender id -> fingerprint of last payload fed
	closed  bool
}

// NewTracker creates a tracker for the local participant. onConsumed and
// onRemoved may be nil.
func NewTracker(roomID, selfID string, factory PeerFactory, onConsumed func(string), onRemoved func(string, error)) *Tracker {
	return &Tracker{
		selfID:     selfID,
		roomID:     roomID,
		factory:    factory,
		onConsumed: onConsumed,
		onRemoved:  onRemoved,
		peers:      make(map[string]PeerHandle),
		lastFed:    make(map[string]string),
	}
}

// Apply processes one room snapshot. Snapshots must be delivered
// sequentially; the store client guarantees that.
func (t *Tracker) Apply(snap room.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	active := make(map[string]bool)
	for id, present := range snap.Participants {
		if present && id != t.selfID {
			active[id] = true
		}
	}

	// Departures first: a false presence flag tears the peer down within
	// one snapshot cycle.
	for id, ph := range t.peers {
		if !active[id] {
			delete(t.peers, id)
			delete(t.lastFed, id)
			ph.Destroy()
			log.Printf("CALL [%s]: peer %s left", t.roomID, id)
		}
	}

	// Inbound signals addressed to us. A sender without a tracked peer gets
	// a responder; the rest feed the existing one. Identical consecutive
	// payloads are skipped: the slot is last-write-wins and the clearing
	// null may not have landed yet.
	for sender := range snap.Signals {
		if sender == t.selfID || !active[sender] {
			continue
		}
		payload := snap.PendingFor(sender, t.selfID)
		if payload == nil {
			continue
		}
		if t.lastFed[sender] == string(payload) {
			continue
		}

		ph, ok := t.peers[sender]
		if !ok {
			created, err := t.factory(sender, false)
			if err != nil {
				log.Printf("CALL [%s]: create peer for %s: %v", t.roomID, sender, err)
				continue
			}
			t.peers[sender] = created
			ph = created
		}

		t.lastFed[sender] = string(payload)
		if err := ph.FeedSignal(payload); err != nil {
			nerr := &PeerNegotiationError{PeerID: sender, Err: err}
			log.Printf("CALL [%s]: %v", t.roomID, nerr)
			delete(t.peers, sender)
			delete(t.lastFed, sender)
			ph.Destroy()
			if t.onRemoved != nil {
				t.onRemoved(sender, nerr)
			}
			continue
		}
		if t.onConsumed != nil {
			t.onConsumed(sender)
		}
	}

	// Initiations. Ids are unique account ids; comparing them ordinally
	// picks exactly one initiator per pair. The side that sorts second
	// waits for the other's offer.
	for id := range active {
		if _, ok := t.peers[id]; ok {
			continue
		}
		if snap.PendingFor(id, t.selfID) != nil {
			continue
		}
		if t.selfID < id {
			created, err := t.factory(id, true)
			if err != nil {
				log.Printf("CALL [%s]: initiate to %s: %v", t.roomID, id, err)
				continue
			}
			t.peers[id] = created
			log.Printf("CALL [%s]: initiating to %s", t.roomID, id)
		}
	}
}

// Remove destroys and forgets one peer, if tracked. Used when a peer reports
// an error or close asynchronously.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	ph, ok := t.peers[id]
	delete(t.peers, id)
	delete(t.lastFed, id)
	t.mu.Unlock()
	if ok {
		ph.Destroy()
	}
}

// PeerIDs returns the ids of all tracked peers.
func (t *Tracker) PeerIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

// Close destroys every tracked peer. Destruction is best-effort: one peer's
// teardown cannot block the others. Idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	peers := t.peers
	t.peers = make(map[string]PeerHandle)
	t.lastFed = make(map[string]string)
	t.mu.Unlock()

	for _, ph := range peers {
		ph.Destroy()
	}
}
