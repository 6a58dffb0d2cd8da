// Package room reads and writes the shared call-room document: participant
// presence flags and pairwise signaling payload slots. It owns no state of
// its own; every operation is a per-field merge on the document store, so
// concurrent participants never clobber each other's writes.
package room

import (
	"encoding/json"

	"github.com/classpeer/classpeer/internal/docstore"
)

// Snapshot is one decoded state of a room document.
type Snapshot struct {
	// Participants maps participant id to presence. An entry is set to true
	// on join and flipped to false on leave, never deleted, so "left" and
	// "never joined" stay distinguishable.
	Participants map[string]bool

	// Signals maps sender id -> recipient id -> pending payload. Slots whose
	// stored value is an explicit null (a cleared signal) are omitted here:
	// a cleared slot reads the same as an empty one.
	Signals map[string]map[string]json.RawMessage

	// CreatedAt is the room creation time in unix milliseconds.
	CreatedAt int64
}

// PendingFor returns the payload addressed from sender to recipient, or nil
// when no signal is pending. Missing nested entries are not an error.
func (s Snapshot) PendingFor(sender, recipient string) json.RawMessage {
	outbound, ok := s.Signals[sender]
	if !ok {
		return nil
	}
	return outbound[recipient]
}

// decodeSnapshot converts a raw room document into a Snapshot. Decoding is
// total: missing or malformed fields yield empty maps, never a panic.
func decodeSnapshot(doc docstore.Value) Snapshot {
	snap := Snapshot{
		Participants: make(map[string]bool),
		Signals:      make(map[string]map[string]json.RawMessage),
	}
	if doc == nil {
		return snap
	}

	if raw, ok := asMap(doc["participants"]); ok {
		for id, v := range raw {
			if present, ok := v.(bool); ok {
				snap.Participants[id] = present
			}
		}
	}

	if raw, ok := asMap(doc["signals"]); ok {
		for sender, v := range raw {
			slots, ok := asMap(v)
			if !ok {
				continue
			}
			for recipient, payload := range slots {
				if payload == nil {
					continue // cleared slot
				}
				b, err := json.Marshal(payload)
				if err != nil {
					continue
				}
				if snap.Signals[sender] == nil {
					snap.Signals[sender] = make(map[string]json.RawMessage)
				}
				snap.Signals[sender][recipient] = b
			}
		}
	}

	switch t := doc["createdAt"].(type) {
	case float64:
		snap.CreatedAt = int64(t)
	case int64:
		snap.CreatedAt = t
	}

	return snap
}

// asMap accepts both shapes a nested document field arrives in: docstore.Value
// from the in-process store, plain map[string]any from JSON decoding.
func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case docstore.Value:
		return t, true
	default:
		return nil, false
	}
}
