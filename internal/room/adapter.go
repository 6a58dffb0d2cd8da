package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/classpeer/classpeer/internal/docstore"
)

// Adapter translates room operations into merge-only writes on the document
// store. Write failures are returned to the caller and never fatal to a
// session; signaling is best-effort.
type Adapter struct {
	store  docstore.Store
	prefix string
}

// NewAdapter creates an adapter writing rooms under the given path prefix
// (documents live at "{prefix}/{roomID}").
func NewAdapter(store docstore.Store, prefix string) *Adapter {
	return &Adapter{store: store, prefix: prefix}
}

func (a *Adapter) docPath(roomID string) string {
	return a.prefix + "/" + roomID
}

// EnsureRoom creates the room document if absent. Idempotent: the first
// participant to join creates it, later joiners leave it untouched.
func (a *Adapter) EnsureRoom(ctx context.Context, roomID string) error {
	initial := docstore.Value{
		"participants": docstore.Value{},
		"signals":      docstore.Value{},
		"createdAt":    time.Now().UnixMilli(),
	}
	if err := a.store.CreateIfAbsent(ctx, a.docPath(roomID), initial); err != nil {
		return fmt.Errorf("ensure room %s: %w", roomID, err)
	}
	return nil
}

// SetPresence merges a single participant's presence flag.
func (a *Adapter) SetPresence(ctx context.Context, roomID, participantID string, present bool) error {
	patch := docstore.Value{
		"participants": docstore.Value{participantID: present},
	}
	if err := a.store.MergeUpdate(ctx, a.docPath(roomID), patch); err != nil {
		return fmt.Errorf("set presence %s/%s=%v: %w", roomID, participantID, present, err)
	}
	return nil
}

// PublishSignal merges one signaling payload into the sender's slot for the
// recipient. A nil payload writes an explicit null, clearing the slot.
func (a *Adapter) PublishSignal(ctx context.Context, roomID, fromID, toID string, payload json.RawMessage) error {
	var stored any
	if payload != nil {
		if err := json.Unmarshal(payload, &stored); err != nil {
			return fmt.Errorf("publish signal %s->%s: %w", fromID, toID, err)
		}
	}
	patch := docstore.Value{
		"signals": docstore.Value{fromID: docstore.Value{toID: stored}},
	}
	if err := a.store.MergeUpdate(ctx, a.docPath(roomID), patch); err != nil {
		return fmt.Errorf("publish signal %s->%s: %w", fromID, toID, err)
	}
	return nil
}

// ClearSignals nulls the sender's outbound slots for the given recipients.
func (a *Adapter) ClearSignals(ctx context.Context, roomID, fromID string, toIDs ...string) error {
	if len(toIDs) == 0 {
		return nil
	}
	slots := docstore.Value{}
	for _, to := range toIDs {
		slots[to] = nil
	}
	patch := docstore.Value{"signals": docstore.Value{fromID: slots}}
	if err := a.store.MergeUpdate(ctx, a.docPath(roomID), patch); err != nil {
		return fmt.Errorf("clear signals from %s: %w", fromID, err)
	}
	return nil
}

// Subscribe delivers a decoded Snapshot for every change to the room
// document. The returned cancel is the only cancellation primitive.
func (a *Adapter) Subscribe(roomID string, fn func(Snapshot)) (func(), error) {
	cancel, err := a.store.Subscribe(a.docPath(roomID), func(doc docstore.Value) {
		fn(decodeSnapshot(doc))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	return cancel, nil
}
