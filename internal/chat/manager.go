// Package chat implements course text channels on top of the document store.
// Each course has one document holding a messages map and per-participant
// read cursors; messages are merge-only writes keyed by a fresh uuid, so
// concurrent senders never clobber each other.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/classpeer/classpeer/internal/docstore"
	"github.com/classpeer/classpeer/internal/util"

	"github.com/google/uuid"
)

const collection = "chats"

// Manager owns one participant's view of one course channel: history, the
// unseen-message diff against store snapshots, and the read cursor.
type Manager struct {
	store  docstore.Store
	selfID string
	name   string

	mu       sync.Mutex
	courseID string
	seen     map[string]bool
	history  *util.RingBuffer[Message]
	cursors  map[string]int64
	cancel   func()
	closed   bool

	listenerMu sync.RWMutex
	listeners  map[chan Message]struct{}
}

// NewManager creates a manager for the local participant. historySize bounds
// the retained message history.
func NewManager(store docstore.Store, selfID, displayName string, historySize int) *Manager {
	return &Manager{
		store:     store,
		selfID:    selfID,
		name:      displayName,
		seen:      make(map[string]bool),
		history:   util.NewRingBuffer[Message](historySize),
		cursors:   make(map[string]int64),
		listeners: make(map[chan Message]struct{}),
	}
}

// Open ensures the channel document exists and starts following it. The
// initial snapshot replays existing history, oldest first.
func (m *Manager) Open(ctx context.Context, courseID string) error {
	if _, err := util.ValidateParticipantID(m.selfID); err != nil {
		return fmt.Errorf("chat open: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("chat open: manager closed")
	}
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("chat open: already open")
	}
	m.courseID = courseID
	m.mu.Unlock()

	initial := docstore.Value{
		"messages":  docstore.Value{},
		"lastRead":  docstore.Value{},
		"createdAt": time.Now().UnixMilli(),
	}
	if err := m.store.CreateIfAbsent(ctx, m.docPath(courseID), initial); err != nil {
		return fmt.Errorf("chat open %s: %w", courseID, err)
	}

	cancel, err := m.store.Subscribe(m.docPath(courseID), m.onSnapshot)
	if err != nil {
		return fmt.Errorf("chat open %s: %w", courseID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return errors.New("chat open: manager closed")
	}
	m.cancel = cancel
	m.mu.Unlock()

	log.Printf("CHAT [%s]: opened as %s", courseID, m.selfID)
	return nil
}

// Send merges one message into the channel. The uuid key keeps concurrent
// senders from overwriting each other.
func (m *Manager) Send(ctx context.Context, content string) error {
	if content == "" {
		return errors.New("chat send: empty message")
	}
	m.mu.Lock()
	courseID := m.courseID
	open := m.cancel != nil && !m.closed
	m.mu.Unlock()
	if !open {
		return errors.New("chat send: channel not open")
	}

	id := uuid.NewString()
	patch := docstore.Value{
		"messages": docstore.Value{
			id: docstore.Value{
				"from":    m.selfID,
				"name":    m.name,
				"content": content,
				"sentAt":  time.Now().UnixMilli(),
			},
		},
	}
	if err := m.store.MergeUpdate(ctx, m.docPath(courseID), patch); err != nil {
		return fmt.Errorf("chat send: %w", err)
	}
	return nil
}

// MarkRead advances the local read cursor to now.
func (m *Manager) MarkRead(ctx context.Context) error {
	m.mu.Lock()
	courseID := m.courseID
	open := m.cancel != nil && !m.closed
	m.mu.Unlock()
	if !open {
		return errors.New("chat mark read: channel not open")
	}

	patch := docstore.Value{
		"lastRead": docstore.Value{m.selfID: time.Now().UnixMilli()},
	}
	if err := m.store.MergeUpdate(ctx, m.docPath(courseID), patch); err != nil {
		return fmt.Errorf("chat mark read: %w", err)
	}
	return nil
}

// History returns the retained messages, oldest first.
func (m *Manager) History() []Message {
	return m.history.Snapshot()
}

// UnreadCount reports messages from other participants newer than the local
// read cursor, within the retained history.
func (m *Manager) UnreadCount() int {
	m.mu.Lock()
	cursor := m.cursors[m.selfID]
	m.mu.Unlock()

	count := 0
	for _, msg := range m.history.Snapshot() {
		if msg.From != m.selfID && msg.SentAt > cursor {
			count++
		}
	}
	return count
}

// Subscribe returns a channel of newly arriving messages and a cancel func.
// Slow subscribers miss messages rather than blocking delivery.
func (m *Manager) Subscribe() (ch chan Message, cancel func()) {
	ch = make(chan Message, 64)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close stops following the channel. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan Message]struct{})
	m.listenerMu.Unlock()
}

func (m *Manager) docPath(courseID string) string {
	return collection + "/" + courseID
}

// onSnapshot diffs the document against seen message ids and emits the new
// ones in sentAt order. Snapshots arrive sequentially from the store.
func (m *Manager) onSnapshot(doc docstore.Value) {
	msgs := decodeMessages(doc)
	cursors := decodeCursors(doc)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.cursors = cursors
	fresh := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if !m.seen[msg.ID] {
			m.seen[msg.ID] = true
			fresh = append(fresh, msg)
		}
	}
	m.mu.Unlock()

	for _, msg := range fresh {
		m.history.Push(msg)
		m.emit(msg)
	}
}

func (m *Manager) emit(msg Message) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- msg:
		default:
		}
	}
	m.listenerMu.RUnlock()
}
