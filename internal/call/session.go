// Package call implements peer-to-peer call setup over a shared room
// document: per-peer WebRTC transports, a membership tracker driven by room
// snapshots, and a session controller owning local media and teardown.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/classpeer/classpeer/internal/room"

	"github.com/pion/webrtc/v4"
)

// writeTimeout bounds the background signaling writes a session issues from
// callbacks (publish, clear, leave bookkeeping).
const writeTimeout = 10 * time.Second

// EventType classifies session events delivered to subscribers.
type EventType string

const (
	EventPeerJoined  EventType = "peer-joined"
	EventPeerLeft    EventType = "peer-left"
	EventRemoteTrack EventType = "remote-track"
	EventSessionErr  EventType = "session-error"
)

// Event is one session occurrence: a peer appearing or going away, remote
// media arriving, or a terminal session failure.
type Event struct {
	Type   EventType
	PeerID string
	Track  *webrtc.TrackRemote
	Err    error
}

// MediaSource owns the local capture devices for one call attempt. It builds
// peer connections with the local tracks attached, so every peer shares the
// same capture session.
type MediaSource interface {
	NewPeerConnection() (*webrtc.PeerConnection, error)
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close()
}

// MediaFactory acquires local media. Returns *MediaAccessError when the
// devices are denied or unavailable.
type MediaFactory func() (MediaSource, error)

// SessionConfig wires a Session.
type SessionConfig struct {
	SelfID  string
	Adapter *room.Adapter
	Media   MediaFactory

	// NewPeer overrides transport construction. Nil uses the real WebRTC
	// peer built from the media source; tests substitute fakes.
	NewPeer func(remoteID string, initiator bool, cb PeerCallbacks) (PeerHandle, error)
}

// Session is one call attempt: it acquires media, joins the room, tracks
// membership, and guarantees teardown. A Session is single-use: after
// Leave it cannot be joined again.
type Session struct {
	selfID  string
	adapter *room.Adapter
	mediaFn MediaFactory
	newPeer func(remoteID string, initiator bool, cb PeerCallbacks) (PeerHandle, error)

	mu         sync.Mutex
	roomID     string
	media      MediaSource
	tracker    *Tracker
	cancelSub  func()
	joined     bool
	left       bool
	muted      bool
	videoOff   bool
	signaledTo map[string]bool

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// NewSession creates an unjoined session for the local participant.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		selfID:     cfg.SelfID,
		adapter:    cfg.Adapter,
		mediaFn:    cfg.Media,
		newPeer:    cfg.NewPeer,
		signaledTo: make(map[string]bool),
		listeners:  make(map[chan Event]struct{}),
	}
	if s.newPeer == nil {
		s.newPeer = s.newWebRTCPeer
	}
	return s
}

// Join acquires local media, ensures the room exists, marks presence and
// starts tracking membership. A media failure is fatal and leaves the room
// document untouched.
func (s *Session) Join(ctx context.Context, roomID string) error {
	if s.selfID == "" {
		return errors.New("join: empty participant id")
	}

	s.mu.Lock()
	if s.joined || s.left {
		s.mu.Unlock()
		return errors.New("join: session already used")
	}
	s.mu.Unlock()

	media, err := s.mediaFn()
	if err != nil {
		var mediaErr *MediaAccessError
		if errors.As(err, &mediaErr) {
			return err
		}
		return &MediaAccessError{Err: err}
	}

	// Leave and Fail can run while Join is parked at any await point below;
	// the liveness flag is re-checked after each one and the results of a
	// doomed join are rolled back, since teardown has already completed and
	// will not release them.
	if s.lostToLeave() {
		media.Close()
		return errors.New("join: session already left")
	}

	if err := s.adapter.EnsureRoom(ctx, roomID); err != nil {
		media.Close()
		return fmt.Errorf("join: %w", err)
	}
	if s.lostToLeave() {
		media.Close()
		return errors.New("join: session already left")
	}

	if err := s.adapter.SetPresence(ctx, roomID, s.selfID, true); err != nil {
		media.Close()
		return fmt.Errorf("join: %w", err)
	}
	if s.lostToLeave() {
		media.Close()
		s.retractPresence(roomID)
		return errors.New("join: session already left")
	}

	tracker := NewTracker(roomID, s.selfID, s.peerFor, s.clearConsumed, s.peerRemoved)

	// Tracker and media must be visible before Subscribe: the initial
	// snapshot can be delivered synchronously. From here teardown owns the
	// stored resources, so the left check and the store are one critical
	// section.
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		media.Close()
		s.retractPresence(roomID)
		return errors.New("join: session already left")
	}
	s.roomID = roomID
	s.media = media
	s.tracker = tracker
	s.joined = true
	s.mu.Unlock()

	cancel, err := s.adapter.Subscribe(roomID, s.onSnapshot)
	if err != nil {
		s.teardown()
		return &SubscriptionError{Err: err}
	}
	s.mu.Lock()
	if s.left {
		// Lost a race with Leave; drop the subscription immediately.
		s.mu.Unlock()
		cancel()
		return errors.New("join: session already left")
	}
	s.cancelSub = cancel
	s.mu.Unlock()

	log.Printf("CALL [%s]: joined as %s", roomID, s.selfID)
	return nil
}

// ToggleMute flips the local audio toggle. Purely local: no renegotiation,
// no signaling traffic. Returns the new muted state.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	media := s.media
	roomID := s.roomID
	s.mu.Unlock()

	if media != nil {
		media.SetAudioEnabled(!muted)
	}
	log.Printf("CALL [%s]: audio muted=%v", roomID, muted)
	return muted
}

// ToggleVideo flips the local video toggle. Returns the new video-off state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOff = !s.videoOff
	off := s.videoOff
	media := s.media
	roomID := s.roomID
	s.mu.Unlock()

	if media != nil {
		media.SetVideoEnabled(!off)
	}
	log.Printf("CALL [%s]: video off=%v", roomID, off)
	return off
}

// Leave tears the session down: every peer destroyed, local tracks stopped,
// presence set false, outbound signal slots cleared. Runs exactly once even
// when triggered by both an explicit hang-up and a shutdown path; each owned
// resource gets a release attempt even if an earlier one fails.
func (s *Session) Leave() {
	s.teardown()
}

// Fail records a terminal session error (a broken room subscription) and
// tears down. Subscribers see one session-error event first.
func (s *Session) Fail(err error) {
	s.emit(Event{Type: EventSessionErr, Err: err})
	log.Printf("CALL [%s]: session failed: %v", s.RoomID(), err)
	s.teardown()
}

// Subscribe returns a channel of session events and a cancel func. Slow
// subscribers miss events rather than blocking the session.
func (s *Session) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)
	s.listenerMu.Lock()
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

	cancel = func() {
		s.listenerMu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

// RoomID returns the joined room id, or "" before Join.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Muted reports the local audio toggle.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// VideoOff reports the local video toggle.
func (s *Session) VideoOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOff
}

// PeerIDs returns currently tracked remote participants.
func (s *Session) PeerIDs() []string {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker == nil {
		return nil
	}
	return tracker.PeerIDs()
}

// lostToLeave reports whether Leave or Fail completed while Join was parked
// at an await point.
func (s *Session) lostToLeave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left
}

// retractPresence undoes the presence write of a join attempt that lost the
// race with Leave.
func (s *Session) retractPresence(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.adapter.SetPresence(ctx, roomID, s.selfID, false); err != nil {
		log.Printf("CALL [%s]: retract presence: %v", roomID, err)
	}
}

func (s *Session) onSnapshot(snap room.Snapshot) {
	s.mu.Lock()
	if s.left || s.tracker == nil {
		s.mu.Unlock()
		return
	}
	tracker := s.tracker
	s.mu.Unlock()
	tracker.Apply(snap)
}

// peerFor builds the transport for one remote participant and wires its
// callbacks back into the session.
func (s *Session) peerFor(remoteID string, initiator bool) (PeerHandle, error) {
	cb := PeerCallbacks{
		OnLocalSignal: func(raw json.RawMessage) {
			s.publishSignal(remoteID, raw)
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			s.emit(Event{Type: EventRemoteTrack, PeerID: remoteID, Track: track})
		},
		OnError: func(err error) {
			// Peer-scoped: silently remove this peer, the call continues.
			s.emit(Event{Type: EventPeerLeft, PeerID: remoteID, Err: &PeerNegotiationError{PeerID: remoteID, Err: err}})
			go s.removePeer(remoteID)
		},
		OnClose: func() {
			s.emit(Event{Type: EventPeerLeft, PeerID: remoteID})
			go s.removePeer(remoteID)
		},
	}
	ph, err := s.newPeer(remoteID, initiator, cb)
	if err != nil {
		return nil, err
	}
	s.emit(Event{Type: EventPeerJoined, PeerID: remoteID})
	return ph, nil
}

func (s *Session) newWebRTCPeer(remoteID string, initiator bool, cb PeerCallbacks) (PeerHandle, error) {
	s.mu.Lock()
	media := s.media
	roomID := s.roomID
	s.mu.Unlock()
	if media == nil {
		return nil, errors.New("no media source")
	}
	pc, err := media.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return NewPeer(roomID, remoteID, initiator, pc, cb), nil
}

// publishSignal writes one outbound payload into our slot for the recipient.
// Failures are logged and swallowed: signaling is best-effort, at worst this
// negotiation stalls until the remote's presence changes.
func (s *Session) publishSignal(toID string, raw json.RawMessage) {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID
	s.signaledTo[toID] = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.adapter.PublishSignal(ctx, roomID, s.selfID, toID, raw); err != nil {
		log.Printf("CALL [%s]: %v", roomID, &SignalingWriteError{Op: "publish", Err: err})
	}
}

// clearConsumed nulls a sender's slot addressed to us after the payload was
// fed, so the next snapshot does not re-deliver it.
func (s *Session) clearConsumed(senderID string) {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.adapter.PublishSignal(ctx, roomID, senderID, s.selfID, nil); err != nil {
		log.Printf("CALL [%s]: %v", roomID, &SignalingWriteError{Op: "clear", Err: err})
	}
}

func (s *Session) peerRemoved(peerID string, err error) {
	s.emit(Event{Type: EventPeerLeft, PeerID: peerID, Err: err})
}

func (s *Session) removePeer(peerID string) {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker != nil {
		tracker.Remove(peerID)
	}
}

func (s *Session) emit(ev Event) {
	s.listenerMu.RLock()
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	s.listenerMu.RUnlock()
}

// teardown releases everything once. Each step is attempted regardless of
// earlier failures.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	s.left = true
	joined := s.joined
	roomID := s.roomID
	cancelSub := s.cancelSub
	tracker := s.tracker
	media := s.media
	signaled := make([]string, 0, len(s.signaledTo))
	for id := range s.signaledTo {
		signaled = append(signaled, id)
	}
	s.mu.Unlock()

	if cancelSub != nil {
		cancelSub()
	}
	if tracker != nil {
		tracker.Close()
	}
	if media != nil {
		media.Close()
	}
	if !joined {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.adapter.SetPresence(ctx, roomID, s.selfID, false); err != nil {
		log.Printf("CALL [%s]: leave presence: %v", roomID, err)
	}
	if err := s.adapter.ClearSignals(ctx, roomID, s.selfID, signaled...); err != nil {
		log.Printf("CALL [%s]: leave clear signals: %v", roomID, err)
	}
	log.Printf("CALL [%s]: left", roomID)
}
