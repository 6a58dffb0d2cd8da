package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerState is the lifecycle of one remote participant's transport.
// No state transitions out of StateClosed.
type PeerState int

const (
	StateInitiating PeerState = iota
	StateAwaitingRemoteOffer
	StateNegotiating
	StateConnected
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateInitiating:
		return "initiating"
	case StateAwaitingRemoteOffer:
		return "awaiting-remote-offer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerCallbacks are fired by a Peer as negotiation proceeds. OnLocalSignal
// fires once per locally generated signaling message (each trickled ICE
// candidate is one emission). OnError and OnClose fire at most once each;
// after either, the peer is terminal and the owner must destroy it.
type PeerCallbacks struct {
	OnLocalSignal func(payload json.RawMessage)
	OnRemoteTrack func(track *webrtc.TrackRemote)
	OnError       func(err error)
	OnClose       func()
}

// Peer wraps one underlying PeerConnection to a single remote participant.
// It translates local media into outbound signaling payloads and inbound
// payloads into connection state.
type Peer struct {
	id        string
	roomID    string
	initiator bool
	pc        *webrtc.PeerConnection
	cb        PeerCallbacks

	mu            sync.Mutex
	state         PeerState
	pendingRemote []webrtc.ICECandidateInit
	lastOffer     string
	lastAnswer    string
	errFired      bool
	closeFired    bool
}

// NewPeer wraps pc for the remote participant id. When initiator is true the
// peer begins offer generation immediately; otherwise it waits for a remote
// offer via FeedSignal. The Peer owns pc and closes it on Destroy.
func NewPeer(roomID, id string, initiator bool, pc *webrtc.PeerConnection, cb PeerCallbacks) *Peer {
	p := &Peer{
		id:        id,
		roomID:    roomID,
		initiator: initiator,
		pc:        pc,
		cb:        cb,
	}
	if initiator {
		p.state = StateInitiating
	} else {
		p.state = StateAwaitingRemoteOffer
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		p.emit(signalPayload{Kind: signalCandidate, Candidate: &init})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote %s track from %s", roomID, track.Kind(), id)
		if p.cb.OnRemoteTrack != nil {
			p.cb.OnRemoteTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			p.setState(StateConnected)
			log.Printf("CALL [%s]: peer %s connected", roomID, id)
		case webrtc.PeerConnectionStateFailed:
			p.fireError(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			p.fireClose()
		}
	})

	if initiator {
		go p.sendOffer()
	}
	return p
}

// ID returns the remote participant id.
func (p *Peer) ID() string { return p.id }

// State returns the current lifecycle state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FeedSignal applies one inbound offer, answer or candidate. It may be
// called repeatedly; candidates arrive incrementally. Signals fed after
// Destroy are ignored.
func (p *Peer) FeedSignal(raw json.RawMessage) error {
	if p.closed() {
		return nil
	}
	sig, err := decodeSignal(raw)
	if err != nil {
		return err
	}

	switch sig.Kind {
	case signalOffer:
		return p.handleOffer(sig)
	case signalAnswer:
		return p.handleAnswer(sig)
	default:
		return p.handleCandidate(sig)
	}
}

// Destroy tears down the transport. Idempotent: a second call is a no-op and
// produces no further callbacks.
func (p *Peer) Destroy() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	p.closeFired = true // suppress OnClose for owner-initiated teardown
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		log.Printf("CALL [%s]: close peer %s: %v", p.roomID, p.id, err)
	}
}

func (p *Peer) sendOffer() {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.fireError(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.fireError(fmt.Errorf("set local offer: %w", err))
		return
	}
	p.emit(signalPayload{Kind: signalOffer, SDP: &offer})
}

func (p *Peer) handleOffer(sig signalPayload) error {
	if p.initiator {
		return fmt.Errorf("peer %s: unexpected offer on initiating side", p.id)
	}

	// The sender's signal slot is last-write-wins; the same offer can show
	// up in consecutive snapshots before the clear lands.
	p.mu.Lock()
	if p.lastOffer == sig.SDP.SDP {
		p.mu.Unlock()
		return nil
	}
	p.lastOffer = sig.SDP.SDP
	p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(*sig.SDP); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	p.setState(StateNegotiating)
	p.flushPendingCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	p.emit(signalPayload{Kind: signalAnswer, SDP: &answer})
	return nil
}

func (p *Peer) handleAnswer(sig signalPayload) error {
	if !p.initiator {
		return fmt.Errorf("peer %s: unexpected answer on responding side", p.id)
	}

	p.mu.Lock()
	if p.lastAnswer == sig.SDP.SDP {
		p.mu.Unlock()
		return nil
	}
	p.lastAnswer = sig.SDP.SDP
	p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(*sig.SDP); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.setState(StateNegotiating)
	p.flushPendingCandidates()
	return nil
}

func (p *Peer) handleCandidate(sig signalPayload) error {
	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		// Trickled candidates can outrun the offer/answer; buffer until the
		// remote description arrives.
		p.pendingRemote = append(p.pendingRemote, *sig.Candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(*sig.Candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *Peer) flushPendingCandidates() {
	p.mu.Lock()
	pending := p.pendingRemote
	p.pendingRemote = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: flush candidate for %s: %v", p.roomID, p.id, err)
		}
	}
}

func (p *Peer) emit(sig signalPayload) {
	if p.closed() {
		return
	}
	raw, err := encodeSignal(sig)
	if err != nil {
		log.Printf("CALL [%s]: %v", p.roomID, err)
		return
	}
	if p.cb.OnLocalSignal != nil {
		p.cb.OnLocalSignal(raw)
	}
}

func (p *Peer) closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateClosed
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return
	}
	p.state = s
}

func (p *Peer) fireError(err error) {
	p.mu.Lock()
	if p.errFired || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.errFired = true
	p.mu.Unlock()

	log.Printf("CALL [%s]: peer %s error: %v", p.roomID, p.id, err)
	if p.cb.OnError != nil {
		p.cb.OnError(err)
	}
}

func (p *Peer) fireClose() {
	p.mu.Lock()
	if p.closeFired || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.closeFired = true
	p.mu.Unlock()

	if p.cb.OnClose != nil {
		p.cb.OnClose()
	}
}
