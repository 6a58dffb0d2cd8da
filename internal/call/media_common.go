package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaOptions configures local capture and NAT traversal for one session.
type MediaOptions struct {
	STUNServers  []string
	VideoBitRate int
	DisableVideo bool
}

func iceConfiguration(opts MediaOptions) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, u := range opts.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// addRecvOnlyTransceivers adds recvonly transceivers for the kinds we are not
// sending, so CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials.
func addRecvOnlyTransceivers(roomID string, pc *webrtc.PeerConnection, video, audio bool) {
	if video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(video) error: %v", roomID, err)
		}
	}
	if audio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", roomID, err)
		}
	}
}

// trackSender is the slice of *webrtc.RTPSender the gate drives.
type trackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// senderGate turns the local mute/video toggles into transport state: a
// disabled kind has its RTP senders' tracks swapped out for nil, so remote
// peers stop receiving that kind without renegotiation. Capture itself keeps
// running.
type senderGate struct {
	mu      sync.Mutex
	entries []gateEntry
	enabled map[webrtc.RTPCodecType]bool
}

type gateEntry struct {
	sender trackSender
	track  webrtc.TrackLocal
	kind   webrtc.RTPCodecType
}

func newSenderGate() *senderGate {
	return &senderGate{enabled: map[webrtc.RTPCodecType]bool{
		webrtc.RTPCodecTypeAudio: true,
		webrtc.RTPCodecTypeVideo: true,
	}}
}

// bind registers a sender and applies the current toggle state to it, so a
// peer connection built while muted starts out gated.
func (g *senderGate) bind(sender trackSender, track webrtc.TrackLocal) {
	kind := track.Kind()
	g.mu.Lock()
	g.entries = append(g.entries, gateEntry{sender: sender, track: track, kind: kind})
	on := g.enabled[kind]
	g.mu.Unlock()

	if !on {
		if err := sender.ReplaceTrack(nil); err != nil {
			log.Printf("CALL: gate new %s sender: %v", kind, err)
		}
	}
}

// setEnabled flips one kind across every bound sender. Errors from senders
// whose connection already closed are logged and ignored.
func (g *senderGate) setEnabled(kind webrtc.RTPCodecType, enabled bool) {
	g.mu.Lock()
	g.enabled[kind] = enabled
	entries := append([]gateEntry(nil), g.entries...)
	g.mu.Unlock()

	for _, e := range entries {
		if e.kind != kind {
			continue
		}
		var next webrtc.TrackLocal
		if enabled {
			next = e.track
		}
		if err := e.sender.ReplaceTrack(next); err != nil {
			log.Printf("CALL: toggle %s sender: %v", kind, err)
		}
	}
}

// reset drops every bound sender.
func (g *senderGate) reset() {
	g.mu.Lock()
	g.entries = nil
	g.mu.Unlock()
}

// NativeMedia returns a MediaFactory that captures camera/microphone via
// pion/mediadevices. Capture is platform-specific; on unsupported platforms
// the factory fails with MediaAccessError.
func NativeMedia(roomID string, opts MediaOptions) MediaFactory {
	return func() (MediaSource, error) {
		return captureMedia(roomID, opts)
	}
}
