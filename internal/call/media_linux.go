//go:build linux

package call

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// nativeMedia owns one capture session (V4L2 + malgo) shared by every peer
// connection of a call. pion/mediadevices broadcasts frames to all bound
// encoders, so the same tracks attach to multiple PCs.
type nativeMedia struct {
	roomID   string
	opts     MediaOptions
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track
	hasVideo bool
	hasAudio bool
	gate     *senderGate

	mu     sync.Mutex
	closed bool
}

func captureMedia(roomID string, opts MediaOptions) (MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, &MediaAccessError{Err: fmt.Errorf("vp8 encoder: %w", err)}
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, &MediaAccessError{Err: fmt.Errorf("opus encoder: %w", err)}
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	// GetUserMedia fails as a unit if either track can't be opened. Try the
	// richest combination first so a busy microphone doesn't take the camera
	// down with it, and vice versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if opts.DisableVideo {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", roomID, a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", roomID, err)
				}
			})
		}
		log.Printf("CALL [%s]: local media captured (%s), %d tracks", roomID, a.label, len(tracks))
		return &nativeMedia{
			roomID:   roomID,
			opts:     opts,
			selector: selector,
			tracks:   tracks,
			hasVideo: a.video,
			hasAudio: a.audio,
			gate:     newSenderGate(),
		}, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no media devices available")
	}
	return nil, &MediaAccessError{Err: lastErr}
}

// NewPeerConnection builds a PC with this capture session's codecs and
// tracks attached, plus recvonly transceivers for the kinds we don't send.
func (m *nativeMedia) NewPeerConnection() (*webrtc.PeerConnection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("media source closed")
	}
	m.mu.Unlock()

	mediaEngine := &webrtc.MediaEngine{}
	m.selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup doesn't immediately
	// terminate the call; the 5 s default is too short for flaky paths.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(iceConfiguration(m.opts))
	if err != nil {
		return nil, err
	}

	for _, track := range m.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			log.Printf("CALL [%s]: AddTrack error: %v", m.roomID, err)
			continue
		}
		m.gate.bind(sender, track)
	}
	addRecvOnlyTransceivers(m.roomID, pc, !m.hasVideo, !m.hasAudio)
	return pc, nil
}

// SetAudioEnabled gates every bound audio sender: disabled swaps the track
// out for nil, so remote peers stop receiving audio. Capture keeps running
// because mediadevices has no per-track pause; re-enabling restores the live
// track instantly.
func (m *nativeMedia) SetAudioEnabled(enabled bool) {
	log.Printf("CALL [%s]: audio transmission enabled=%v", m.roomID, enabled)
	m.gate.setEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled gates every bound video sender; see SetAudioEnabled.
func (m *nativeMedia) SetVideoEnabled(enabled bool) {
	log.Printf("CALL [%s]: video transmission enabled=%v", m.roomID, enabled)
	m.gate.setEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

// Close stops every capture track. Idempotent.
func (m *nativeMedia) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tracks := m.tracks
	m.tracks = nil
	m.mu.Unlock()

	m.gate.reset()
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Printf("CALL [%s]: close track: %v", m.roomID, err)
		}
	}
}
