package call

import "fmt"

// MediaAccessError means the camera/microphone could not be acquired. Fatal
// to joining; surfaced to the caller with no retry.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string { return fmt.Sprintf("media access: %v", e.Err) }
func (e *MediaAccessError) Unwrap() error { return e.Err }

// SignalingWriteError means a room-document write failed. Best-effort: the
// session logs it and continues, at worst stalling one negotiation.
type SignalingWriteError struct {
	Op  string
	Err error
}

func (e *SignalingWriteError) Error() string { return fmt.Sprintf("signaling %s: %v", e.Op, e.Err) }
func (e *SignalingWriteError) Unwrap() error { return e.Err }

// PeerNegotiationError means one peer's transport failed. That peer is
// destroyed; other peers and the session are unaffected.
type PeerNegotiationError struct {
	PeerID string
	Err    error
}

func (e *PeerNegotiationError) Error() string {
	return fmt.Sprintf("peer %s negotiation: %v", e.PeerID, e.Err)
}
func (e *PeerNegotiationError) Unwrap() error { return e.Err }

// SubscriptionError means the room snapshot stream failed. Terminal for the
// session: there is no way to observe the room without it.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string { return fmt.Sprintf("room subscription: %v", e.Err) }
func (e *SubscriptionError) Unwrap() error { return e.Err }
