// Package call implements 1:1 voice and video call signaling over the
// shared document store: session documents carry the SDP offer/answer
// exchange, per-side candidate collections carry ICE trickle, and status
// transitions drive setup and teardown on both ends.
//
// Actual media capture and transport are abstracted behind small
// interfaces so the signaling logic is testable without a WebRTC engine.
package call

import "context"

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one local or remote media track.
type Track interface {
	ID() string
	Kind() TrackKind

	// SetEnabled toggles the track without releasing the underlying
	// device. A disabled video track keeps the camera session alive so
	// re-enabling is instant.
	SetEnabled(enabled bool)
	Enabled() bool

	// Stop releases the track's device. A stopped track cannot be
	// re-enabled.
	Stop()
}

// MediaStream is a set of captured local tracks.
type MediaStream interface {
	Tracks() []Track
}

// MediaDevice acquires local capture streams. video selects whether a
// camera track is captured alongside the microphone.
type MediaDevice interface {
	Acquire(ctx context.Context, video bool) (MediaStream, error)
}

// SDP is a session description in its wire form.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// PeerTransport is the peer connection the signaling layer drives. The
// contract mirrors the usual WebRTC shape: descriptions are exchanged out
// of band, candidates trickle through OnLocalCandidate, and remote tracks
// surface through OnRemoteTrack as they arrive.
type PeerTransport interface {
	AddTrack(track Track) error
	CreateOffer(ctx context.Context) (SDP, error)
	CreateAnswer(ctx context.Context) (SDP, error)
	SetLocalDescription(ctx context.Context, desc SDP) error
	SetRemoteDescription(ctx context.Context, desc SDP) error
	AddRemoteCandidate(ctx context.Context, candidate string) error

	OnLocalCandidate(fn func(candidate string))
	OnRemoteTrack(fn func(track Track))

	Close() error
}

// TransportFactory builds a fresh PeerTransport per call session.
type TransportFactory func(ctx context.Context) (PeerTransport, error)
