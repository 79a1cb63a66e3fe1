// Package media defines the boundary to the engine that actually captures,
// encodes and transports audio/video. Call signaling drives it through the
// Engine interface only; codec and transport internals stay on the other
// side.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrUnsupported is returned by device operations the active engine cannot
// perform (e.g. camera switch without a device layer).
var ErrUnsupported = errors.New("media: operation not supported by engine")

// Flags selects which local media to prepare.
type Flags struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Stats is one link-quality sample read from the engine.
type Stats struct {
	RTTMs      float64 `json:"rtt_ms"`
	JitterMs   float64 `json:"jitter_ms"`
	PacketLoss float64 `json:"packet_loss"` // fraction in [0,1]
}

// Engine is the surface call signaling needs from the media layer. One
// Engine instance serves one call; Release ends its lifecycle.
type Engine interface {
	// Prepare acquires local media and builds the peer connection.
	Prepare(ctx context.Context, flags Flags) error

	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	// OnICECandidate registers the relay callback for locally gathered
	// candidates. Must be set before Prepare.
	OnICECandidate(fn func(webrtc.ICECandidateInit))

	// OnConnected / OnFailed report transport-level connectivity. These,
	// not signaling envelopes, drive the connected/failed call states.
	OnConnected(fn func())
	OnFailed(fn func())

	// Stats samples current link quality.
	Stats() (Stats, error)

	SetAudioEnabled(on bool) error
	SetVideoEnabled(on bool) error
	SetSpeakerphone(on bool) error
	SwitchCamera() error
	SetScreenShare(on bool) error

	// Release tears down local and remote media. Idempotent.
	Release()
}
