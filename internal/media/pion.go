package media

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("realtime:media")

// PionEngine is the default Engine, backed by a Pion PeerConnection. It
// negotiates transport and reports stats; device capture is left to the
// platform layer feeding tracks in, so both transceivers start recvonly
// (that still yields valid m-lines with ICE credentials, see CreateOffer).
type PionEngine struct {
	cfg webrtc.Configuration

	mu sync.Mutex
	pc *webrtc.PeerConnection

	audioOn     bool
	videoOn     bool
	speakerOn   bool
	screenShare bool

	onCandidate func(webrtc.ICECandidateInit)
	onConnected func()
	onFailed    func()
	released    bool
}

// DefaultICEServers is the fallback STUN configuration.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// NewPionEngine creates an engine using the given ICE servers. An empty list
// is valid for LAN-only or relayed setups.
func NewPionEngine(iceServers []webrtc.ICEServer) *PionEngine {
	return &PionEngine{
		cfg: webrtc.Configuration{ICEServers: iceServers},
	}
}

func (e *PionEngine) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *PionEngine) OnConnected(fn func()) {
	e.mu.Lock()
	e.onConnected = fn
	e.mu.Unlock()
}

func (e *PionEngine) OnFailed(fn func()) {
	e.mu.Lock()
	e.onFailed = fn
	e.mu.Unlock()
}

func (e *PionEngine) Prepare(ctx context.Context, flags Flags) error {
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return err
	}

	// Recvonly transceivers so CreateOffer/CreateAnswer always produce
	// valid m-lines with ICE credentials.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Errorw("add audio transceiver", "err", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Errorw("add video transceiver", "err", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugw("peer connection state", "state", s.String())
		e.mu.Lock()
		connected, failed := e.onConnected, e.onFailed
		e.mu.Unlock()
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if connected != nil {
				connected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if failed != nil {
				failed()
			}
		}
	})

	e.mu.Lock()
	e.pc = pc
	e.audioOn = flags.Audio
	e.videoOn = flags.Video
	e.released = false
	e.mu.Unlock()
	return nil
}

func (e *PionEngine) peerConnection() *webrtc.PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc
}

func (e *PionEngine) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	pc := e.peerConnection()
	if pc == nil {
		return webrtc.SessionDescription{}, ErrUnsupported
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (e *PionEngine) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	pc := e.peerConnection()
	if pc == nil {
		return webrtc.SessionDescription{}, ErrUnsupported
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (e *PionEngine) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	pc := e.peerConnection()
	if pc == nil {
		return ErrUnsupported
	}
	return pc.SetRemoteDescription(sdp)
}

func (e *PionEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc := e.peerConnection()
	if pc == nil {
		return ErrUnsupported
	}
	return pc.AddICECandidate(c)
}

// Stats samples RTT, jitter and packet loss from the peer connection's
// stats report. Remote-inbound stats carry the sender-side view; the ICE
// candidate pair RTT fills in when no RTP has flowed yet.
func (e *PionEngine) Stats() (Stats, error) {
	pc := e.peerConnection()
	if pc == nil {
		return Stats{}, ErrUnsupported
	}

	var out Stats
	for _, s := range pc.GetStats() {
		switch st := s.(type) {
		case webrtc.RemoteInboundRTPStreamStats:
			out.RTTMs = st.RoundTripTime * 1000
			out.PacketLoss = st.FractionLost
		case webrtc.InboundRTPStreamStats:
			out.JitterMs = st.Jitter * 1000
		case webrtc.ICECandidatePairStats:
			if out.RTTMs == 0 && st.State == webrtc.StatsICECandidatePairStateSucceeded {
				out.RTTMs = st.CurrentRoundTripTime * 1000
			}
		}
	}
	return out, nil
}

func (e *PionEngine) SetAudioEnabled(on bool) error {
	e.mu.Lock()
	e.audioOn = on
	e.mu.Unlock()
	return nil
}

func (e *PionEngine) SetVideoEnabled(on bool) error {
	e.mu.Lock()
	e.videoOn = on
	e.mu.Unlock()
	return nil
}

func (e *PionEngine) SetSpeakerphone(on bool) error {
	e.mu.Lock()
	e.speakerOn = on
	e.mu.Unlock()
	return nil
}

// SwitchCamera requires a device capture layer, which this engine does not
// own.
func (e *PionEngine) SwitchCamera() error {
	return ErrUnsupported
}

func (e *PionEngine) SetScreenShare(on bool) error {
	e.mu.Lock()
	e.screenShare = on
	e.mu.Unlock()
	return nil
}

func (e *PionEngine) Release() {
	e.mu.Lock()
	pc := e.pc
	e.pc = nil
	already := e.released
	e.released = true
	e.mu.Unlock()

	if already || pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		log.Warnw("close peer connection", "err", err)
	}
}
