package call

import "time"

// State is the call lifecycle state. A new call can only start from
// StateIdle; terminal states transition nowhere except back to idle via
// cleanup after the grace period.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateRinging
	StateConnecting
	StateConnected
	StateEnded
	StateFailed
	StateBusy
	StateTimeout
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	case StateBusy:
		return "busy"
	case StateTimeout:
		return "timeout"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the call.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateFailed, StateBusy, StateTimeout, StateRejected:
		return true
	default:
		return false
	}
}

// active reports whether a call in this state can be ended locally.
func (s State) active() bool {
	switch s {
	case StateInitiating, StateRinging, StateConnecting, StateConnected:
		return true
	default:
		return false
	}
}

// Type distinguishes voice from video calls.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// Direction is who started the call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MediaState is one participant's local media flags.
type MediaState struct {
	AudioEnabled  bool `json:"audio_enabled"`
	VideoEnabled  bool `json:"video_enabled"`
	ScreenSharing bool `json:"screen_sharing"`
}

// ParticipantStatus tracks roster membership. Participants who leave stay
// in the roster marked left; they are never deleted mid-call.
type ParticipantStatus string

const (
	ParticipantJoined ParticipantStatus = "joined"
	ParticipantLeft   ParticipantStatus = "left"
)

// Participant is one member of the call roster.
type Participant struct {
	UserID  string            `json:"user_id"`
	Name    string            `json:"name"`
	Media   MediaState        `json:"media"`
	Status  ParticipantStatus `json:"status"`
	Quality *Quality          `json:"quality,omitempty"`
}

// Quality is one link-quality sample with its 1-5 score.
type Quality struct {
	Score      float64   `json:"score"`
	RTTMs      float64   `json:"rtt_ms"`
	JitterMs   float64   `json:"jitter_ms"`
	PacketLoss float64   `json:"packet_loss"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Call is the call aggregate. Snapshots handed to consumers carry copies of
// the roster; the manager owns the live map.
type Call struct {
	ID           string                  `json:"id"`
	ChatID       string                  `json:"chat_id"`
	Type         Type                    `json:"type"`
	Direction    Direction               `json:"direction"`
	State        State                   `json:"state"`
	Participants map[string]*Participant `json:"participants"`
	StartedAt    time.Time               `json:"started_at"`
	EndedAt      time.Time               `json:"ended_at,omitzero"`
	EndReason    string                  `json:"end_reason,omitempty"`
	Duration     time.Duration           `json:"duration"`
}

// snapshot deep-copies the aggregate for publication.
func (c *Call) snapshot() Call {
	out := *c
	out.Participants = make(map[string]*Participant, len(c.Participants))
	for id, p := range c.Participants {
		cp := *p
		if p.Quality != nil {
			q := *p.Quality
			cp.Quality = &q
		}
		out.Participants[id] = &cp
	}
	return out
}

// EventKind tags entries on the call-event stream.
type EventKind string

const (
	EventState       EventKind = "state"       // state transition
	EventTick        EventKind = "tick"        // 1s duration tick while connected
	EventParticipant EventKind = "participant" // roster or media change
	EventCleared     EventKind = "cleared"     // aggregate reset to idle
)

// Event is one entry on the call-event stream.
type Event struct {
	Kind EventKind `json:"kind"`
	Call Call      `json:"call"`
}
