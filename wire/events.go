package wire

// EventType tags every envelope on the wire. The set is closed: dispatch
// switches over Category, and anything outside the set is surfaced on the
// diagnostic stream and dropped.
type EventType string

// Connection and auth events.
const (
	EventAuth        EventType = "auth"
	EventAuthOK      EventType = "auth_success"
	EventAuthError   EventType = "auth_error"
	EventPing        EventType = "ping"
	EventPong        EventType = "pong"
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
)

// System events pushed by the server.
const (
	EventForceLogout EventType = "force_logout"
	EventRateLimit   EventType = "rate_limit_exceeded"
	EventError       EventType = "error"
)

// Chat events.
const (
	EventNewMessage         EventType = "new_message"
	EventMessageDelivered   EventType = "message_delivered"
	EventMessageRead        EventType = "message_read"
	EventReactionAdded      EventType = "reaction_added"
	EventReactionRemoved    EventType = "reaction_removed"
	EventChatCreated        EventType = "chat_created"
	EventChatUpdated        EventType = "chat_updated"
	EventChatDeleted        EventType = "chat_deleted"
	EventParticipantAdded   EventType = "participant_added"
	EventParticipantRemoved EventType = "participant_removed"
)

// Typing and presence events.
const (
	EventTyping      EventType = "typing"
	EventStopTyping  EventType = "stop_typing"
	EventUserOnline  EventType = "user_online"
	EventUserOffline EventType = "user_offline"
)

// Call signaling events.
const (
	EventCallInitiate EventType = "call_initiate"
	EventCallAnswer   EventType = "call_answer"
	EventCallReject   EventType = "call_reject"
	EventCallEnd      EventType = "call_end"
	EventCallBusy     EventType = "call_busy"
	EventWebRTCOffer  EventType = "webrtc_offer"
	EventWebRTCAnswer EventType = "webrtc_answer"
	EventICECandidate EventType = "ice_candidate"
	EventMediaState   EventType = "media_state"
	EventCallJoined   EventType = "call_participant_joined"
	EventCallLeft     EventType = "call_participant_left"
)

// File events.
const (
	EventFileUploadProgress EventType = "file_upload_progress"
	EventFileUploaded       EventType = "file_uploaded"
)

// Category groups event types for dispatch: each inbound envelope is routed
// to exactly one handler path.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryControl          // auth, ping/pong, subscribe control
	CategorySystem           // forced logout, rate limit, server error
	CategoryChat             // messages, receipts, reactions, chat mutations, typing, presence, files
	CategoryCall             // call lifecycle and WebRTC relay
)

// Category classifies an event type. The switch is the single source of
// truth for routing; extend it together with the constant blocks above.
func (t EventType) Category() Category {
	switch t {
	case EventAuth, EventAuthOK, EventAuthError, EventPing, EventPong,
		EventSubscribe, EventUnsubscribe:
		return CategoryControl
	case EventForceLogout, EventRateLimit, EventError:
		return CategorySystem
	case EventNewMessage, EventMessageDelivered, EventMessageRead,
		EventReactionAdded, EventReactionRemoved,
		EventChatCreated, EventChatUpdated, EventChatDeleted,
		EventParticipantAdded, EventParticipantRemoved,
		EventTyping, EventStopTyping, EventUserOnline, EventUserOffline,
		EventFileUploadProgress, EventFileUploaded:
		return CategoryChat
	case EventCallInitiate, EventCallAnswer, EventCallReject, EventCallEnd,
		EventCallBusy, EventWebRTCOffer, EventWebRTCAnswer,
		EventICECandidate, EventMediaState, EventCallJoined, EventCallLeft:
		return CategoryCall
	default:
		return CategoryUnknown
	}
}
