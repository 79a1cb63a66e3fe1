package chat

// Message is an inbound chat message normalized off the wire.
type Message struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chat_id"`
	SenderID  string         `json:"sender_id"`
	Content   map[string]any `json:"content"`
	Timestamp int64          `json:"timestamp"`
}

// MessageStatus is the delivery/read progression of one message.
type MessageStatus string

const (
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// StatusUpdate reports a delivery or read event for a message, keyed by
// message ID.
type StatusUpdate struct {
	MessageID string        `json:"message_id"`
	ChatID    string        `json:"chat_id"`
	UserID    string        `json:"user_id"`
	Status    MessageStatus `json:"status"`
	Timestamp int64         `json:"timestamp"`
}

// TypingStatus reports a user starting or stopping typing in a chat.
// Typing is a soft indicator: membership self-heals via expiry, so a
// missing stop event never leaves a stuck indicator.
type TypingStatus struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// Reaction is the single normalized shape for reaction add/remove events.
type Reaction struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	Added     bool   `json:"added"`
}

// ChatUpdate is the single normalized shape for chat mutation events
// (created, updated, deleted, participant changes, file events).
type ChatUpdate struct {
	Type   string         `json:"type"`
	ChatID string         `json:"chat_id"`
	Data   map[string]any `json:"data,omitempty"`
}

// Presence reports a user coming online or going offline.
type Presence struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}
