// Package chat implements messaging semantics on top of the event router:
// awaitable message delivery, typing indicators with expiry, read receipts,
// reactions and chat mutation events.
package chat

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/relaychat/realtime/internal/config"
	"github.com/relaychat/realtime/internal/stream"
	"github.com/relaychat/realtime/wire"
)

var log = logging.Logger("realtime:chat")

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(env wire.Envelope) error
}

// Subscriptions is the router's per-channel subscription table.
type Subscriptions interface {
	Subscribe(channelKey string, events ...wire.EventType)
	Unsubscribe(channelKey string)
}

// chatEvents are the event types a per-chat subscription asks for.
var chatEvents = []wire.EventType{
	wire.EventNewMessage, wire.EventMessageDelivered, wire.EventMessageRead,
	wire.EventTyping, wire.EventStopTyping,
	wire.EventReactionAdded, wire.EventReactionRemoved,
	wire.EventChatUpdated, wire.EventChatDeleted,
	wire.EventParticipantAdded, wire.EventParticipantRemoved,
	wire.EventFileUploadProgress, wire.EventFileUploaded,
}

// Manager is the chat signaling component.
type Manager struct {
	sender Sender
	subs   Subscriptions

	tracker *deliveryTracker
	typing  *typingSet

	receiptMu sync.Mutex
	receipts  map[string]map[string]struct{} // message ID -> readers; append-only

	messages  *stream.Broadcaster[Message]
	status    *stream.Broadcaster[StatusUpdate]
	typingSt  *stream.Broadcaster[TypingStatus]
	updates   *stream.Broadcaster[ChatUpdate]
	reactions *stream.Broadcaster[Reaction]
	presence  *stream.Broadcaster[Presence]
}

// New creates the chat manager. Wire Manager.HandleEnvelope into the
// router's chat handler.
func New(cfg config.Chat, sender Sender, subs Subscriptions, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		sender:    sender,
		subs:      subs,
		tracker:   newDeliveryTracker(clk, cfg.DeliveryTimeout),
		receipts:  make(map[string]map[string]struct{}),
		messages:  stream.New[Message](),
		status:    stream.New[StatusUpdate](),
		typingSt:  stream.New[TypingStatus](),
		updates:   stream.New[ChatUpdate](),
		reactions: stream.New[Reaction](),
		presence:  stream.New[Presence](),
	}
	m.typing = newTypingSet(clk, cfg.TypingExpiry, func(chatID, userID string) {
		m.typingSt.Publish(TypingStatus{ChatID: chatID, UserID: userID, Typing: false})
	})
	return m
}

// SendMessage sends a chat message and waits for its delivery confirmation.
// It resolves exactly once per call: nil when the delivery envelope arrives
// in time, ErrDeliveryTimeout when the timeout elapses first, or the
// context error when the caller gives up. The generated message ID is
// returned either way.
func (m *Manager) SendMessage(ctx context.Context, chatID string, content map[string]any) (string, error) {
	id := uuid.NewString()
	done := m.tracker.track(id)

	env := wire.New(wire.EventNewMessage, content)
	env.ID = id
	env.ChatID = chatID
	if err := m.sender.Send(env); err != nil {
		m.tracker.resolve(id, err)
	}

	select {
	case err := <-done:
		return id, err
	case <-ctx.Done():
		m.tracker.resolve(id, ctx.Err())
		<-done
		return id, ctx.Err()
	}
}

// MarkMessageAsRead tells the server the local user read a message.
func (m *Manager) MarkMessageAsRead(messageID, chatID string) error {
	env := wire.New(wire.EventMessageRead, map[string]any{"message_id": messageID})
	env.ChatID = chatID
	return m.sender.Send(env)
}

// StartTyping emits a typing indicator for the local user.
func (m *Manager) StartTyping(chatID string) error {
	env := wire.New(wire.EventTyping, nil)
	env.ChatID = chatID
	return m.sender.Send(env)
}

// StopTyping clears the local user's typing indicator.
func (m *Manager) StopTyping(chatID string) error {
	env := wire.New(wire.EventStopTyping, nil)
	env.ChatID = chatID
	return m.sender.Send(env)
}

// AddReaction emits a reaction; the message model living upstream keeps the
// authoritative reaction list.
func (m *Manager) AddReaction(messageID, chatID, emoji string) error {
	env := wire.New(wire.EventReactionAdded, map[string]any{
		"message_id": messageID,
		"emoji":      emoji,
	})
	env.ChatID = chatID
	return m.sender.Send(env)
}

// RemoveReaction retracts a reaction.
func (m *Manager) RemoveReaction(messageID, chatID, emoji string) error {
	env := wire.New(wire.EventReactionRemoved, map[string]any{
		"message_id": messageID,
		"emoji":      emoji,
	})
	env.ChatID = chatID
	return m.sender.Send(env)
}

// SubscribeChat registers interest in one chat's events.
func (m *Manager) SubscribeChat(chatID string) {
	m.subs.Subscribe(chatID, chatEvents...)
}

// UnsubscribeChat drops interest in one chat.
func (m *Manager) UnsubscribeChat(chatID string) {
	m.subs.Unsubscribe(chatID)
}

// TypingUsers returns who is currently typing in a chat.
func (m *Manager) TypingUsers(chatID string) []string {
	return m.typing.usersIn(chatID)
}

// Readers returns the users known to have read a message.
func (m *Manager) Readers(messageID string) []string {
	m.receiptMu.Lock()
	defer m.receiptMu.Unlock()
	set := m.receipts[messageID]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	return out
}

// Streams published to the application layer.

func (m *Manager) Messages() (<-chan Message, func())    { return m.messages.Subscribe() }
func (m *Manager) Status() (<-chan StatusUpdate, func()) { return m.status.Subscribe() }
func (m *Manager) Typing() (<-chan TypingStatus, func()) { return m.typingSt.Subscribe() }
func (m *Manager) Updates() (<-chan ChatUpdate, func())  { return m.updates.Subscribe() }
func (m *Manager) Reactions() (<-chan Reaction, func())  { return m.reactions.Subscribe() }
func (m *Manager) Presence() (<-chan Presence, func())   { return m.presence.Subscribe() }

// HandleEnvelope processes one inbound chat-category envelope.
func (m *Manager) HandleEnvelope(env wire.Envelope) {
	switch env.Type {
	case wire.EventNewMessage:
		m.messages.Publish(Message{
			ID:        env.ID,
			ChatID:    env.ChatID,
			SenderID:  env.UserID,
			Content:   env.Data,
			Timestamp: env.Timestamp,
		})

	case wire.EventMessageDelivered:
		id := messageID(env)
		m.tracker.resolve(id, nil)
		m.status.Publish(StatusUpdate{
			MessageID: id,
			ChatID:    env.ChatID,
			UserID:    env.UserID,
			Status:    StatusDelivered,
			Timestamp: env.Timestamp,
		})

	case wire.EventMessageRead:
		id := messageID(env)
		m.recordRead(id, env.UserID)
		m.status.Publish(StatusUpdate{
			MessageID: id,
			ChatID:    env.ChatID,
			UserID:    env.UserID,
			Status:    StatusRead,
			Timestamp: env.Timestamp,
		})

	case wire.EventTyping:
		if env.ChatID == "" || env.UserID == "" {
			return
		}
		m.typing.add(env.ChatID, env.UserID)
		m.typingSt.Publish(TypingStatus{ChatID: env.ChatID, UserID: env.UserID, Typing: true})

	case wire.EventStopTyping:
		if m.typing.remove(env.ChatID, env.UserID) {
			m.typingSt.Publish(TypingStatus{ChatID: env.ChatID, UserID: env.UserID, Typing: false})
		}

	case wire.EventReactionAdded, wire.EventReactionRemoved:
		m.reactions.Publish(Reaction{
			MessageID: messageID(env),
			ChatID:    env.ChatID,
			UserID:    env.UserID,
			Emoji:     env.String("emoji"),
			Added:     env.Type == wire.EventReactionAdded,
		})

	case wire.EventChatDeleted:
		m.updates.Publish(ChatUpdate{Type: string(env.Type), ChatID: env.ChatID, Data: env.Data})
		// A deleted chat can produce no further events; drop the
		// subscription.
		m.subs.Unsubscribe(env.ChatID)

	case wire.EventChatCreated, wire.EventChatUpdated,
		wire.EventParticipantAdded, wire.EventParticipantRemoved,
		wire.EventFileUploadProgress, wire.EventFileUploaded:
		m.updates.Publish(ChatUpdate{Type: string(env.Type), ChatID: env.ChatID, Data: env.Data})

	case wire.EventUserOnline, wire.EventUserOffline:
		m.presence.Publish(Presence{UserID: env.UserID, Online: env.Type == wire.EventUserOnline})

	default:
		log.Debugw("unhandled chat envelope", "type", env.Type)
	}
}

// Close cancels typing timers and closes all published streams.
func (m *Manager) Close() {
	m.typing.clear()
	m.messages.Close()
	m.status.Close()
	m.typingSt.Close()
	m.updates.Close()
	m.reactions.Close()
	m.presence.Close()
}

func (m *Manager) recordRead(messageID, userID string) {
	if messageID == "" || userID == "" {
		return
	}
	m.receiptMu.Lock()
	set, ok := m.receipts[messageID]
	if !ok {
		set = make(map[string]struct{})
		m.receipts[messageID] = set
	}
	set[userID] = struct{}{}
	m.receiptMu.Unlock()
}

// messageID resolves the message a status envelope refers to: the envelope
// correlation ID when present, the payload field otherwise.
func messageID(env wire.Envelope) string {
	if env.ID != "" {
		return env.ID
	}
	return env.String("message_id")
}
