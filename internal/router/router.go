// Package router fans inbound envelopes out to the chat and call handlers
// and keeps the per-channel subscription table, re-issuing subscriptions
// after every successful authentication.
package router

import (
	"slices"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/relaychat/realtime/internal/stream"
	"github.com/relaychat/realtime/wire"
)

var log = logging.Logger("realtime:router")

// Sender is the outbound half the router needs from the connection manager.
type Sender interface {
	Send(env wire.Envelope) error
}

type subscription struct {
	events []wire.EventType
	// session in which the subscribe envelope was last emitted; avoids
	// duplicate emissions within one authenticated session.
	session int
}

// Router demultiplexes inbound envelopes by event category.
type Router struct {
	sender Sender

	mu      sync.Mutex
	subs    map[string]*subscription
	session int // bumped on every successful authentication

	hookMu      sync.RWMutex
	chatHandler func(wire.Envelope)
	callHandler func(wire.Envelope)

	raw *stream.Broadcaster[wire.Envelope]
}

func New(sender Sender) *Router {
	return &Router{
		sender: sender,
		subs:   make(map[string]*subscription),
		raw:    stream.New[wire.Envelope](),
	}
}

// HandleChat registers the chat signaling handler.
func (r *Router) HandleChat(fn func(wire.Envelope)) {
	r.hookMu.Lock()
	r.chatHandler = fn
	r.hookMu.Unlock()
}

// HandleCall registers the call signaling handler.
func (r *Router) HandleCall(fn func(wire.Envelope)) {
	r.hookMu.Lock()
	r.callHandler = fn
	r.hookMu.Unlock()
}

// Raw returns the diagnostic stream carrying every inbound envelope,
// including types no handler matches.
func (r *Router) Raw() (<-chan wire.Envelope, func()) {
	return r.raw.Subscribe()
}

// Dispatch routes one inbound envelope. It is called from the connection
// manager's dispatch goroutine and must not block.
func (r *Router) Dispatch(env wire.Envelope) {
	r.raw.Publish(env)

	r.hookMu.RLock()
	chat, call := r.chatHandler, r.callHandler
	r.hookMu.RUnlock()

	switch env.Type.Category() {
	case wire.CategoryChat:
		if chat != nil {
			chat(env)
		}
	case wire.CategoryCall:
		if call != nil {
			call(env)
		}
	case wire.CategoryControl:
		// Subscribe acks and similar control chatter need no handling.
	default:
		log.Debugw("dropping unmatched envelope", "type", env.Type)
	}
}

// Subscribe records the channel subscription and emits the subscribe
// envelope when a session is authenticated. Without a session the
// association is retained and re-emitted on the next authentication.
// Re-subscribing with a different event set re-emits within the session
// so the server never holds a stale event list.
func (r *Router) Subscribe(channelKey string, events ...wire.EventType) {
	r.mu.Lock()
	sub, ok := r.subs[channelKey]
	if !ok {
		sub = &subscription{}
		r.subs[channelKey] = sub
	}
	changed := ok && !slices.Equal(sub.events, events)
	sub.events = events
	emit := r.session > 0 && (sub.session != r.session || changed)
	if emit {
		sub.session = r.session
	}
	r.mu.Unlock()

	if emit {
		r.emitSubscribe(channelKey, events)
	}
}

// Unsubscribe drops the association and tells the server.
func (r *Router) Unsubscribe(channelKey string) {
	r.mu.Lock()
	_, ok := r.subs[channelKey]
	delete(r.subs, channelKey)
	active := r.session > 0
	r.mu.Unlock()

	if ok && active {
		env := wire.New(wire.EventUnsubscribe, map[string]any{"channel": channelKey})
		if err := r.sender.Send(env); err != nil {
			log.Debugw("unsubscribe emit failed", "channel", channelKey, "err", err)
		}
	}
}

// HandleAuthenticated re-issues every active subscription. Wired to the
// connection manager's post-authentication hook.
func (r *Router) HandleAuthenticated() {
	r.mu.Lock()
	r.session++
	type pending struct {
		key    string
		events []wire.EventType
	}
	var out []pending
	for key, sub := range r.subs {
		sub.session = r.session
		out = append(out, pending{key: key, events: sub.events})
	}
	r.mu.Unlock()

	for _, p := range out {
		r.emitSubscribe(p.key, p.events)
	}
	if len(out) > 0 {
		log.Infow("re-issued subscriptions", "count", len(out))
	}
}

// HandleDisconnected invalidates the session so the next Subscribe call
// queues instead of emitting into a dead wire.
func (r *Router) HandleDisconnected() {
	r.mu.Lock()
	r.session = 0
	for _, sub := range r.subs {
		sub.session = 0
	}
	r.mu.Unlock()
}

// Close shuts the diagnostic stream down.
func (r *Router) Close() {
	r.raw.Close()
}

func (r *Router) emitSubscribe(channelKey string, events []wire.EventType) {
	names := make([]string, len(events))
	for i, t := range events {
		names[i] = string(t)
	}
	env := wire.New(wire.EventSubscribe, map[string]any{
		"channel": channelKey,
		"events":  names,
	})
	if err := r.sender.Send(env); err != nil {
		log.Debugw("subscribe emit failed", "channel", channelKey, "err", err)
	}
}
