package router

import (
	"sync"
	"testing"

	"github.com/relaychat/realtime/wire"
)

type captureSender struct {
	mu   sync.Mutex
	sent []wire.Envelope
}

func (s *captureSender) Send(env wire.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	return nil
}

func (s *captureSender) byType(t wire.EventType) []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Envelope
	for _, env := range s.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func TestDispatchByCategory(t *testing.T) {
	r := New(&captureSender{})
	defer r.Close()

	var chatGot, callGot []wire.EventType
	r.HandleChat(func(env wire.Envelope) { chatGot = append(chatGot, env.Type) })
	r.HandleCall(func(env wire.Envelope) { callGot = append(callGot, env.Type) })

	r.Dispatch(wire.New(wire.EventNewMessage, nil))
	r.Dispatch(wire.New(wire.EventTyping, nil))
	r.Dispatch(wire.New(wire.EventCallInitiate, nil))
	r.Dispatch(wire.New(wire.EventType("mystery"), nil)) // dropped
	r.Dispatch(wire.New(wire.EventSubscribe, nil))       // control, ignored

	if len(chatGot) != 2 || chatGot[0] != wire.EventNewMessage || chatGot[1] != wire.EventTyping {
		t.Fatalf("chat handler got %v", chatGot)
	}
	if len(callGot) != 1 || callGot[0] != wire.EventCallInitiate {
		t.Fatalf("call handler got %v", callGot)
	}
}

func TestRawStreamSeesEverything(t *testing.T) {
	r := New(&captureSender{})
	defer r.Close()

	raw, cancel := r.Raw()
	defer cancel()

	r.Dispatch(wire.New(wire.EventType("mystery"), nil))
	env := <-raw
	if env.Type != wire.EventType("mystery") {
		t.Fatalf("raw got %s", env.Type)
	}
}

func TestSubscribeQueuedUntilAuthenticated(t *testing.T) {
	s := &captureSender{}
	r := New(s)
	defer r.Close()

	r.Subscribe("chat:42", wire.EventNewMessage, wire.EventTyping)
	if n := len(s.byType(wire.EventSubscribe)); n != 0 {
		t.Fatalf("emitted %d subscribes before auth", n)
	}

	r.HandleAuthenticated()
	subs := s.byType(wire.EventSubscribe)
	if len(subs) != 1 {
		t.Fatalf("emitted %d subscribes after auth", len(subs))
	}
	if subs[0].String("channel") != "chat:42" {
		t.Fatalf("channel = %q", subs[0].String("channel"))
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	s := &captureSender{}
	r := New(s)
	defer r.Close()

	r.HandleAuthenticated()
	r.Subscribe("chat:1")
	r.Subscribe("chat:2")
	if n := len(s.byType(wire.EventSubscribe)); n != 2 {
		t.Fatalf("emitted %d subscribes", n)
	}

	// Re-subscribing within the same session does not re-emit.
	r.Subscribe("chat:1")
	if n := len(s.byType(wire.EventSubscribe)); n != 2 {
		t.Fatalf("duplicate emission within session, total %d", n)
	}

	// A new session re-issues every retained subscription.
	r.HandleDisconnected()
	r.HandleAuthenticated()
	if n := len(s.byType(wire.EventSubscribe)); n != 4 {
		t.Fatalf("after reconnect total subscribes = %d, want 4", n)
	}
}

func TestResubscribeWithChangedEvents(t *testing.T) {
	s := &captureSender{}
	r := New(s)
	defer r.Close()

	r.HandleAuthenticated()
	r.Subscribe("chat:7", wire.EventNewMessage)
	r.Subscribe("chat:7", wire.EventNewMessage)
	if n := len(s.byType(wire.EventSubscribe)); n != 1 {
		t.Fatalf("same-event resubscribe emitted, total %d", n)
	}

	// Changing the event set must reach the server even mid-session.
	r.Subscribe("chat:7", wire.EventNewMessage, wire.EventTyping)
	subs := s.byType(wire.EventSubscribe)
	if len(subs) != 2 {
		t.Fatalf("changed-event resubscribe total = %d, want 2", len(subs))
	}
	if got, _ := subs[1].Data["events"].([]string); len(got) != 2 {
		t.Fatalf("re-emitted events = %v", subs[1].Data["events"])
	}
}

func TestUnsubscribe(t *testing.T) {
	s := &captureSender{}
	r := New(s)
	defer r.Close()

	r.HandleAuthenticated()
	r.Subscribe("chat:9")
	r.Unsubscribe("chat:9")

	uns := s.byType(wire.EventUnsubscribe)
	if len(uns) != 1 || uns[0].String("channel") != "chat:9" {
		t.Fatalf("unsubscribes = %v", uns)
	}

	// Dropped subscriptions do not come back on the next session.
	r.HandleDisconnected()
	r.HandleAuthenticated()
	if n := len(s.byType(wire.EventSubscribe)); n != 1 {
		t.Fatalf("dropped subscription re-issued, total %d", n)
	}

	// Unsubscribing an unknown channel emits nothing.
	r.Unsubscribe("chat:404")
	if n := len(s.byType(wire.EventUnsubscribe)); n != 1 {
		t.Fatalf("unknown-channel unsubscribe emitted, total %d", n)
	}
}
