package conn

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relaychat/realtime/internal/config"
	"github.com/relaychat/realtime/wire"
)

// fakeConn is an in-memory wire. Inbound envelopes are injected with
// serve; outbound ones are collected for assertions.
type fakeConn struct {
	mu    sync.Mutex
	wrote []wire.Envelope
	in    chan []byte

	failWrites bool
	failAfter  int // when > 0, writes fail once this many landed
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.in
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites || (c.failAfter > 0 && len(c.wrote) >= c.failAfter) {
		return errors.New("write on broken wire")
	}
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	c.wrote = append(c.wrote, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.in) })
	return nil
}

func (c *fakeConn) serve(t *testing.T, env wire.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	c.in <- data
}

func (c *fakeConn) written() []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Envelope, len(c.wrote))
	copy(out, c.wrote)
	return out
}

// fakeDialer hands out one fakeConn per dial, or fails when broken.
type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	broken bool
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broken {
		d.conns = append(d.conns, nil)
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testConfig() config.Connection {
	return config.Connection{
		ConnectTimeout:       30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBase:        2 * time.Second,
		ReconnectJitter:      time.Second,
		MaxReconnectAttempts: 5,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// authenticated drives a manager through connect and auth success.
func authenticated(t *testing.T, m *Manager, d *fakeDialer) *fakeConn {
	t.Helper()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "auth envelope", func() bool {
		c := d.last()
		return c != nil && len(c.written()) > 0
	})
	c := d.last()
	c.serve(t, wire.New(wire.EventAuthOK, nil))
	waitFor(t, "authenticated state", func() bool { return m.State() == StateAuthenticated })
	return c
}

func TestConnectAndAuthenticate(t *testing.T) {
	d := &fakeDialer{}
	creds := &StaticCredentials{Token: "tok-1", Device: "dev-1", FCM: "fcm-1"}
	m := New(testConfig(), "wss://x", d, creds, clock.NewMock())
	defer m.Close()

	c := authenticated(t, m, d)

	out := c.written()
	if out[0].Type != wire.EventAuth {
		t.Fatalf("first envelope = %s, want auth", out[0].Type)
	}
	if got := out[0].String("token"); got != "tok-1" {
		t.Fatalf("auth token = %q", got)
	}
	if got := out[0].String("device_id"); got != "dev-1" {
		t.Fatalf("auth device_id = %q", got)
	}
}

func TestPendingQueueFlushedInOrder(t *testing.T) {
	d := &fakeDialer{}
	m := New(testConfig(), "wss://x", d, &StaticCredentials{Token: "t"}, clock.NewMock())
	defer m.Close()

	// Queued while offline.
	for _, id := range []string{"a", "b", "c"} {
		env := wire.New(wire.EventNewMessage, map[string]any{"n": id})
		env.ID = id
		if err := m.Send(env); err != nil {
			t.Fatal(err)
		}
	}
	if n := m.PendingCount(); n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}

	c := authenticated(t, m, d)

	waitFor(t, "queue flush", func() bool { return len(c.written()) >= 4 })
	out := c.written()
	for i, want := range []string{"a", "b", "c"} {
		if got := out[i+1].ID; got != want {
			t.Fatalf("flush order[%d] = %q, want %q", i, got, want)
		}
	}
	if n := m.PendingCount(); n != 0 {
		t.Fatalf("pending after flush = %d", n)
	}
}

func TestAuthEnvelopeNeverQueued(t *testing.T) {
	d := &fakeDialer{}
	m := New(testConfig(), "wss://x", d, &StaticCredentials{Token: "t"}, clock.NewMock())
	defer m.Close()

	err := m.Send(wire.New(wire.EventAuth, map[string]any{"token": "t"}))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if n := m.PendingCount(); n != 0 {
		t.Fatalf("auth envelope was queued, pending = %d", n)
	}
}

func TestReconnectBackoffCeiling(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{broken: true}
	cfg := testConfig()
	m := New(cfg, "wss://x", d, &StaticCredentials{Token: "t"}, mock)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Initial dial plus five scheduled retries, doubling delays. Advancing
	// by base*2^n+jitter always covers the jittered delay.
	for attempt := 0; attempt < cfg.MaxReconnectAttempts; attempt++ {
		want := attempt + 1
		waitFor(t, "reconnecting state", func() bool {
			return d.dials() == want && m.State() == StateReconnecting
		})
		mock.Add(cfg.ReconnectBase<<attempt + cfg.ReconnectJitter)
	}

	waitFor(t, "ceiling reached", func() bool {
		return d.dials() == cfg.MaxReconnectAttempts+1 && m.State() == StateError
	})

	// No further attempts without an explicit Connect.
	mock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := d.dials(); n != cfg.MaxReconnectAttempts+1 {
		t.Fatalf("dials after ceiling = %d, want %d", n, cfg.MaxReconnectAttempts+1)
	}

	// An explicit Connect starts over.
	d.mu.Lock()
	d.broken = false
	d.mu.Unlock()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "fresh dial", func() bool { return d.dials() == cfg.MaxReconnectAttempts+2 })
}

func TestRateLimitSingleRetry(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	m := New(testConfig(), "wss://x", d, &StaticCredentials{Token: "t"}, mock)
	defer m.Close()

	c := authenticated(t, m, d)

	c.serve(t, wire.New(wire.EventRateLimit, map[string]any{"retry_after_ms": float64(250)}))
	waitFor(t, "reconnecting state", func() bool { return m.State() == StateReconnecting })
	if n := d.dials(); n != 1 {
		t.Fatalf("redialed before retry-after, dials = %d", n)
	}

	mock.Add(250 * time.Millisecond)
	waitFor(t, "redial at retry-after", func() bool { return d.dials() == 2 })
}

func TestForcedLogout(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	creds := &StaticCredentials{Token: "t"}
	m := New(testConfig(), "wss://x", d, creds, mock)
	defer m.Close()

	var hookMu sync.Mutex
	hooked := false
	m.OnForcedLogout(func() {
		hookMu.Lock()
		hooked = true
		hookMu.Unlock()
	})

	c := authenticated(t, m, d)
	c.serve(t, wire.New(wire.EventForceLogout, nil))

	waitFor(t, "disconnected state", func() bool { return m.State() == StateDisconnected })
	waitFor(t, "logout hook", func() bool {
		hookMu.Lock()
		defer hookMu.Unlock()
		return hooked
	})
	if _, ok := creds.AccessToken(); ok {
		t.Fatal("tokens not cleared on forced logout")
	}

	// No reconnect after a forced logout.
	mock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := d.dials(); n != 1 {
		t.Fatalf("dials after forced logout = %d, want 1", n)
	}
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	m := New(testConfig(), "wss://x", d, &StaticCredentials{Token: "expired"}, mock)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "auth envelope", func() bool {
		c := d.last()
		return c != nil && len(c.written()) > 0
	})
	d.last().serve(t, wire.New(wire.EventAuthError, map[string]any{"reason": "token expired"}))

	waitFor(t, "error state", func() bool { return m.State() == StateError })
	mock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := d.dials(); n != 1 {
		t.Fatalf("dials after auth rejection = %d, want 1", n)
	}
}

func TestServerPingAnswered(t *testing.T) {
	d := &fakeDialer{}
	m := New(testConfig(), "wss://x", d, &StaticCredentials{Token: "t"}, clock.NewMock())
	defer m.Close()

	c := authenticated(t, m, d)
	c.serve(t, wire.New(wire.EventPing, nil))

	waitFor(t, "pong", func() bool {
		for _, env := range c.written() {
			if env.Type == wire.EventPong {
				return true
			}
		}
		return false
	})
}

func TestHeartbeat(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	cfg := testConfig()
	m := New(cfg, "wss://x", d, &StaticCredentials{Token: "t"}, mock)
	defer m.Close()

	c := authenticated(t, m, d)

	// Let the heartbeat goroutine arm its ticker before advancing.
	time.Sleep(20 * time.Millisecond)
	mock.Add(cfg.HeartbeatInterval)

	waitFor(t, "heartbeat ping", func() bool {
		for _, env := range c.written() {
			if env.Type == wire.EventPing {
				return true
			}
		}
		return false
	})
}

func TestDispatchOrderPreserved(t *testing.T) {
	d := &fakeDialer{}
	m := New(testConfig(), "wss://x", d, &StaticCredentials{Token: "t"}, clock.NewMock())
	defer m.Close()

	var mu sync.Mutex
	var got []string
	m.SetHandler(func(env wire.Envelope) {
		mu.Lock()
		got = append(got, env.ID)
		mu.Unlock()
	})

	c := authenticated(t, m, d)
	for _, id := range []string{"1", "2", "3", "4"} {
		env := wire.New(wire.EventNewMessage, nil)
		env.ID = id
		c.serve(t, env)
	}

	waitFor(t, "dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	})
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"1", "2", "3", "4"} {
		if got[i] != want {
			t.Fatalf("dispatch order = %v", got)
		}
	}
}

func TestDisconnectKeepsPending(t *testing.T) {
	d := &fakeDialer{}
	m := New(testConfig(), "wss://x", d, &StaticCredentials{Token: "t"}, clock.NewMock())
	defer m.Close()

	if err := m.Send(wire.New(wire.EventNewMessage, nil)); err != nil {
		t.Fatal(err)
	}
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s", m.State())
	}
	if n := m.PendingCount(); n != 1 {
		t.Fatalf("pending after disconnect = %d, want 1", n)
	}
}

func TestCloseDuringInboundTraffic(t *testing.T) {
	// Close races the read loop, which may still be draining buffered
	// envelopes off the wire into the dispatch queue.
	for i := 0; i < 20; i++ {
		d := &fakeDialer{}
		m := New(testConfig(), "wss://x", d, &StaticCredentials{Token: "t"}, clock.NewMock())
		m.SetHandler(func(wire.Envelope) {})

		c := authenticated(t, m, d)
		for j := 0; j < 20; j++ {
			c.serve(t, wire.New(wire.EventNewMessage, nil))
		}
		m.Close()
	}
}

func TestFlushFailureRequeuesTail(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	cfg := testConfig()
	m := New(cfg, "wss://x", d, &StaticCredentials{Token: "t"}, mock)
	defer m.Close()

	for _, id := range []string{"a", "b", "c"} {
		env := wire.New(wire.EventNewMessage, nil)
		env.ID = id
		if err := m.Send(env); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "auth envelope", func() bool {
		c := d.last()
		return c != nil && len(c.written()) > 0
	})

	// Wire dies after auth plus one queued envelope have landed.
	c := d.last()
	c.mu.Lock()
	c.failAfter = 2
	c.mu.Unlock()
	c.serve(t, wire.New(wire.EventAuthOK, nil))

	waitFor(t, "reconnecting state", func() bool { return m.State() == StateReconnecting })
	if n := m.PendingCount(); n != 2 {
		t.Fatalf("pending after broken flush = %d, want 2", n)
	}

	mock.Add(cfg.ReconnectBase + cfg.ReconnectJitter)
	waitFor(t, "second dial", func() bool { return d.dials() == 2 })
	waitFor(t, "auth envelope", func() bool { return len(d.last().written()) > 0 })
	d.last().serve(t, wire.New(wire.EventAuthOK, nil))

	waitFor(t, "tail flushed", func() bool { return len(d.last().written()) >= 3 })
	out := d.last().written()
	for i, want := range []string{"b", "c"} {
		if got := out[i+1].ID; got != want {
			t.Fatalf("reflushed order[%d] = %q, want %q", i, got, want)
		}
	}
	if n := m.PendingCount(); n != 0 {
		t.Fatalf("pending after reflush = %d", n)
	}
}
