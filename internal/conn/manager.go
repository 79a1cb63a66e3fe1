// Package conn owns the one logical server connection: it dials,
// authenticates, heartbeats, reconnects, and moves envelopes in both
// directions. Everything above it (router, chat, call) sees only typed
// envelopes and the connection state stream.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/relaychat/realtime/internal/config"
	"github.com/relaychat/realtime/internal/stream"
	"github.com/relaychat/realtime/internal/util"
	"github.com/relaychat/realtime/wire"
)

var log = logging.Logger("realtime:conn")

var (
	// ErrNotConnected is returned when an envelope that may not be queued
	// (authentication) is sent while the wire is down.
	ErrNotConnected = errors.New("conn: wire not open")
)

// inboxCap bounds the envelopes buffered between the receive loop and the
// dispatch goroutine so a slow handler can never stall reads or heartbeat.
const inboxCap = 256

// Manager maintains exactly one connection to the server.
//
// All state transitions funnel through setStateLocked under mu; the receive
// loop, heartbeat loop and every timer callback carry a generation number
// and become no-ops once the wire they belong to has been torn down.
type Manager struct {
	cfg    config.Connection
	url    string
	dialer Dialer
	creds  CredentialStore
	clock  clock.Clock

	mu             sync.Mutex
	state          State
	conn           Conn
	pending        []wire.Envelope
	attempts       int
	gen            int
	connectTimer   *clock.Timer
	reconnectTimer *clock.Timer
	stopHeartbeat  chan struct{}
	closed         bool

	// inbox is never closed: the read loop of a dying wire may still be
	// draining buffered envelopes into it. dispatchLoop exits via quit.
	inbox  chan wire.Envelope
	quit   chan struct{}
	states *stream.Broadcaster[State]

	hookMu          sync.RWMutex
	handler         func(wire.Envelope)
	onAuthenticated func()
	onForcedLogout  func()
}

// New creates a manager for the given endpoint. It does not connect; call
// Connect explicitly.
func New(cfg config.Connection, url string, dialer Dialer, creds CredentialStore, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		cfg:    cfg,
		url:    url,
		dialer: dialer,
		creds:  creds,
		clock:  clk,
		state:  StateDisconnected,
		inbox:  make(chan wire.Envelope, inboxCap),
		quit:   make(chan struct{}),
		states: stream.New[State](),
	}
	go m.dispatchLoop()
	return m
}

// SetHandler registers the consumer of inbound non-control envelopes.
// Envelopes are delivered in arrival order on a single goroutine.
func (m *Manager) SetHandler(fn func(wire.Envelope)) {
	m.hookMu.Lock()
	m.handler = fn
	m.hookMu.Unlock()
}

// OnAuthenticated registers a hook fired after each successful
// authentication, once the pending queue has been flushed.
func (m *Manager) OnAuthenticated(fn func()) {
	m.hookMu.Lock()
	m.onAuthenticated = fn
	m.hookMu.Unlock()
}

// OnForcedLogout registers a hook fired when the server forces a logout.
func (m *Manager) OnForcedLogout(fn func()) {
	m.hookMu.Lock()
	m.onForcedLogout = fn
	m.hookMu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// States returns the connection-state stream.
func (m *Manager) States() (<-chan State, func()) {
	return m.states.Subscribe()
}

// Connect starts connection establishment. It is a no-op while a connection
// attempt is in flight or a connection is open. A fresh Connect out of the
// error state restarts the attempt counter's backoff sequence only after a
// successful dial.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("conn: manager closed")
	}
	if m.state == StateConnecting || m.state.live() {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	gen := m.gen
	m.connectTimer = m.clock.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.connectTimedOut(gen)
	})
	m.mu.Unlock()

	go m.dial(ctx, gen)
	return nil
}

// Disconnect tears the connection down and cancels every outstanding timer.
// No further transitions happen until the next Connect. Envelopes queued
// while unauthenticated are kept for the next session.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closeWireLocked()
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
}

// Close shuts the manager down for good.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeWireLocked()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	close(m.quit)
	m.states.Close()
}

// Send writes the envelope immediately when the session allows it, and
// queues it otherwise. Queued envelopes are flushed in FIFO order right
// after the next successful authentication. Authentication envelopes are
// never queued: they fail with ErrNotConnected when the wire is down.
func (m *Manager) Send(env wire.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env.Type == wire.EventAuth {
		if !m.state.live() {
			return ErrNotConnected
		}
		return m.writeLocked(env)
	}
	if m.state == StateAuthenticated {
		return m.writeLocked(env)
	}
	// Control envelopes (ping, subscribe, ...) may go out on a connected
	// but not yet authenticated wire.
	if m.state.live() && env.Type.Category() == wire.CategoryControl {
		return m.writeLocked(env)
	}
	m.pending = append(m.pending, env)
	log.Debugw("queued envelope until authenticated", "type", env.Type, "queued", len(m.pending))
	return nil
}

// PendingCount reports how many envelopes await the next authentication.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) dial(ctx context.Context, gen int) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	c, err := m.dialer.Dial(dctx, m.url, nil)

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if err == nil {
			c.Close()
		}
		return
	}
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if err != nil {
		log.Warnw("dial failed", "url", m.url, "err", err)
		m.closeWireLocked()
		m.setStateLocked(StateError)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.conn = c
	m.attempts = 0
	m.setStateLocked(StateConnected)
	stop := make(chan struct{})
	m.stopHeartbeat = stop
	gen = m.gen
	m.mu.Unlock()

	log.Infow("connected", "url", m.url)
	go m.readLoop(c, gen)
	go m.heartbeatLoop(stop)
	m.authenticate(gen)
}

func (m *Manager) connectTimedOut(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateConnecting {
		return
	}
	log.Warnw("connection establishment timed out", "timeout", m.cfg.ConnectTimeout)
	m.closeWireLocked()
	m.setStateLocked(StateError)
	m.scheduleReconnectLocked()
}

// authenticate sends the credential envelope right after the wire opens.
// Authentication failure is terminal for this session: the credential has
// to be refreshed externally before the caller retries Connect.
func (m *Manager) authenticate(gen int) {
	token, ok := m.creds.AccessToken()
	if !ok {
		log.Errorw("no access token stored, cannot authenticate")
		m.mu.Lock()
		if gen == m.gen {
			m.closeWireLocked()
			m.setStateLocked(StateError)
		}
		m.mu.Unlock()
		return
	}

	env := wire.New(wire.EventAuth, map[string]any{
		"token":     token,
		"device_id": m.creds.DeviceID(),
		"fcm_token": m.creds.FCMToken(),
	})

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateAuthenticating)
	if err := m.writeLocked(env); err != nil {
		log.Warnw("send auth envelope", "err", err)
	}
	m.mu.Unlock()
}

func (m *Manager) readLoop(c Conn, gen int) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			m.wireFailed(gen, err)
			return
		}
		env, derr := wire.Decode(data)
		if derr != nil {
			// Protocol error: drop the envelope, keep the connection.
			log.Debugw("dropping malformed envelope", "err", derr)
			continue
		}
		m.handleInbound(env, gen)
	}
}

// handleInbound consumes auth and system envelopes; everything else goes to
// the dispatch goroutine via the bounded inbox.
func (m *Manager) handleInbound(env wire.Envelope, gen int) {
	switch env.Type {
	case wire.EventAuthOK:
		m.authSucceeded(gen)

	case wire.EventAuthError:
		log.Warnw("authentication rejected", "reason", env.String("reason"))
		m.mu.Lock()
		if gen == m.gen {
			m.closeWireLocked()
			m.setStateLocked(StateError)
		}
		m.mu.Unlock()

	case wire.EventRateLimit:
		retry := time.Duration(env.Float("retry_after_ms")) * time.Millisecond
		if retry <= 0 {
			retry = m.cfg.ReconnectBase
		}
		m.rateLimited(gen, retry)

	case wire.EventForceLogout:
		log.Warnw("forced logout from server")
		m.creds.ClearTokens()
		m.mu.Lock()
		if gen == m.gen {
			m.closeWireLocked()
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		if fn := m.forcedLogoutHook(); fn != nil {
			go fn()
		}

	case wire.EventPing:
		// Server-side keepalive probe; answer immediately.
		m.mu.Lock()
		if gen == m.gen {
			_ = m.writeLocked(wire.New(wire.EventPong, nil))
		}
		m.mu.Unlock()

	case wire.EventPong:
		// Transport-level keep-alive handles pong absence.

	default:
		select {
		case m.inbox <- env:
		default:
			log.Warnw("inbox full, dropping envelope", "type", env.Type)
		}
	}
}

func (m *Manager) authSucceeded(gen int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateAuthenticated)
	queued := m.pending
	m.pending = nil
	var flushed int
	for i, env := range queued {
		if err := m.writeLocked(env); err != nil {
			// Wire died mid-flush. Keep the unsent tail, in order, for
			// the next authentication; writeLocked already scheduled the
			// reconnect.
			m.pending = append(m.pending, queued[i:]...)
			break
		}
		flushed++
	}
	m.mu.Unlock()

	if len(queued) > 0 {
		log.Infow("flushed pending envelopes", "count", flushed, "requeued", len(queued)-flushed)
	}
	if fn := m.authenticatedHook(); fn != nil {
		go fn()
	}
}

// rateLimited applies the server's retry-after: drop the wire now and come
// back exactly once at the requested time, bypassing backoff.
func (m *Manager) rateLimited(gen int, retry time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	log.Warnw("rate limited by server", "retry_after", retry)
	m.closeWireLocked()
	m.setStateLocked(StateReconnecting)
	next := m.gen
	m.reconnectTimer = m.clock.AfterFunc(retry, func() {
		m.reconnectFire(next)
	})
}

func (m *Manager) wireFailed(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		// Wire already replaced or deliberately closed.
		return
	}
	log.Warnw("wire failed", "err", err)
	m.closeWireLocked()
	m.setStateLocked(StateError)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked applies the backoff policy: base*2^attempt plus
// jitter, up to the attempt ceiling. Beyond the ceiling the manager stays
// in the error state until an explicit Connect.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		log.Errorw("reconnect ceiling reached", "attempts", m.attempts)
		return
	}
	delay := util.BackoffDelay(m.attempts, m.cfg.ReconnectBase, m.cfg.ReconnectJitter)
	m.attempts++
	m.setStateLocked(StateReconnecting)
	log.Infow("reconnect scheduled", "attempt", m.attempts, "delay", delay)
	gen := m.gen
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.reconnectFire(gen)
	})
}

func (m *Manager) reconnectFire(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting || m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	_ = m.Connect(context.Background())
}

// closeWireLocked invalidates the current generation: cancels timers, stops
// the heartbeat, closes the socket. Loops belonging to the old generation
// see the mismatch and exit quietly.
func (m *Manager) closeWireLocked() {
	m.gen++
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) writeLocked(env wire.Envelope) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	b, err := env.Encode()
	if err != nil {
		return err
	}
	if err := m.conn.WriteMessage(b); err != nil {
		log.Warnw("write failed", "type", env.Type, "err", err)
		m.closeWireLocked()
		m.setStateLocked(StateError)
		m.scheduleReconnectLocked()
		return err
	}
	return nil
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	log.Debugw("state", "from", m.state.String(), "to", s.String())
	m.state = s
	m.states.Publish(s)
}

func (m *Manager) heartbeatLoop(stop chan struct{}) {
	t := m.clock.Ticker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.mu.Lock()
			if m.state.live() {
				_ = m.writeLocked(wire.New(wire.EventPing, nil))
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) dispatchLoop() {
	for {
		select {
		case <-m.quit:
			return
		case env := <-m.inbox:
			m.hookMu.RLock()
			fn := m.handler
			m.hookMu.RUnlock()
			if fn != nil {
				fn(env)
			}
		}
	}
}

func (m *Manager) authenticatedHook() func() {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.onAuthenticated
}

func (m *Manager) forcedLogoutHook() func() {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.onForcedLogout
}
