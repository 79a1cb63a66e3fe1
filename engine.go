// Package realtime is a client-side realtime engine for chat and calling
// applications. It maintains an authenticated websocket session to the
// signaling server, routes inbound events to the chat and call components,
// and exposes their operations and event streams to the application layer.
package realtime

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/relaychat/realtime/internal/call"
	"github.com/relaychat/realtime/internal/chat"
	"github.com/relaychat/realtime/internal/config"
	"github.com/relaychat/realtime/internal/conn"
	"github.com/relaychat/realtime/internal/media"
	"github.com/relaychat/realtime/internal/notify"
	"github.com/relaychat/realtime/internal/router"
	"github.com/relaychat/realtime/internal/storage"
	"github.com/relaychat/realtime/wire"
)

var log = logging.Logger("realtime:engine")

// Options configures a new Engine. Start Config from config.Default or
// config.FromEnv; Creds is required; everything else has a working default.
type Options struct {
	Config config.Config

	// Creds supplies the auth token and device identity.
	Creds conn.CredentialStore

	// Dialer opens the websocket. Defaults to the gorilla dialer.
	Dialer conn.Dialer

	// Media builds one engine per call. Defaults to a pion engine
	// with the public Google STUN server.
	Media call.EngineFactory

	// Notify receives incoming-call and forced-logout alerts.
	// Defaults to a log-only sink.
	Notify notify.Sink

	// DataDir holds the call history database. Empty disables history.
	DataDir string

	// Clock is swapped for a mock in tests.
	Clock clock.Clock
}

// Engine owns the component graph and their shared lifecycle.
type Engine struct {
	cfg config.Config

	conn   *conn.Manager
	router *router.Router
	chat   *chat.Manager
	calls  *call.Manager
	store  *storage.CallStore

	stopWatch func()
}

// New builds and wires the engine. Call Connect to go online and Close
// to tear everything down.
func New(opts Options) (*Engine, error) {
	if opts.Creds == nil {
		return nil, errors.New("realtime: Options.Creds is required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		if err := logging.SetLogLevelRegex("realtime:.*", cfg.LogLevel); err != nil {
			log.Warnw("apply log level", "level", cfg.LogLevel, "err", err)
		}
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &conn.WebsocketDialer{}
	}
	factory := opts.Media
	if factory == nil {
		factory = func() media.Engine { return media.NewPionEngine(media.DefaultICEServers()) }
	}
	sink := opts.Notify
	if sink == nil {
		sink = notify.LogSink{}
	}

	e := &Engine{cfg: cfg}

	if opts.DataDir != "" {
		store, err := storage.OpenCallStore(opts.DataDir)
		if err != nil {
			return nil, err
		}
		e.store = store
	}

	e.conn = conn.New(cfg.Connection, cfg.Server.URL, dialer, opts.Creds, clk)
	e.router = router.New(e.conn)
	e.chat = chat.New(cfg.Chat, e.conn, e.router, clk)

	var callStore call.Store
	if e.store != nil {
		callStore = e.store
	}
	e.calls = call.New(cfg.Call, e.conn, callStore, factory, clk)
	e.calls.OnIncoming(sink.IncomingCall)

	e.conn.SetHandler(e.router.Dispatch)
	e.conn.OnAuthenticated(e.router.HandleAuthenticated)
	e.conn.OnForcedLogout(sink.ForcedLogout)
	e.router.HandleChat(e.chat.HandleEnvelope)
	e.router.HandleCall(e.calls.HandleEnvelope)

	states, cancel := e.conn.States()
	e.stopWatch = cancel
	go e.watchConnection(states)

	return e, nil
}

// watchConnection relays connection drops into the router and the call
// state machine.
func (e *Engine) watchConnection(states <-chan conn.State) {
	up := false
	for st := range states {
		switch st {
		case conn.StateAuthenticated:
			up = true
		case conn.StateDisconnected, conn.StateReconnecting, conn.StateError:
			if up {
				up = false
				log.Debugw("connection lost", "state", st.String())
				e.router.HandleDisconnected()
				e.calls.HandleConnectionLost()
			}
		}
	}
}

// Connect opens the websocket and authenticates. Reconnects after
// failures are automatic.
func (e *Engine) Connect(ctx context.Context) error { return e.conn.Connect(ctx) }

// Disconnect closes the session without scheduling a reconnect.
func (e *Engine) Disconnect() { e.conn.Disconnect() }

// ConnectionState reports the current session state.
func (e *Engine) ConnectionState() conn.State { return e.conn.State() }

// ConnectionStates streams session state transitions.
func (e *Engine) ConnectionStates() (<-chan conn.State, func()) { return e.conn.States() }

// Chat exposes messaging operations and streams.
func (e *Engine) Chat() *chat.Manager { return e.chat }

// Calls exposes call signaling operations and streams.
func (e *Engine) Calls() *call.Manager { return e.calls }

// Events streams every inbound envelope, for diagnostics.
func (e *Engine) Events() (<-chan wire.Envelope, func()) { return e.router.Raw() }

// Subscribe registers a server-side channel subscription. It is re-issued
// automatically after every reconnect.
func (e *Engine) Subscribe(channelKey string, events ...wire.EventType) {
	e.router.Subscribe(channelKey, events...)
}

// Unsubscribe drops a channel subscription.
func (e *Engine) Unsubscribe(channelKey string) { e.router.Unsubscribe(channelKey) }

// CallHistory returns up to limit finished calls, newest first. It is
// empty when the engine runs without a data dir.
func (e *Engine) CallHistory(limit int) ([]storage.CallRecord, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.CachedCalls(limit)
}

// Close shuts down every component. The engine cannot be reused.
func (e *Engine) Close() error {
	if e.stopWatch != nil {
		e.stopWatch()
	}
	e.calls.Close()
	e.chat.Close()
	e.router.Close()
	e.conn.Close()
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}
