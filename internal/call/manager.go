// Package call implements call signaling: the call lifecycle state machine,
// offer/answer/ICE relay to the media engine, link-quality sampling and the
// multi-participant roster. It owns one call at a time; a second incoming
// call gets a busy signal.
package call

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/relaychat/realtime/internal/config"
	"github.com/relaychat/realtime/internal/media"
	"github.com/relaychat/realtime/internal/storage"
	"github.com/relaychat/realtime/internal/stream"
	"github.com/relaychat/realtime/internal/util"
	"github.com/relaychat/realtime/wire"
)

var log = logging.Logger("realtime:call")

var (
	// ErrAlreadyInCall rejects call initiation outside the idle state.
	ErrAlreadyInCall = errors.New("call: already in a call")
	// ErrInvalidState rejects an operation the current state does not allow.
	ErrInvalidState = errors.New("call: operation not valid in current state")
	// ErrNoActiveCall rejects media operations with no call in progress.
	ErrNoActiveCall = errors.New("call: no active call")
)

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(env wire.Envelope) error
}

// Store persists finished calls for the history view. May be nil.
type Store interface {
	CacheCall(rec storage.CallRecord) error
}

// EngineFactory builds one media engine per call.
type EngineFactory func() media.Engine

// Manager is the call signaling component.
type Manager struct {
	cfg     config.Call
	sender  Sender
	store   Store
	factory EngineFactory
	clock   clock.Clock

	mu          sync.Mutex
	call        *Call
	engine      media.Engine
	local       MediaState
	setupTimer  *clock.Timer
	ringTimer   *clock.Timer
	graceTimer  *clock.Timer
	stopTickers chan struct{}
	history     *util.Ring[Quality]

	hookMu     sync.RWMutex
	onIncoming func(Call)

	events       *stream.Broadcaster[Event]
	quality      *stream.Broadcaster[Quality]
	participants *stream.Broadcaster[Participant]
}

// New creates the call manager. Wire Manager.HandleEnvelope into the
// router's call handler.
func New(cfg config.Call, sender Sender, store Store, factory EngineFactory, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:          cfg,
		sender:       sender,
		store:        store,
		factory:      factory,
		clock:        clk,
		history:      util.NewRing[Quality](cfg.QualityHistory),
		events:       stream.New[Event](),
		quality:      stream.New[Quality](),
		participants: stream.New[Participant](),
	}
}

// OnIncoming registers the incoming-call notification hook (ringing).
func (m *Manager) OnIncoming(fn func(Call)) {
	m.hookMu.Lock()
	m.onIncoming = fn
	m.hookMu.Unlock()
}

// Current returns a snapshot of the active call, or ok=false when idle.
func (m *Manager) Current() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return Call{}, false
	}
	return m.call.snapshot(), true
}

// History returns the retained quality samples, oldest first.
func (m *Manager) History() []Quality {
	return m.history.Snapshot()
}

// Streams published to the application layer.

func (m *Manager) Events() (<-chan Event, func())             { return m.events.Subscribe() }
func (m *Manager) QualityStream() (<-chan Quality, func())    { return m.quality.Subscribe() }
func (m *Manager) Participants() (<-chan Participant, func()) { return m.participants.Subscribe() }

// InitiateCall starts an outgoing call. Valid only from idle.
func (m *Manager) InitiateCall(ctx context.Context, chatID string, participants []string, typ Type, flags media.Flags) (string, error) {
	m.mu.Lock()
	if m.call != nil {
		m.mu.Unlock()
		return "", ErrAlreadyInCall
	}
	id := uuid.NewString()
	c := &Call{
		ID:           id,
		ChatID:       chatID,
		Type:         typ,
		Direction:    DirectionOutgoing,
		State:        StateInitiating,
		Participants: make(map[string]*Participant, len(participants)),
		StartedAt:    m.clock.Now(),
	}
	for _, u := range participants {
		c.Participants[u] = &Participant{UserID: u, Status: ParticipantJoined}
	}
	m.call = c
	m.local = MediaState{AudioEnabled: flags.Audio, VideoEnabled: flags.Video}
	eng := m.factory()
	m.engine = eng
	m.setupEngineLocked(eng, id)
	m.publishStateLocked()
	m.setupTimer = m.clock.AfterFunc(m.cfg.SetupTimeout, func() {
		m.timerFired(id, StateInitiating, StateTimeout, "timeout")
	})
	m.mu.Unlock()

	log.Infow("initiating call", "call", id, "chat", chatID, "type", typ)

	if err := eng.Prepare(ctx, flags); err != nil {
		log.Errorw("prepare local media", "call", id, "err", err)
		m.terminate(id, StateFailed, "media_failed")
		return id, err
	}

	env := wire.New(wire.EventCallInitiate, map[string]any{
		"call_id":      id,
		"call_type":    string(typ),
		"participants": participants,
		"audio":        flags.Audio,
		"video":        flags.Video,
	})
	env.ChatID = chatID
	if err := m.sender.Send(env); err != nil {
		log.Warnw("send call initiation", "call", id, "err", err)
	}
	return id, nil
}

// AnswerCall accepts the ringing incoming call.
func (m *Manager) AnswerCall(ctx context.Context, flags media.Flags) error {
	m.mu.Lock()
	if m.call == nil || m.call.State != StateRinging || m.call.Direction != DirectionIncoming {
		m.mu.Unlock()
		return ErrInvalidState
	}
	id := m.call.ID
	chatID := m.call.ChatID
	m.cancelRingTimerLocked()
	m.call.State = StateConnecting
	m.local = MediaState{AudioEnabled: flags.Audio, VideoEnabled: flags.Video}
	eng := m.factory()
	m.engine = eng
	m.setupEngineLocked(eng, id)
	m.publishStateLocked()
	m.mu.Unlock()

	if err := eng.Prepare(ctx, flags); err != nil {
		log.Errorw("prepare local media", "call", id, "err", err)
		m.terminate(id, StateFailed, "media_failed")
		return err
	}

	env := wire.New(wire.EventCallAnswer, map[string]any{
		"call_id": id,
		"audio":   flags.Audio,
		"video":   flags.Video,
	})
	env.ChatID = chatID
	return m.sender.Send(env)
}

// RejectCall declines the ringing incoming call.
func (m *Manager) RejectCall() error {
	m.mu.Lock()
	if m.call == nil || m.call.State != StateRinging {
		m.mu.Unlock()
		return ErrInvalidState
	}
	id := m.call.ID
	chatID := m.call.ChatID
	m.mu.Unlock()

	env := wire.New(wire.EventCallReject, map[string]any{"call_id": id})
	env.ChatID = chatID
	if err := m.sender.Send(env); err != nil {
		log.Warnw("send call reject", "call", id, "err", err)
	}
	m.terminate(id, StateRejected, "rejected")
	return nil
}

// EndCall hangs up the active call.
func (m *Manager) EndCall() error {
	m.mu.Lock()
	if m.call == nil || !m.call.State.active() {
		m.mu.Unlock()
		return ErrInvalidState
	}
	id := m.call.ID
	chatID := m.call.ChatID
	m.mu.Unlock()

	env := wire.New(wire.EventCallEnd, map[string]any{"call_id": id})
	env.ChatID = chatID
	if err := m.sender.Send(env); err != nil {
		log.Warnw("send call end", "call", id, "err", err)
	}
	m.terminate(id, StateEnded, "ended")
	return nil
}

// HandleConnectionLost fails a connected call when the underlying server
// connection drops.
func (m *Manager) HandleConnectionLost() {
	m.mu.Lock()
	if m.call == nil || m.call.State != StateConnected {
		m.mu.Unlock()
		return
	}
	id := m.call.ID
	m.mu.Unlock()
	m.terminate(id, StateFailed, "connection_lost")
}

// HandleEnvelope processes one inbound call-category envelope.
func (m *Manager) HandleEnvelope(env wire.Envelope) {
	switch env.Type {
	case wire.EventCallInitiate:
		m.handleIncomingCall(env)
	case wire.EventCallAnswer:
		m.handleAnswered(env)
	case wire.EventCallReject:
		m.handleRemoteTerminal(env, StateRejected, "rejected")
	case wire.EventCallEnd:
		m.handleRemoteTerminal(env, StateEnded, "remote_ended")
	case wire.EventCallBusy:
		m.handleRemoteTerminal(env, StateBusy, "busy")
	case wire.EventWebRTCOffer:
		m.handleOffer(env)
	case wire.EventWebRTCAnswer:
		m.handleAnswer(env)
	case wire.EventICECandidate:
		m.handleCandidate(env)
	case wire.EventMediaState:
		m.handleMediaState(env)
	case wire.EventCallJoined:
		m.handleRoster(env, ParticipantJoined)
	case wire.EventCallLeft:
		m.handleRoster(env, ParticipantLeft)
	default:
		log.Debugw("unhandled call envelope", "type", env.Type)
	}
}

func (m *Manager) handleIncomingCall(env wire.Envelope) {
	callID := env.String("call_id")

	m.mu.Lock()
	if m.call != nil {
		// Busy: tell the caller, change nothing locally.
		m.mu.Unlock()
		busy := wire.New(wire.EventCallBusy, map[string]any{"call_id": callID})
		busy.ChatID = env.ChatID
		if err := m.sender.Send(busy); err != nil {
			log.Warnw("send busy signal", "call", callID, "err", err)
		}
		return
	}

	typ := Type(env.String("call_type"))
	if typ == "" {
		typ = TypeVoice
	}
	c := &Call{
		ID:           callID,
		ChatID:       env.ChatID,
		Type:         typ,
		Direction:    DirectionIncoming,
		State:        StateRinging,
		Participants: make(map[string]*Participant),
		StartedAt:    m.clock.Now(),
	}
	if env.UserID != "" {
		c.Participants[env.UserID] = &Participant{
			UserID: env.UserID,
			Name:   env.String("caller_name"),
			Status: ParticipantJoined,
			Media: MediaState{
				AudioEnabled: env.Bool("audio"),
				VideoEnabled: env.Bool("video"),
			},
		}
	}
	m.call = c
	m.publishStateLocked()
	m.ringTimer = m.clock.AfterFunc(m.cfg.RingingTimeout, func() {
		m.timerFired(callID, StateRinging, StateTimeout, "timeout")
	})
	snap := c.snapshot()
	m.mu.Unlock()

	log.Infow("incoming call", "call", callID, "chat", env.ChatID, "from", env.UserID)
	m.hookMu.RLock()
	fn := m.onIncoming
	m.hookMu.RUnlock()
	if fn != nil {
		go fn(snap)
	}
}

// handleAnswered moves an outgoing call to connecting and produces the
// offer; the answering side responds via handleOffer.
func (m *Manager) handleAnswered(env wire.Envelope) {
	m.mu.Lock()
	if !m.matchLocked(env) || m.call.State != StateInitiating {
		m.mu.Unlock()
		return
	}
	m.cancelSetupTimerLocked()
	m.call.State = StateConnecting
	m.publishStateLocked()
	id := m.call.ID
	chatID := m.call.ChatID
	eng := m.engine
	m.mu.Unlock()

	if eng == nil {
		return
	}
	offer, err := eng.CreateOffer(context.Background())
	if err != nil {
		log.Errorw("create offer", "call", id, "err", err)
		m.terminate(id, StateFailed, "media_failed")
		return
	}
	out := wire.New(wire.EventWebRTCOffer, map[string]any{
		"call_id":  id,
		"sdp":      offer.SDP,
		"sdp_type": offer.Type.String(),
	})
	out.ChatID = chatID
	if err := m.sender.Send(out); err != nil {
		log.Warnw("relay offer", "call", id, "err", err)
	}
}

func (m *Manager) handleOffer(env wire.Envelope) {
	m.mu.Lock()
	if !m.matchLocked(env) {
		m.mu.Unlock()
		return
	}
	id := m.call.ID
	chatID := m.call.ChatID
	eng := m.engine
	m.mu.Unlock()

	if eng == nil {
		return
	}
	if err := eng.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(env.String("sdp_type")),
		SDP:  env.String("sdp"),
	}); err != nil {
		log.Errorw("set remote offer", "call", id, "err", err)
		return
	}
	answer, err := eng.CreateAnswer(context.Background())
	if err != nil {
		log.Errorw("create answer", "call", id, "err", err)
		m.terminate(id, StateFailed, "media_failed")
		return
	}
	out := wire.New(wire.EventWebRTCAnswer, map[string]any{
		"call_id":  id,
		"sdp":      answer.SDP,
		"sdp_type": answer.Type.String(),
	})
	out.ChatID = chatID
	if err := m.sender.Send(out); err != nil {
		log.Warnw("relay answer", "call", id, "err", err)
	}
}

func (m *Manager) handleAnswer(env wire.Envelope) {
	m.mu.Lock()
	if !m.matchLocked(env) {
		m.mu.Unlock()
		return
	}
	id := m.call.ID
	eng := m.engine
	m.mu.Unlock()

	if eng == nil {
		return
	}
	if err := eng.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(env.String("sdp_type")),
		SDP:  env.String("sdp"),
	}); err != nil {
		log.Errorw("set remote answer", "call", id, "err", err)
	}
}

// handleCandidate relays one remote ICE candidate. Candidates tolerate any
// arrival order, so failures are logged and skipped.
func (m *Manager) handleCandidate(env wire.Envelope) {
	m.mu.Lock()
	if !m.matchLocked(env) {
		m.mu.Unlock()
		return
	}
	eng := m.engine
	m.mu.Unlock()

	if eng == nil {
		return
	}
	init := webrtc.ICECandidateInit{Candidate: env.String("candidate")}
	if mid := env.String("sdp_mid"); mid != "" {
		init.SDPMid = &mid
	}
	if idx, ok := env.Data["sdp_mline_index"].(float64); ok {
		u := uint16(idx)
		init.SDPMLineIndex = &u
	}
	if err := eng.AddICECandidate(init); err != nil {
		log.Debugw("add ice candidate", "err", err)
	}
}

func (m *Manager) handleMediaState(env wire.Envelope) {
	m.mu.Lock()
	if !m.matchLocked(env) || env.UserID == "" {
		m.mu.Unlock()
		return
	}
	p, ok := m.call.Participants[env.UserID]
	if !ok {
		p = &Participant{UserID: env.UserID, Status: ParticipantJoined}
		m.call.Participants[env.UserID] = p
	}
	p.Media = MediaState{
		AudioEnabled:  env.Bool("audio_enabled"),
		VideoEnabled:  env.Bool("video_enabled"),
		ScreenSharing: env.Bool("screen_sharing"),
	}
	snap := *p
	m.mu.Unlock()

	m.participants.Publish(snap)
}

func (m *Manager) handleRoster(env wire.Envelope, status ParticipantStatus) {
	m.mu.Lock()
	if !m.matchLocked(env) || env.UserID == "" {
		m.mu.Unlock()
		return
	}
	p, ok := m.call.Participants[env.UserID]
	if !ok {
		p = &Participant{UserID: env.UserID, Name: env.String("name")}
		m.call.Participants[env.UserID] = p
	}
	p.Status = status
	if name := env.String("name"); name != "" {
		p.Name = name
	}
	snap := *p
	m.mu.Unlock()

	m.participants.Publish(snap)
}

func (m *Manager) handleRemoteTerminal(env wire.Envelope, next State, reason string) {
	m.mu.Lock()
	if !m.matchLocked(env) || m.call.State.Terminal() {
		m.mu.Unlock()
		return
	}
	id := m.call.ID
	m.mu.Unlock()
	m.terminate(id, next, reason)
}

// Media toggle operations. Valid in any non-idle state; an engine failure
// is logged and leaves the local flags untouched.

func (m *Manager) ToggleAudio() (bool, error) {
	return m.toggleFlag(func(eng media.Engine, on bool) error {
		return eng.SetAudioEnabled(on)
	}, func(ms *MediaState) *bool { return &ms.AudioEnabled })
}

func (m *Manager) ToggleVideo() (bool, error) {
	return m.toggleFlag(func(eng media.Engine, on bool) error {
		return eng.SetVideoEnabled(on)
	}, func(ms *MediaState) *bool { return &ms.VideoEnabled })
}

func (m *Manager) StartScreenShare() error {
	_, err := m.setScreenShare(true)
	return err
}

func (m *Manager) StopScreenShare() error {
	_, err := m.setScreenShare(false)
	return err
}

// ToggleSpeaker flips speakerphone output. Purely device-side: no
// media-state envelope is emitted since remote rosters don't track it.
func (m *Manager) ToggleSpeaker(on bool) error {
	m.mu.Lock()
	eng := m.engine
	active := m.call != nil
	m.mu.Unlock()
	if !active {
		return ErrNoActiveCall
	}
	if eng != nil {
		if err := eng.SetSpeakerphone(on); err != nil {
			log.Warnw("toggle speaker", "err", err)
		}
	}
	return nil
}

// SwitchCamera asks the engine for the next capture device.
func (m *Manager) SwitchCamera() error {
	m.mu.Lock()
	eng := m.engine
	active := m.call != nil
	m.mu.Unlock()
	if !active {
		return ErrNoActiveCall
	}
	if eng != nil {
		if err := eng.SwitchCamera(); err != nil {
			log.Warnw("switch camera", "err", err)
		}
	}
	return nil
}

func (m *Manager) toggleFlag(apply func(media.Engine, bool) error, field func(*MediaState) *bool) (bool, error) {
	m.mu.Lock()
	if m.call == nil {
		m.mu.Unlock()
		return false, ErrNoActiveCall
	}
	eng := m.engine
	next := !*field(&m.local)
	m.mu.Unlock()

	if eng != nil {
		if err := apply(eng, next); err != nil {
			log.Warnw("media toggle failed", "err", err)
			return !next, nil
		}
	}

	m.mu.Lock()
	*field(&m.local) = next
	id, chatID, ms := m.call.ID, m.call.ChatID, m.local
	m.mu.Unlock()

	m.emitMediaState(id, chatID, ms)
	return next, nil
}

func (m *Manager) setScreenShare(on bool) (bool, error) {
	m.mu.Lock()
	if m.call == nil {
		m.mu.Unlock()
		return false, ErrNoActiveCall
	}
	eng := m.engine
	m.mu.Unlock()

	if eng != nil {
		if err := eng.SetScreenShare(on); err != nil {
			log.Warnw("screen share toggle failed", "on", on, "err", err)
			return !on, nil
		}
	}

	m.mu.Lock()
	m.local.ScreenSharing = on
	id, chatID, ms := m.call.ID, m.call.ChatID, m.local
	m.mu.Unlock()

	m.emitMediaState(id, chatID, ms)
	return on, nil
}

func (m *Manager) emitMediaState(callID, chatID string, ms MediaState) {
	env := wire.New(wire.EventMediaState, map[string]any{
		"call_id":        callID,
		"audio_enabled":  ms.AudioEnabled,
		"video_enabled":  ms.VideoEnabled,
		"screen_sharing": ms.ScreenSharing,
	})
	env.ChatID = chatID
	if err := m.sender.Send(env); err != nil {
		log.Warnw("emit media state", "call", callID, "err", err)
	}
}

// setupEngineLocked wires the engine callbacks for the given call. The call
// ID guards every callback against firing into a later call.
func (m *Manager) setupEngineLocked(eng media.Engine, callID string) {
	eng.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.relayCandidate(callID, c)
	})
	eng.OnConnected(func() {
		m.engineConnected(callID)
	})
	eng.OnFailed(func() {
		m.terminate(callID, StateFailed, "media_failed")
	})
}

func (m *Manager) relayCandidate(callID string, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.call == nil || m.call.ID != callID {
		m.mu.Unlock()
		return
	}
	chatID := m.call.ChatID
	m.mu.Unlock()

	data := map[string]any{
		"call_id":   callID,
		"candidate": c.Candidate,
	}
	if c.SDPMid != nil {
		data["sdp_mid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		data["sdp_mline_index"] = float64(*c.SDPMLineIndex)
	}
	env := wire.New(wire.EventICECandidate, data)
	env.ChatID = chatID
	if err := m.sender.Send(env); err != nil {
		log.Debugw("relay ice candidate", "call", callID, "err", err)
	}
}

// engineConnected is the media engine's transport-connectivity callback; it
// alone moves the call to connected and starts the tickers.
func (m *Manager) engineConnected(callID string) {
	m.mu.Lock()
	if m.call == nil || m.call.ID != callID || m.call.State != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.cancelSetupTimerLocked()
	m.call.State = StateConnected
	m.publishStateLocked()
	stop := make(chan struct{})
	m.stopTickers = stop
	eng := m.engine
	m.mu.Unlock()

	log.Infow("call connected", "call", callID)
	go m.tickLoop(callID, eng, stop)
}

// tickLoop drives the 1s duration tick and the quality sampling interval
// while a call stays connected.
func (m *Manager) tickLoop(callID string, eng media.Engine, stop chan struct{}) {
	dur := m.clock.Ticker(m.cfg.DurationTick)
	qual := m.clock.Ticker(m.cfg.QualityInterval)
	defer dur.Stop()
	defer qual.Stop()

	for {
		select {
		case <-stop:
			return

		case <-dur.C:
			m.mu.Lock()
			if m.call == nil || m.call.ID != callID || m.call.State != StateConnected {
				m.mu.Unlock()
				continue
			}
			m.call.Duration += m.cfg.DurationTick
			snap := m.call.snapshot()
			m.mu.Unlock()
			m.events.Publish(Event{Kind: EventTick, Call: snap})

		case <-qual.C:
			if eng == nil {
				continue
			}
			stats, err := eng.Stats()
			if err != nil {
				log.Debugw("sample stats", "call", callID, "err", err)
				continue
			}
			q := scoreQuality(stats, m.clock.Now())
			m.history.Push(q)
			m.quality.Publish(q)
		}
	}
}

// timerFired applies a timeout transition if the call is still in the state
// the timer was armed for.
func (m *Manager) timerFired(callID string, expect, next State, reason string) {
	m.mu.Lock()
	if m.call == nil || m.call.ID != callID || m.call.State != expect {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.terminate(callID, next, reason)
}

// terminate moves the call to a terminal state, releases media, persists
// the history record, and schedules the cleanup back to idle.
func (m *Manager) terminate(callID string, next State, reason string) {
	m.mu.Lock()
	if m.call == nil || m.call.ID != callID || m.call.State.Terminal() {
		m.mu.Unlock()
		return
	}
	m.cancelSetupTimerLocked()
	m.cancelRingTimerLocked()
	if m.stopTickers != nil {
		close(m.stopTickers)
		m.stopTickers = nil
	}
	m.call.State = next
	m.call.EndedAt = m.clock.Now()
	m.call.EndReason = reason
	eng := m.engine
	m.engine = nil
	rec := m.recordLocked()
	m.publishStateLocked()
	m.graceTimer = m.clock.AfterFunc(m.cfg.CleanupGrace, func() {
		m.clearCall(callID)
	})
	m.mu.Unlock()

	log.Infow("call ended", "call", callID, "state", next.String(), "reason", reason)

	if eng != nil {
		eng.Release()
	}
	if m.store != nil {
		if err := m.store.CacheCall(rec); err != nil {
			log.Warnw("persist call record", "call", callID, "err", err)
		}
	}
}

// clearCall resets the aggregate to idle after the post-terminal grace
// period, letting the UI observe the terminal state first.
func (m *Manager) clearCall(callID string) {
	m.mu.Lock()
	if m.call == nil || m.call.ID != callID || !m.call.State.Terminal() {
		m.mu.Unlock()
		return
	}
	snap := m.call.snapshot()
	m.call = nil
	m.local = MediaState{}
	m.history.Reset()
	m.mu.Unlock()

	m.events.Publish(Event{Kind: EventCleared, Call: snap})
}

// Close releases the active call, if any, and closes all streams.
func (m *Manager) Close() {
	m.mu.Lock()
	var id string
	if m.call != nil {
		id = m.call.ID
	}
	m.mu.Unlock()

	if id != "" {
		m.terminate(id, StateEnded, "shutdown")
	}

	m.mu.Lock()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.call = nil
	m.mu.Unlock()

	m.events.Close()
	m.quality.Close()
	m.participants.Close()
}

func (m *Manager) matchLocked(env wire.Envelope) bool {
	if m.call == nil {
		return false
	}
	id := env.String("call_id")
	return id == "" || id == m.call.ID
}

func (m *Manager) cancelSetupTimerLocked() {
	if m.setupTimer != nil {
		m.setupTimer.Stop()
		m.setupTimer = nil
	}
}

func (m *Manager) cancelRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Manager) publishStateLocked() {
	m.events.Publish(Event{Kind: EventState, Call: m.call.snapshot()})
}

func (m *Manager) recordLocked() storage.CallRecord {
	parts := make([]string, 0, len(m.call.Participants))
	for id := range m.call.Participants {
		parts = append(parts, id)
	}
	return storage.CallRecord{
		ID:           m.call.ID,
		ChatID:       m.call.ChatID,
		Type:         string(m.call.Type),
		Direction:    string(m.call.Direction),
		EndReason:    m.call.EndReason,
		StartedAt:    m.call.StartedAt,
		EndedAt:      m.call.EndedAt,
		Participants: parts,
	}
}
