package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/signal"
	"github.com/parleyhq/parley/internal/vad"
)

var log = logging.Logger("call")

// IncomingCall is what ring notifications carry. The receiver answers or
// rejects through the Manager, not through this value.
type IncomingCall struct {
	CallID string           `json:"call_id"`
	From   string           `json:"from"`
	Kind   signal.MediaKind `json:"media_kind"`
}

// Deps are the Manager's collaborators, all injected by the composition root.
type Deps struct {
	Transport signal.Transport
	SelfID    string
	Media     MediaSource
	NewLink   LinkFactory
	VADConfig vad.Config
}

// Manager drives at most one Session at a time. UI intents (Start, Answer,
// Reject, End, toggles) arrive on caller goroutines; signaling events arrive
// on the dispatch loop. Both funnel through mu, so every transition sees a
// consistent session.
type Manager struct {
	deps Deps

	mu     sync.Mutex
	active *Session

	onIncoming func(IncomingCall)
	onState    func(Status)

	unsubscribe func()
	closeOnce   sync.Once
}

// NewManager subscribes to the transport and starts dispatching immediately.
func NewManager(deps Deps) *Manager {
	m := &Manager{deps: deps}
	ch, cancel := deps.Transport.Subscribe()
	m.unsubscribe = cancel
	go m.dispatchLoop(ch)
	return m
}

// OnIncoming registers the ring notification handler. Call before the
// transport can deliver offers.
func (m *Manager) OnIncoming(fn func(IncomingCall)) {
	m.mu.Lock()
	m.onIncoming = fn
	m.mu.Unlock()
}

// OnState registers the status change handler. It fires on every lifecycle
// transition, toggle, and VAD change.
func (m *Manager) OnState(fn func(Status)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// Start places an outgoing call. It acquires local media, builds the peer
// link, and sends the offer; the session rings on the far side until the
// peer answers, rejects, or either side hangs up.
func (m *Manager) Start(ctx context.Context, peerID string, kind signal.MediaKind) error {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	if !m.deps.Transport.Connected() {
		m.mu.Unlock()
		return ErrTransportUnavailable
	}
	s := newSession(uuid.NewString(), m.deps.SelfID, peerID, DirectionOutgoing, kind, m.deps.VADConfig)
	// Reserve the slot before releasing the lock: media acquisition can block
	// on a permission prompt and a second Start must see ErrBusy meanwhile.
	m.active = s
	m.mu.Unlock()

	capture, err := m.deps.Media.Acquire(ctx, kind)
	if err != nil {
		m.clearSession(s)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s {
		// Torn down while we were acquiring (shutdown, remote end).
		capture.Close()
		return ErrNoSession
	}
	s.capture = capture

	if err := m.buildLink(s); err != nil {
		m.releaseLocked(s)
		return err
	}
	if err := s.link.AttachLocal(capture, kind == signal.MediaVideo); err != nil {
		m.releaseLocked(s)
		return fmt.Errorf("attach local media: %w", err)
	}
	if err := s.transition(evDial); err != nil {
		m.releaseLocked(s)
		return fmt.Errorf("%w: %v", ErrBadState, err)
	}

	offer, err := s.link.CreateOffer(ctx)
	if err != nil {
		m.releaseLocked(s)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := m.send(ctx, &signal.Message{
		Type:      signal.TypeOffer,
		CallID:    s.callID,
		From:      m.deps.SelfID,
		To:        s.remoteID,
		MediaKind: kind,
		Offer:     offer,
	}); err != nil {
		m.releaseLocked(s)
		return err
	}

	m.wireSession(s)
	log.Infow("outgoing call", "call_id", s.callID, "to", peerID, "kind", kind)
	m.notifyStateLocked()
	return nil
}

// Answer accepts the ringing incoming call. If local media cannot be
// acquired the call is rejected on the wire and the session unwinds to idle;
// the caller gets ErrMediaUnavailable and can surface it.
func (m *Manager) Answer(ctx context.Context) error {
	m.mu.Lock()
	s := m.active
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.state() != StateIncoming {
		m.mu.Unlock()
		return ErrBadState
	}
	m.mu.Unlock()

	capture, err := m.deps.Media.Acquire(ctx, s.kind)
	if err != nil {
		m.mu.Lock()
		if m.active == s {
			m.declineLocked(s.callID, s.remoteID)
			m.releaseLocked(s)
			m.notifyStateLocked()
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s || s.state() != StateIncoming {
		capture.Close()
		return ErrNoSession
	}
	s.capture = capture

	// The link already exists and carries the remote offer: both were set up
	// when the offer arrived, so ring-window candidates are in place.
	if err := s.link.AttachLocal(capture, s.kind == signal.MediaVideo); err != nil {
		m.releaseLocked(s)
		return fmt.Errorf("attach local media: %w", err)
	}

	// The ack goes first so the caller stops ringing before SDP processing.
	if err := m.send(ctx, &signal.Message{
		Type:   signal.TypeAnswerAck,
		CallID: s.callID,
		From:   m.deps.SelfID,
		To:     s.remoteID,
	}); err != nil {
		m.releaseLocked(s)
		return err
	}

	answer, err := s.link.CreateAnswer(ctx)
	if err != nil {
		m.releaseLocked(s)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := m.send(ctx, &signal.Message{
		Type:   signal.TypeAnswerSDP,
		CallID: s.callID,
		From:   m.deps.SelfID,
		To:     s.remoteID,
		Answer: answer,
	}); err != nil {
		m.releaseLocked(s)
		return err
	}

	if err := s.transition(evAccept); err != nil {
		m.releaseLocked(s)
		return fmt.Errorf("%w: %v", ErrBadState, err)
	}
	m.wireSession(s)
	log.Infow("call answered", "call_id", s.callID, "from", s.remoteID)
	m.notifyStateLocked()
	return nil
}

// Reject declines the ringing incoming call.
func (m *Manager) Reject(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active
	if s == nil {
		return ErrNoSession
	}
	if s.state() != StateIncoming {
		return ErrBadState
	}
	err := m.send(ctx, &signal.Message{
		Type:   signal.TypeReject,
		CallID: s.callID,
		From:   m.deps.SelfID,
		To:     s.remoteID,
	})
	m.releaseLocked(s)
	log.Infow("call rejected", "call_id", s.callID)
	m.notifyStateLocked()
	return err
}

// End hangs up the active call from any active state. Safe to call when no
// call is active; the second End of a race is a no-op.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active
	if s == nil {
		return nil
	}
	err := m.send(ctx, &signal.Message{
		Type:   signal.TypeEnd,
		CallID: s.callID,
		From:   m.deps.SelfID,
		To:     s.remoteID,
	})
	m.releaseLocked(s)
	log.Infow("call ended", "call_id", s.callID)
	m.notifyStateLocked()
	return err
}

// ToggleMute flips the local microphone. The VAD keeps reading levels from
// the capture tap either way; only the outbound track pauses.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active
	if s == nil {
		return false, ErrNoSession
	}
	s.muteLocal = !s.muteLocal
	if s.link != nil {
		if err := s.link.SetMicEnabled(!s.muteLocal); err != nil {
			return s.muteLocal, err
		}
	}
	m.notifyStateLocked()
	return s.muteLocal, nil
}

// ToggleVideo flips the outbound camera track.
func (m *Manager) ToggleVideo() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active
	if s == nil {
		return false, ErrNoSession
	}
	s.videoEnabled = !s.videoEnabled
	if s.link != nil {
		if err := s.link.SetCameraEnabled(s.videoEnabled); err != nil {
			return s.videoEnabled, err
		}
	}
	m.notifyStateLocked()
	return s.videoEnabled, nil
}

// ToggleSpeaker flips the user's remote playback preference. The effective
// playback gate is speaker AND the VAD's recommendation, composed by the
// playback layer.
func (m *Manager) ToggleSpeaker() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active
	if s == nil {
		return false, ErrNoSession
	}
	s.speakerEnabled = !s.speakerEnabled
	m.notifyStateLocked()
	return s.speakerEnabled, nil
}

// SetVADTuning applies new detector settings: future sessions get the full
// config, the active session's detector picks up threshold and silence delay
// live.
func (m *Manager) SetVADTuning(cfg vad.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps.VADConfig = cfg
	if m.active != nil {
		m.active.detector.SetTuning(cfg.Threshold, cfg.SilenceDelay)
	}
}

// Status reports the current call state; an idle snapshot when no call is up.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Status{State: StateIdle}
	}
	return m.active.status()
}

// RemoteStream exposes the active call's inbound tracks for playback, nil
// when no link is up yet.
func (m *Manager) RemoteStream() *media.RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.link == nil {
		return nil
	}
	return m.active.link.RemoteStream()
}

// Close unsubscribes and tears down the active session without signaling the
// peer; callers wanting a clean hangup call End first.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.unsubscribe()
		m.mu.Lock()
		if m.active != nil {
			m.releaseLocked(m.active)
		}
		m.mu.Unlock()
	})
}

// ── internals ──

// buildLink constructs the peer link with its upcalls wired to this session.
// OnFailure hops to a fresh goroutine because pion may fire it from a
// callback while the manager lock is held.
func (m *Manager) buildLink(s *Session) error {
	link, err := m.deps.NewLink(LinkEvents{
		CurrentCallID: s.currentCallID,
		OnCandidate: func(callID string, cand webrtc.ICECandidateInit) {
			m.sendCandidate(callID, s.remoteID, cand)
		},
		OnConnected: func() {
			log.Debugw("transport connected", "call_id", s.callID)
		},
		OnFailure: func(reason string) {
			go m.linkFailed(s, reason)
		},
	})
	if err != nil {
		return fmt.Errorf("build peer link: %w", err)
	}
	s.link = link
	return nil
}

// wireSession hooks the VAD change stream into state notifications and
// starts level analysis. Called once the session reaches a media-bearing
// state.
func (m *Manager) wireSession(s *Session) {
	s.detector.OnChange(func(vad.Snapshot) {
		m.mu.Lock()
		if m.active == s {
			m.notifyStateLocked()
		}
		m.mu.Unlock()
	})
	s.wireVAD()
}

func (m *Manager) send(ctx context.Context, msg *signal.Message) error {
	if err := m.deps.Transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// sendCandidate runs on pion's gathering goroutine; it must not take mu.
func (m *Manager) sendCandidate(callID, to string, cand webrtc.ICECandidateInit) {
	err := m.deps.Transport.Send(context.Background(), &signal.Message{
		Type:      signal.TypeICE,
		CallID:    callID,
		From:      m.deps.SelfID,
		To:        to,
		Candidate: &cand,
	})
	if err != nil {
		log.Debugw("candidate send failed", "call_id", callID, "err", err)
	}
}

func (m *Manager) linkFailed(s *Session, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s {
		return
	}
	log.Warnw("peer link failed", "call_id", s.callID, "reason", reason)
	_ = m.send(context.Background(), &signal.Message{
		Type:   signal.TypeEnd,
		CallID: s.callID,
		From:   m.deps.SelfID,
		To:     s.remoteID,
	})
	m.releaseLocked(s)
	m.notifyStateLocked()
}

// declineLocked sends a reject for the given call without touching the
// active session. mu held.
func (m *Manager) declineLocked(callID, to string) {
	_ = m.send(context.Background(), &signal.Message{
		Type:   signal.TypeReject,
		CallID: callID,
		From:   m.deps.SelfID,
		To:     to,
	})
}

// clearSession drops the active slot if it still points at s.
func (m *Manager) clearSession(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.releaseLocked(s)
		m.notifyStateLocked()
	}
	m.mu.Unlock()
}

// releaseLocked tears s down and vacates the active slot. mu held.
func (m *Manager) releaseLocked(s *Session) {
	s.release()
	if m.active == s {
		m.active = nil
	}
}

// notifyStateLocked snapshots under mu and delivers on a fresh goroutine so
// handlers can call back into the Manager.
func (m *Manager) notifyStateLocked() {
	if m.onState == nil {
		return
	}
	var st Status
	if m.active != nil {
		st = m.active.status()
	} else {
		st = Status{State: StateIdle}
	}
	fn := m.onState
	go fn(st)
}

// ── signaling dispatch ──

func (m *Manager) dispatchLoop(ch <-chan *signal.Message) {
	for msg := range ch {
		m.dispatch(msg)
	}
}

// dispatch routes one inbound signal. The call ID is the only correlation
// key: anything that does not match the active session is stale and dropped
// without side effects, which is what makes duplicate and late deliveries
// harmless.
func (m *Manager) dispatch(msg *signal.Message) {
	if err := msg.Validate(); err != nil {
		log.Debugw("invalid signal dropped", "err", err)
		return
	}
	if msg.To != "" && msg.To != m.deps.SelfID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Type == signal.TypeOffer {
		m.handleOfferLocked(msg)
		return
	}

	s := m.active
	if s == nil || s.callID != msg.CallID {
		log.Debugw("stale signal dropped", "type", msg.Type, "call_id", msg.CallID)
		return
	}

	switch msg.Type {
	case signal.TypeAnswerAck:
		// Informational: the callee accepted and the SDP answer is on its way.
		log.Debugw("answer acknowledged", "call_id", s.callID)

	case signal.TypeAnswerSDP:
		if s.state() != StateOutgoing || msg.Answer == nil {
			log.Debugw("answer sdp dropped", "call_id", s.callID, "state", s.state())
			return
		}
		if err := s.link.SetRemoteDescription(*msg.Answer); err != nil {
			log.Warnw("apply answer failed", "call_id", s.callID, "err", err)
			m.releaseLocked(s)
			m.notifyStateLocked()
			return
		}
		// Connected is optimistic: ICE completion follows on its own and a
		// failure lands in linkFailed.
		if err := s.transition(evComplete); err != nil {
			log.Debugw("complete transition refused", "call_id", s.callID, "err", err)
			return
		}
		m.notifyStateLocked()

	case signal.TypeICE:
		if msg.Candidate == nil || s.link == nil {
			return
		}
		if err := s.link.AddRemoteCandidate(*msg.Candidate); err != nil {
			log.Debugw("candidate rejected", "call_id", s.callID, "err", err)
		}

	case signal.TypeReject:
		log.Infow("call rejected by peer", "call_id", s.callID)
		m.releaseLocked(s)
		m.notifyStateLocked()

	case signal.TypeEnd:
		log.Infow("call ended by peer", "call_id", s.callID)
		m.releaseLocked(s)
		m.notifyStateLocked()
	}
}

// handleOfferLocked rings on a fresh offer, or auto-rejects it when a call
// is already active. The rejection carries the offer's own call ID so the
// busy signal correlates on the caller's side; the active session is never
// touched.
//
// The peer link is built and the remote offer applied here, at ring time,
// not on Answer: with trickle ICE the caller's candidates arrive within
// seconds while a human takes much longer to pick up, and candidates need a
// link with a remote description to land on.
func (m *Manager) handleOfferLocked(msg *signal.Message) {
	if msg.Offer == nil {
		log.Debugw("offer without sdp dropped", "from", msg.From)
		return
	}
	if m.active != nil {
		if m.active.callID == msg.CallID {
			log.Debugw("duplicate offer ignored", "call_id", msg.CallID)
			return
		}
		log.Infow("busy, auto-rejecting offer", "call_id", msg.CallID, "from", msg.From)
		m.declineLocked(msg.CallID, msg.From)
		return
	}

	kind := msg.MediaKind
	if kind == "" {
		kind = signal.MediaVoice
	}
	s := newSession(msg.CallID, m.deps.SelfID, msg.From, DirectionIncoming, kind, m.deps.VADConfig)
	if err := s.transition(evRing); err != nil {
		log.Debugw("ring transition refused", "call_id", msg.CallID, "err", err)
		return
	}
	if err := m.buildLink(s); err != nil {
		log.Warnw("cannot take call", "call_id", msg.CallID, "err", err)
		m.declineLocked(msg.CallID, msg.From)
		s.release()
		return
	}
	if err := s.link.SetRemoteDescription(*msg.Offer); err != nil {
		log.Warnw("offer sdp refused", "call_id", msg.CallID, "err", err)
		m.declineLocked(msg.CallID, msg.From)
		s.release()
		return
	}
	m.active = s
	log.Infow("incoming call", "call_id", s.callID, "from", msg.From, "kind", kind)

	if m.onIncoming != nil {
		fn := m.onIncoming
		ring := IncomingCall{CallID: s.callID, From: msg.From, Kind: kind}
		go fn(ring)
	}
	m.notifyStateLocked()
}
