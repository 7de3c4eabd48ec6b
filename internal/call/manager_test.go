package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/signal"
	"github.com/parleyhq/parley/internal/vad"
)

// ── fakes ──

type fakeLink struct {
	mu          sync.Mutex
	remoteDescs []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	offers      int
	answers     int
	micEnabled  *bool
	camEnabled  *bool
	closed      bool
	attachedCap Capture
	remote      *media.RemoteStream
}

func newFakeLink() *fakeLink {
	return &fakeLink{remote: media.NewRemoteStream()}
}

func (l *fakeLink) AttachLocal(capture Capture, wantVideo bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attachedCap = capture
	return nil
}

func (l *fakeLink) CreateOffer(context.Context) (*webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (l *fakeLink) CreateAnswer(context.Context) (*webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (l *fakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteDescs = append(l.remoteDescs, desc)
	return nil
}

func (l *fakeLink) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, cand)
	return nil
}

func (l *fakeLink) SetMicEnabled(enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.micEnabled = &enabled
	return nil
}

func (l *fakeLink) SetCameraEnabled(enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.camEnabled = &enabled
	return nil
}

func (l *fakeLink) RemoteStream() *media.RemoteStream  { return l.remote }
func (l *fakeLink) RemoteAudioLevels() vad.LevelSource { return nil }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) remoteDescCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.remoteDescs)
}

func (l *fakeLink) candidateCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.candidates)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeCapture struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeCapture) HasAudio() bool               { return true }
func (c *fakeCapture) LocalLevels() vad.LevelSource { return nil }

func (c *fakeCapture) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquired []*fakeCapture
}

func (f *fakeMedia) Acquire(context.Context, signal.MediaKind) (Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeCapture{}
	f.acquired = append(f.acquired, c)
	return c, nil
}

// ── harness ──

type harness struct {
	mgr   *Manager
	peer  *signal.Loopback
	inbox <-chan *signal.Message
	link  *fakeLink
	media *fakeMedia

	evMu sync.Mutex
	ev   LinkEvents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	a, b := signal.Pair()
	h := &harness{peer: b, media: &fakeMedia{}, link: newFakeLink()}

	inbox, cancel := b.Subscribe()
	h.inbox = inbox
	t.Cleanup(cancel)

	h.mgr = NewManager(Deps{
		Transport: a,
		SelfID:    "alice",
		Media:     h.media,
		NewLink: func(ev LinkEvents) (Link, error) {
			h.evMu.Lock()
			h.ev = ev
			h.evMu.Unlock()
			return h.link, nil
		},
	})
	t.Cleanup(func() {
		h.mgr.Close()
		_ = a.Close()
		_ = b.Close()
	})
	return h
}

func (h *harness) events() LinkEvents {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	return h.ev
}

// expectMsg waits for the next outbound message and checks its type.
func (h *harness) expectMsg(t *testing.T, typ signal.Type) *signal.Message {
	t.Helper()
	select {
	case msg := <-h.inbox:
		require.Equal(t, typ, msg.Type, "unexpected outbound message")
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", typ)
		return nil
	}
}

func (h *harness) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case msg := <-h.inbox:
		t.Fatalf("unexpected outbound %s (call %s)", msg.Type, msg.CallID)
	case <-time.After(50 * time.Millisecond):
	}
}

func inboundOffer(callID, from string) *signal.Message {
	return &signal.Message{
		Type:      signal.TypeOffer,
		CallID:    callID,
		From:      from,
		To:        "alice",
		MediaKind: signal.MediaVoice,
		Offer:     &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"},
	}
}

func inboundAnswer(callID string) *signal.Message {
	return &signal.Message{
		Type:   signal.TypeAnswerSDP,
		CallID: callID,
		From:   "bob",
		To:     "alice",
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote answer"},
	}
}

// ── outgoing call ──

func TestStartSendsOfferAndRings(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))

	st := h.mgr.Status()
	assert.Equal(t, StateOutgoing, st.State)
	assert.Equal(t, "bob", st.RemoteID)
	assert.Equal(t, DirectionOutgoing, st.Direction)
	require.NotEmpty(t, st.CallID)

	offer := h.expectMsg(t, signal.TypeOffer)
	assert.Equal(t, st.CallID, offer.CallID)
	assert.Equal(t, "alice", offer.From)
	assert.Equal(t, "bob", offer.To)
	assert.Equal(t, signal.MediaVoice, offer.MediaKind)
	require.NotNil(t, offer.Offer)
}

func TestStartWhileActiveIsBusy(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	assert.ErrorIs(t, h.mgr.Start(context.Background(), "carol", signal.MediaVoice), ErrBusy)
}

func TestStartRequiresTransport(t *testing.T) {
	a, b := signal.Pair()
	_ = b.Close()
	_ = a.Close()

	mgr := NewManager(Deps{Transport: a, SelfID: "alice", Media: &fakeMedia{}})
	defer mgr.Close()

	assert.ErrorIs(t, mgr.Start(context.Background(), "bob", signal.MediaVoice), ErrTransportUnavailable)
}

func TestStartMediaFailureUnwinds(t *testing.T) {
	h := newHarness(t)
	h.media.err = errors.New("mic is gone")

	err := h.mgr.Start(context.Background(), "bob", signal.MediaVoice)
	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.Equal(t, StateIdle, h.mgr.Status().State)
	h.expectSilence(t)
}

func TestAnswerSDPCompletesOutgoingCall(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	callID := h.mgr.Status().CallID
	h.expectMsg(t, signal.TypeOffer)

	// The ack alone changes nothing.
	h.mgr.dispatch(&signal.Message{Type: signal.TypeAnswerAck, CallID: callID, From: "bob", To: "alice"})
	assert.Equal(t, StateOutgoing, h.mgr.Status().State)

	h.mgr.dispatch(inboundAnswer(callID))
	assert.Equal(t, StateConnected, h.mgr.Status().State)
	assert.Equal(t, 1, h.link.remoteDescCount())
}

func TestStaleAnswerSDPIsDropped(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	h.expectMsg(t, signal.TypeOffer)

	h.mgr.dispatch(inboundAnswer("some-old-call"))
	assert.Equal(t, StateOutgoing, h.mgr.Status().State)
	assert.Zero(t, h.link.remoteDescCount())
}

// ── incoming call ──

func TestIncomingOfferRingsAndAnswerConnects(t *testing.T) {
	h := newHarness(t)

	rings := make(chan IncomingCall, 1)
	h.mgr.OnIncoming(func(ring IncomingCall) { rings <- ring })

	h.mgr.dispatch(inboundOffer("c9", "bob"))

	st := h.mgr.Status()
	assert.Equal(t, StateIncoming, st.State)
	assert.Equal(t, "c9", st.CallID)
	assert.Equal(t, DirectionIncoming, st.Direction)
	assert.Equal(t, 1, h.link.remoteDescCount(), "remote offer applied at ring time")

	select {
	case ring := <-rings:
		assert.Equal(t, "c9", ring.CallID)
		assert.Equal(t, "bob", ring.From)
		assert.Equal(t, signal.MediaVoice, ring.Kind)
	case <-time.After(time.Second):
		t.Fatal("ring notification never arrived")
	}

	require.NoError(t, h.mgr.Answer(context.Background()))

	// Ack first so the caller stops ringing, then the SDP answer.
	ack := h.expectMsg(t, signal.TypeAnswerAck)
	assert.Equal(t, "c9", ack.CallID)
	sdp := h.expectMsg(t, signal.TypeAnswerSDP)
	assert.Equal(t, "c9", sdp.CallID)
	require.NotNil(t, sdp.Answer)

	assert.Equal(t, StateConnected, h.mgr.Status().State)
	assert.Equal(t, 1, h.link.remoteDescCount(), "remote offer applied exactly once")
}

func TestBusyAutoRejectsSecondOfferWithItsOwnCallID(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	activeID := h.mgr.Status().CallID
	h.expectMsg(t, signal.TypeOffer)

	h.mgr.dispatch(inboundOffer("intruder", "carol"))

	reject := h.expectMsg(t, signal.TypeReject)
	assert.Equal(t, "intruder", reject.CallID, "busy reject must carry the new offer's call id")
	assert.Equal(t, "carol", reject.To)

	st := h.mgr.Status()
	assert.Equal(t, activeID, st.CallID, "active call untouched")
	assert.Equal(t, StateOutgoing, st.State)
}

func TestDuplicateOfferForActiveCallIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.mgr.dispatch(inboundOffer("c9", "bob"))
	require.Equal(t, StateIncoming, h.mgr.Status().State)

	h.mgr.dispatch(inboundOffer("c9", "bob"))
	assert.Equal(t, StateIncoming, h.mgr.Status().State)
	h.expectSilence(t)
}

func TestAnswerMediaFailureRejectsAndUnwinds(t *testing.T) {
	h := newHarness(t)
	h.media.err = errors.New("camera busy")

	h.mgr.dispatch(inboundOffer("c9", "bob"))
	require.Equal(t, StateIncoming, h.mgr.Status().State)

	err := h.mgr.Answer(context.Background())
	assert.ErrorIs(t, err, ErrMediaUnavailable)

	reject := h.expectMsg(t, signal.TypeReject)
	assert.Equal(t, "c9", reject.CallID)
	assert.Equal(t, "bob", reject.To)
	assert.Equal(t, StateIdle, h.mgr.Status().State)
	assert.True(t, h.link.isClosed(), "ring-time link torn down with the session")
}

func TestAnswerWithoutRingingCall(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.mgr.Answer(context.Background()), ErrNoSession)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	assert.ErrorIs(t, h.mgr.Answer(context.Background()), ErrBadState)
}

func TestRejectDeclinesRingingCall(t *testing.T) {
	h := newHarness(t)

	h.mgr.dispatch(inboundOffer("c9", "bob"))
	require.NoError(t, h.mgr.Reject(context.Background()))

	reject := h.expectMsg(t, signal.TypeReject)
	assert.Equal(t, "c9", reject.CallID)
	assert.Equal(t, StateIdle, h.mgr.Status().State)

	assert.ErrorIs(t, h.mgr.Reject(context.Background()), ErrNoSession)
}

// ── teardown ──

func TestEndHangsUpAndIsIdempotent(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	callID := h.mgr.Status().CallID
	h.expectMsg(t, signal.TypeOffer)

	require.NoError(t, h.mgr.End(context.Background()))
	end := h.expectMsg(t, signal.TypeEnd)
	assert.Equal(t, callID, end.CallID)
	assert.Equal(t, StateIdle, h.mgr.Status().State)
	assert.True(t, h.link.isClosed())
	assert.True(t, h.media.acquired[0].isClosed())

	// Second hangup is a quiet no-op.
	require.NoError(t, h.mgr.End(context.Background()))
	h.expectSilence(t)
}

func TestRemoteEndReleasesSession(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	callID := h.mgr.Status().CallID
	h.expectMsg(t, signal.TypeOffer)

	h.mgr.dispatch(&signal.Message{Type: signal.TypeEnd, CallID: callID, From: "bob", To: "alice"})
	assert.Equal(t, StateIdle, h.mgr.Status().State)
	assert.True(t, h.link.isClosed())

	// A duplicate delivery finds no matching session and does nothing.
	h.mgr.dispatch(&signal.Message{Type: signal.TypeEnd, CallID: callID, From: "bob", To: "alice"})
	assert.Equal(t, StateIdle, h.mgr.Status().State)
}

func TestRemoteRejectReleasesOutgoingCall(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	callID := h.mgr.Status().CallID
	h.expectMsg(t, signal.TypeOffer)

	h.mgr.dispatch(&signal.Message{Type: signal.TypeReject, CallID: callID, From: "bob", To: "alice"})
	assert.Equal(t, StateIdle, h.mgr.Status().State)
	assert.True(t, h.link.isClosed())
}

func TestLinkFailureEndsCall(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	callID := h.mgr.Status().CallID
	h.expectMsg(t, signal.TypeOffer)

	h.events().OnFailure("connection failed")

	require.Eventually(t, func() bool {
		return h.mgr.Status().State == StateIdle
	}, time.Second, 10*time.Millisecond)

	end := h.expectMsg(t, signal.TypeEnd)
	assert.Equal(t, callID, end.CallID)
}

// ── candidates ──

func TestInboundCandidateForwardedOnlyForActiveCall(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	callID := h.mgr.Status().CallID
	h.expectMsg(t, signal.TypeOffer)

	cand := &webrtc.ICECandidateInit{Candidate: "candidate:1"}
	h.mgr.dispatch(&signal.Message{Type: signal.TypeICE, CallID: callID, From: "bob", To: "alice", Candidate: cand})
	assert.Equal(t, 1, h.link.candidateCount())

	h.mgr.dispatch(&signal.Message{Type: signal.TypeICE, CallID: "other", From: "bob", To: "alice", Candidate: cand})
	assert.Equal(t, 1, h.link.candidateCount(), "stale candidate dropped")
}

func TestCandidatesDuringRingWindowAreApplied(t *testing.T) {
	h := newHarness(t)

	h.mgr.dispatch(inboundOffer("c9", "bob"))
	require.Equal(t, StateIncoming, h.mgr.Status().State)
	require.Equal(t, 1, h.link.remoteDescCount())

	// With trickle ICE the caller's candidates land long before a human
	// answers; every one of them must reach the link while it rings.
	for i, c := range []string{"candidate:1", "candidate:2", "candidate:3"} {
		h.mgr.dispatch(&signal.Message{
			Type:      signal.TypeICE,
			CallID:    "c9",
			From:      "bob",
			To:        "alice",
			Candidate: &webrtc.ICECandidateInit{Candidate: c},
		})
		require.Equal(t, i+1, h.link.candidateCount())
	}

	require.NoError(t, h.mgr.Answer(context.Background()))
	h.expectMsg(t, signal.TypeAnswerAck)
	h.expectMsg(t, signal.TypeAnswerSDP)

	assert.Equal(t, 3, h.link.candidateCount(), "ring-window candidates survive the answer")
	assert.Equal(t, 1, h.link.remoteDescCount(), "offer not re-applied on answer")
}

func TestCandidateEmissionStopsAfterRelease(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))
	callID := h.mgr.Status().CallID
	h.expectMsg(t, signal.TypeOffer)

	ev := h.events()
	require.Equal(t, callID, ev.CurrentCallID())

	ev.OnCandidate(callID, webrtc.ICECandidateInit{Candidate: "candidate:1"})
	ice := h.expectMsg(t, signal.TypeICE)
	assert.Equal(t, callID, ice.CallID)

	require.NoError(t, h.mgr.End(context.Background()))
	h.expectMsg(t, signal.TypeEnd)

	assert.Empty(t, ev.CurrentCallID(), "released session must stop reporting its call id")
}

// ── toggles ──

func TestTogglesRequireSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.ToggleMute()
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = h.mgr.ToggleVideo()
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = h.mgr.ToggleSpeaker()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestToggleMutePausesOutboundAudio(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))

	muted, err := h.mgr.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	h.link.mu.Lock()
	require.NotNil(t, h.link.micEnabled)
	assert.False(t, *h.link.micEnabled)
	h.link.mu.Unlock()

	muted, err = h.mgr.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	h.link.mu.Lock()
	assert.True(t, *h.link.micEnabled)
	h.link.mu.Unlock()
}

func TestToggleSpeakerIsPureState(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVoice))

	on, err := h.mgr.ToggleSpeaker()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, h.mgr.Status().SpeakerEnabled)

	on, err = h.mgr.ToggleSpeaker()
	require.NoError(t, err)
	assert.True(t, on)
}

func TestVideoCallDefaultsVideoEnabled(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Start(context.Background(), "bob", signal.MediaVideo))
	st := h.mgr.Status()
	assert.Equal(t, signal.MediaVideo, st.MediaKind)
	assert.True(t, st.VideoEnabled)

	on, err := h.mgr.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, on)
}

// ── end to end ──

// Two full engines joined by a loopback pair, exercising the real dispatch
// loops on both sides instead of direct dispatch calls.
func TestTwoManagersCompleteCall(t *testing.T) {
	a, b := signal.Pair()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	aliceLink, bobLink := newFakeLink(), newFakeLink()
	alice := NewManager(Deps{
		Transport: a,
		SelfID:    "alice",
		Media:     &fakeMedia{},
		NewLink:   func(LinkEvents) (Link, error) { return aliceLink, nil },
	})
	t.Cleanup(alice.Close)
	bob := NewManager(Deps{
		Transport: b,
		SelfID:    "bob",
		Media:     &fakeMedia{},
		NewLink:   func(LinkEvents) (Link, error) { return bobLink, nil },
	})
	t.Cleanup(bob.Close)

	rings := make(chan IncomingCall, 1)
	bob.OnIncoming(func(ring IncomingCall) { rings <- ring })

	require.NoError(t, alice.Start(context.Background(), "bob", signal.MediaVoice))
	callID := alice.Status().CallID

	select {
	case ring := <-rings:
		assert.Equal(t, callID, ring.CallID)
		assert.Equal(t, "alice", ring.From)
	case <-time.After(2 * time.Second):
		t.Fatal("callee never rang")
	}

	// Tap the caller's inbound side to pin the answer ordering on the wire.
	tap, cancelTap := a.Subscribe()
	defer cancelTap()

	require.NoError(t, bob.Answer(context.Background()))
	assert.Equal(t, StateConnected, bob.Status().State)

	for _, want := range []signal.Type{signal.TypeAnswerAck, signal.TypeAnswerSDP} {
		select {
		case msg := <-tap:
			assert.Equal(t, want, msg.Type, "ack must precede the sdp answer")
			assert.Equal(t, callID, msg.CallID)
		case <-time.After(2 * time.Second):
			t.Fatalf("caller never received %s", want)
		}
	}

	require.Eventually(t, func() bool {
		return alice.Status().State == StateConnected
	}, 2*time.Second, 10*time.Millisecond, "caller connects once the answer sdp lands")

	assert.Equal(t, callID, bob.Status().CallID, "one call id on both sides")
	assert.Equal(t, 1, bobLink.remoteDescCount(), "callee applied the offer")
	assert.Equal(t, 1, aliceLink.remoteDescCount(), "caller applied the answer")
}
