// Package call owns the call lifecycle: one session at a time per local
// user, driven by UI intents on one side and signaling events on the other.
// Coupling to the rest of the application is deliberately narrow — the
// package sees a signal.Transport, a MediaSource and a LinkFactory, all
// injected, and nothing else.
package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/signal"
	"github.com/parleyhq/parley/internal/vad"
)

var (
	// ErrBusy: a call is already active; the engine never runs two.
	ErrBusy = errors.New("call: another call is active")

	// ErrNoSession: the operation needs an active call and there is none.
	ErrNoSession = errors.New("call: no active call")

	// ErrBadState: the operation is not valid in the session's current state.
	ErrBadState = errors.New("call: operation not valid in current state")

	// ErrTransportUnavailable: the signaling bus has no route; calls cannot
	// be initiated or answered until it reconnects.
	ErrTransportUnavailable = errors.New("call: signaling transport unavailable")

	// ErrMediaUnavailable wraps capture failures (no devices, permission
	// refused). User-actionable; the session has already unwound to idle.
	ErrMediaUnavailable = errors.New("call: local media unavailable")
)

// Capture is the session's exclusively-owned local media stream.
// media.Capture implements it; tests substitute fakes.
type Capture interface {
	HasAudio() bool

	// LocalLevels is the analysis tap feeding the VAD; nil without audio.
	LocalLevels() vad.LevelSource

	// Close stops all tracks. Idempotent.
	Close()
}

// MediaSource acquires local capture. Acquiring may block on a permission
// prompt — it is the engine's only suspension point.
type MediaSource interface {
	Acquire(ctx context.Context, kind signal.MediaKind) (Capture, error)
}

// Link is the peer-connection adapter surface the state machine drives.
// rtc.PeerConn satisfies it through a small adapter in the composition root,
// the only place that imports both packages.
type Link interface {
	// AttachLocal adds the capture's tracks for sending; kinds the capture
	// lacks become receive-only. capture may be nil.
	AttachLocal(capture Capture, wantVideo bool) error

	// CreateOffer / CreateAnswer produce and install the local description.
	// At most once each per session; the returned description must be set
	// locally before the corresponding signal goes out.
	CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (*webrtc.SessionDescription, error)

	// SetRemoteDescription is idempotent per description type.
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// AddRemoteCandidate drops candidates that arrive before a remote
	// description; it never buffers them.
	AddRemoteCandidate(cand webrtc.ICECandidateInit) error

	SetMicEnabled(enabled bool) error
	SetCameraEnabled(enabled bool) error

	// RemoteStream is the stable-identity inbound track container.
	RemoteStream() *media.RemoteStream

	// RemoteAudioLevels is the VAD source for inbound audio; nil until an
	// audio track arrives.
	RemoteAudioLevels() vad.LevelSource

	Close() error
}

// LinkEvents are the upcalls a Link makes into the engine. Implementations
// must tolerate being called from their own goroutines at any time,
// including after the session ended.
type LinkEvents struct {
	// CurrentCallID is read at candidate emission time; empty means the
	// session is gone and the candidate must be discarded.
	CurrentCallID func() string

	OnCandidate func(callID string, cand webrtc.ICECandidateInit)
	OnConnected func()
	OnFailure   func(reason string)
}

// LinkFactory builds one Link per session.
type LinkFactory func(ev LinkEvents) (Link, error)
