package call

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"

	"github.com/parleyhq/parley/internal/signal"
	"github.com/parleyhq/parley/internal/vad"
)

// State is the session's single source of truth. Every transition is a total
// function from (state, event); there are no auxiliary status booleans to
// drift out of sync.
type State string

const (
	StateIdle      State = "idle"
	StateOutgoing  State = "outgoing"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
)

// Direction records which side initiated the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// FSM event names.
const (
	evDial     = "dial"     // idle → outgoing: local user starts a call
	evRing     = "ring"     // idle → incoming: remote offer arrived
	evComplete = "complete" // outgoing → connected: answer SDP arrived
	evAccept   = "accept"   // incoming → connected: local user answered
	evHangup   = "hangup"   // any active state → idle
)

// Session is the aggregate root of one call attempt. The call ID is generated
// by the initiator, shared by both peers, and immutable once negotiation
// starts — it is the sole correlation key for all signaling.
//
// Sessions are owned and driven by the Manager; all mutating methods run
// with the manager's lock held unless noted otherwise.
type Session struct {
	callID   string
	localID  string
	remoteID string

	direction Direction
	kind      signal.MediaKind

	machine *fsm.FSM

	link    Link
	capture Capture

	detector *vad.Detector

	// User toggles, independent of call state.
	muteLocal      bool
	videoEnabled   bool
	speakerEnabled bool

	// released is read lock-free from link callbacks (candidate emission).
	released    atomic.Bool
	releaseOnce sync.Once
}

func newSession(callID, localID, remoteID string, dir Direction, kind signal.MediaKind, vadCfg vad.Config) *Session {
	s := &Session{
		callID:         callID,
		localID:        localID,
		remoteID:       remoteID,
		direction:      dir,
		kind:           kind,
		detector:       vad.New(vadCfg),
		videoEnabled:   kind == signal.MediaVideo,
		speakerEnabled: true,
	}
	s.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateOutgoing)},
			{Name: evRing, Src: []string{string(StateIdle)}, Dst: string(StateIncoming)},
			{Name: evComplete, Src: []string{string(StateOutgoing)}, Dst: string(StateConnected)},
			{Name: evAccept, Src: []string{string(StateIncoming)}, Dst: string(StateConnected)},
			{Name: evHangup, Src: []string{string(StateOutgoing), string(StateIncoming), string(StateConnected)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{},
	)
	return s
}

func (s *Session) state() State {
	return State(s.machine.Current())
}

func (s *Session) transition(event string) error {
	if err := s.machine.Event(context.Background(), event); err != nil {
		return err
	}
	log.Debugw("session state", "call_id", s.callID, "state", s.machine.Current())
	return nil
}

// currentCallID is safe to call from link goroutines: it reports the call ID
// only while the session is live, so late ICE candidates can't leak into a
// subsequent call.
func (s *Session) currentCallID() string {
	if s.released.Load() {
		return ""
	}
	return s.callID
}

// wireVAD attaches the level sources and starts the analysis loop. The
// remote source is resolved lazily per tick because the remote audio track
// trickles in after connection.
func (s *Session) wireVAD() {
	if s.capture != nil {
		if src := s.capture.LocalLevels(); src != nil {
			s.detector.SetLocalSource(src)
		}
	}
	if s.link != nil {
		s.detector.SetRemoteSource(lazyLevels{link: s.link})
	}
	s.detector.Start()
}

// lazyLevels defers to the link's remote level source once it exists.
type lazyLevels struct{ link Link }

func (l lazyLevels) Level() (float64, bool) {
	src := l.link.RemoteAudioLevels()
	if src == nil {
		return 0, false
	}
	return src.Level()
}

// release tears down every resource the session owns: VAD loop, peer link,
// capture tracks. It is the single cleanup path for all terminal transitions
// and external teardown, and is idempotent so duplicate end/reject
// deliveries can't double-release anything.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.released.Store(true)
		s.detector.Close()
		if s.link != nil {
			if err := s.link.Close(); err != nil {
				log.Debugw("link close", "call_id", s.callID, "err", err)
			}
		}
		if s.capture != nil {
			s.capture.Close()
		}
		if s.machine.Can(evHangup) {
			_ = s.machine.Event(context.Background(), evHangup)
		}
		log.Infow("session released", "call_id", s.callID)
	})
}

// Status is the read-only snapshot exposed for rendering. It carries
// everything a UI needs: lifecycle state, toggles, and the VAD's live
// recommendation.
type Status struct {
	State     State            `json:"state"`
	CallID    string           `json:"call_id"`
	RemoteID  string           `json:"remote_id"`
	Direction Direction        `json:"direction"`
	MediaKind signal.MediaKind `json:"media_kind"`

	MuteLocal      bool `json:"mute_local"`
	VideoEnabled   bool `json:"video_enabled"`
	SpeakerEnabled bool `json:"speaker_enabled"`

	VAD vad.Snapshot `json:"vad"`
}

func (s *Session) status() Status {
	return Status{
		State:          s.state(),
		CallID:         s.callID,
		RemoteID:       s.remoteID,
		Direction:      s.direction,
		MediaKind:      s.kind,
		MuteLocal:      s.muteLocal,
		VideoEnabled:   s.videoEnabled,
		SpeakerEnabled: s.speakerEnabled,
		VAD:            s.detector.Snapshot(),
	}
}
