// Package rtc wraps a single pion PeerConnection per call session. One
// PeerConn maps 1:1 to one call attempt and is never reused; every terminal
// transition closes it and the next call builds a fresh one.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/vad"
)

var log = logging.Logger("rtc")

// audioLevelURI is the RFC 6464 header extension the VAD reads remote levels
// from. Registered on the media engine so it lands in the SDP offer/answer.
const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// Config carries what the adapter needs to build its underlying connection.
type Config struct {
	STUNServers []string

	// Selector populates the media engine with the capture codecs. Nil falls
	// back to pion's default codec set (receive-only platforms).
	Selector interface {
		Populate(*webrtc.MediaEngine)
	}
}

// Events are the adapter's upcalls into the session state machine. CurrentCallID
// is read at candidate emission time, not at subscription time — candidates
// generated after the session moved on must not leak into a later call, so an
// empty return suppresses emission.
type Events struct {
	CurrentCallID func() string
	OnCandidate   func(callID string, cand webrtc.ICECandidateInit)
	OnConnected   func()
	OnFailure     func(state string)
}

// PeerConn is the peer connection adapter.
type PeerConn struct {
	pc *webrtc.PeerConnection
	ev Events

	remote *media.RemoteStream

	mu           sync.Mutex
	offerMade    bool
	answerMade   bool
	remoteSet    bool
	remoteType   webrtc.SDPType
	remoteLevels *vad.RTPLevelSource
	audioSender  *webrtc.RTPSender
	videoSender  *webrtc.RTPSender
	audioTrack   webrtc.TrackLocal
	videoTrack   webrtc.TrackLocal
	failed       bool

	closeOnce sync.Once
	done      chan struct{}
}

// New builds the underlying connection with the same engine setup the capture
// side encodes for: capture codecs, default interceptors, and generous ICE
// timeouts. The default disconnectedTimeout of 5 s is far too short for relay
// paths that have brief outages during re-keying; 30 s lets ICE recover
// without tearing the call down.
func New(cfg Config, ev Events) (*PeerConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.Selector != nil {
		cfg.Selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("register audio-level extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, u := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &PeerConn{
		pc:     pc,
		ev:     ev,
		remote: media.NewRemoteStream(),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		callID := ""
		if p.ev.CurrentCallID != nil {
			callID = p.ev.CurrentCallID()
		}
		if callID == "" {
			log.Debugw("dropping candidate, no active call")
			return
		}
		if p.ev.OnCandidate != nil {
			p.ev.OnCandidate(callID, cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.handleTrack(track, receiver)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugw("connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if p.ev.OnConnected != nil {
				p.ev.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			p.mu.Lock()
			already := p.failed
			p.failed = true
			p.mu.Unlock()
			if !already && p.ev.OnFailure != nil {
				p.ev.OnFailure(state.String())
			}
		}
	})

	return p, nil
}

// CreateOffer produces and installs the local offer. At most once per session.
func (p *PeerConn) CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.offerMade {
		p.mu.Unlock()
		return nil, errors.New("rtc: offer already created for this session")
	}
	p.offerMade = true
	p.mu.Unlock()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	// Trickle ICE: the description goes out immediately, candidates follow
	// over signaling as they are gathered.
	return p.pc.LocalDescription(), nil
}

// CreateAnswer produces and installs the local answer. At most once per session.
func (p *PeerConn) CreateAnswer(ctx context.Context) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.answerMade {
		p.mu.Unlock()
		return nil, errors.New("rtc: answer already created for this session")
	}
	p.answerMade = true
	p.mu.Unlock()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return p.pc.LocalDescription(), nil
}

// SetRemoteDescription applies the remote offer/answer. A second description
// of the same type is a duplicate delivery and is ignored.
func (p *PeerConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.remoteSet && p.remoteType == desc.Type {
		p.mu.Unlock()
		log.Debugw("duplicate remote description ignored", "type", desc.Type.String())
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	p.remoteType = desc.Type
	p.mu.Unlock()
	return nil
}

// AddRemoteCandidate forwards a trickled candidate. Candidates arriving
// before any remote description are dropped, not buffered — callers are
// expected to send the description first.
func (p *PeerConn) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	p.mu.Lock()
	ready := p.remoteSet
	p.mu.Unlock()
	if !ready {
		log.Debugw("dropping early candidate, no remote description yet")
		return nil
	}
	if err := p.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// RemoteStream returns the stable inbound track container.
func (p *PeerConn) RemoteStream() *media.RemoteStream {
	return p.remote
}

// RemoteAudioLevels returns the VAD level source for the remote audio track,
// or nil until an audio track with the level extension arrives.
func (p *PeerConn) RemoteAudioLevels() vad.LevelSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteLevels == nil {
		return nil
	}
	return p.remoteLevels
}

// Close tears the connection down. Idempotent.
func (p *PeerConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		if p.remoteLevels != nil {
			p.remoteLevels.Close()
		}
		p.mu.Unlock()
		err = p.pc.Close()
	})
	return err
}
