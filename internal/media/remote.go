// Package media owns local capture, the remote stream container, and the
// isolation guard that keeps local audio away from local speakers.
package media

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// RemoteStream is the inbound stream container. It has stable identity for
// the whole call: tracks arriving from the peer connection are merged into
// the existing instance, never replacing it, so references held by playback
// code stay valid as tracks trickle in.
type RemoteStream struct {
	mu       sync.RWMutex
	tracks   []*webrtc.TrackRemote
	watchers []func(*webrtc.TrackRemote)
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// AddTrack appends a track. Append-only by contract.
func (r *RemoteStream) AddTrack(track *webrtc.TrackRemote) {
	if track == nil {
		return
	}
	r.mu.Lock()
	r.tracks = append(r.tracks, track)
	watchers := make([]func(*webrtc.TrackRemote), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.Unlock()

	log.Debugw("remote track added", "kind", track.Kind().String(), "id", track.ID())
	for _, fn := range watchers {
		fn(track)
	}
}

// OnTrack registers fn for every track, replaying tracks already present so
// late subscribers miss nothing.
func (r *RemoteStream) OnTrack(fn func(*webrtc.TrackRemote)) {
	r.mu.Lock()
	r.watchers = append(r.watchers, fn)
	existing := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(existing, r.tracks)
	r.mu.Unlock()

	for _, t := range existing {
		fn(t)
	}
}

// Tracks returns a copy of the current track list.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(out, r.tracks)
	return out
}

// HasAudio reports whether at least one audio track has arrived.
func (r *RemoteStream) HasAudio() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			return true
		}
	}
	return false
}
