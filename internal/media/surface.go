package media

import "sync"

// PlaybackSurface abstracts anything that can play a stream to the user: an
// audio output, a video element in a webview, a preview widget. Surfaces
// notify on every state change so guards can re-assert policy even when a
// surface silently unmutes itself.
type PlaybackSurface interface {
	SetMuted(muted bool)
	SetVolume(volume float64)
	Muted() bool
	Volume() float64

	// OnStateChange registers fn to run after any mute/volume change,
	// including changes made by the surface itself.
	OnStateChange(fn func())
}

// Isolator guarantees zero local self-monitoring: every local-facing surface
// registered with it is forced to muted + volume 0 and kept there for the
// life of the guard, no matter how often the surface flips itself back.
// This holds unconditionally — it is independent of the user's mic mute.
type Isolator struct {
	mu       sync.Mutex
	released bool
}

func NewIsolator() *Isolator {
	return &Isolator{}
}

// EnforceMuted pins surface to muted=true, volume=0 and re-asserts on every
// subsequent state change until Release.
func (iso *Isolator) EnforceMuted(surface PlaybackSurface) {
	assert := func() {
		if surface.Muted() && surface.Volume() == 0 {
			return
		}
		log.Debugw("re-muting local playback surface")
		surface.SetMuted(true)
		surface.SetVolume(0)
	}

	surface.SetMuted(true)
	surface.SetVolume(0)

	surface.OnStateChange(func() {
		iso.mu.Lock()
		released := iso.released
		iso.mu.Unlock()
		if !released {
			assert()
		}
	})
}

// Release stops enforcement, for teardown. Idempotent.
func (iso *Isolator) Release() {
	iso.mu.Lock()
	iso.released = true
	iso.mu.Unlock()
}

// RemoteGate applies the VAD recommendation and the user's speaker toggle to
// the remote playback surface as a live mute flag — never a disconnect — so
// unmuting is instantaneous once the silence delay elapses.
type RemoteGate struct {
	mu          sync.Mutex
	surface     PlaybackSurface
	vadMuted    bool
	userSpeaker bool
}

func NewRemoteGate(surface PlaybackSurface) *RemoteGate {
	return &RemoteGate{surface: surface, userSpeaker: true}
}

// SetVADMute applies the detector's half-duplex recommendation.
func (g *RemoteGate) SetVADMute(muted bool) {
	g.mu.Lock()
	g.vadMuted = muted
	g.applyLocked()
	g.mu.Unlock()
}

// SetSpeakerEnabled applies the user's speaker toggle.
func (g *RemoteGate) SetSpeakerEnabled(enabled bool) {
	g.mu.Lock()
	g.userSpeaker = enabled
	g.applyLocked()
	g.mu.Unlock()
}

func (g *RemoteGate) applyLocked() {
	muted := g.vadMuted || !g.userSpeaker
	g.surface.SetMuted(muted)
	if muted {
		g.surface.SetVolume(0)
	} else {
		g.surface.SetVolume(1)
	}
}
