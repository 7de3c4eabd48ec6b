// Package vad implements the half-duplex voice activity detector that guards
// against acoustic feedback on speaker-output devices: while the local user is
// speaking, remote playback is muted; it is unmuted only after the local side
// has stayed silent for a full silence delay.
package vad

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parleyhq/parley/internal/util"
)

var log = logging.Logger("vad")

// Config tunes the detector. Zero values fall back to defaults.
type Config struct {
	// Threshold is the normalized 0–100 level above which a side counts as
	// speaking.
	Threshold float64

	// SilenceDelay is how long the local side must stay below Threshold
	// before remote playback is unmuted. Renewed speech during the delay
	// keeps remote muted.
	SilenceDelay time.Duration

	// Tick is the analysis cadence.
	Tick time.Duration

	// Smoothing is the exponential smoothing factor applied to raw levels:
	// smoothed = Smoothing*prev + (1-Smoothing)*raw.
	Smoothing float64
}

const (
	DefaultThreshold    = 25.0
	DefaultSilenceDelay = 550 * time.Millisecond
	DefaultTick         = 20 * time.Millisecond
	DefaultSmoothing    = 0.8
)

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.SilenceDelay == 0 {
		c.SilenceDelay = DefaultSilenceDelay
	}
	if c.Tick == 0 {
		c.Tick = DefaultTick
	}
	if c.Smoothing == 0 {
		c.Smoothing = DefaultSmoothing
	}
	return c
}

// LevelSource supplies the current normalized audio level (0–100) for one
// side of the call. ok is false when the side has no audio to analyze (no
// audio track, or the reader has shut down); detection for that side is then
// skipped and its speaking flag stays false.
type LevelSource interface {
	Level() (level float64, ok bool)
}

// Snapshot is the detector's derived output, recomputed every tick.
type Snapshot struct {
	LocalSpeaking  bool `json:"local_speaking"`
	RemoteSpeaking bool `json:"remote_speaking"`

	// MuteRemote is the half-duplex recommendation: apply it as a live mute
	// flag on the remote playback surface, never as a stream disconnect.
	MuteRemote bool `json:"mute_remote_playback"`
}

// levelSample is one tick's smoothed levels, kept for debug output.
type levelSample struct {
	At     time.Time
	Local  float64
	Remote float64
}

// Detector runs the analysis loop. Create with New, attach sources, Start,
// and Close when the call ends — a dangling loop after teardown is a defect,
// so Close is idempotent and safe to call from every teardown path.
type Detector struct {
	mu  sync.Mutex
	cfg Config

	local  LevelSource
	remote LevelSource

	localSmooth  float64
	remoteSmooth float64

	localSpeaking  bool
	remoteSpeaking bool
	muteRemote     bool

	// silentSince is the moment local speech last stopped; zero while the
	// local side is speaking or the delay has already elapsed.
	silentSince time.Time

	history *util.RingBuffer[levelSample]

	onChange func(Snapshot)

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config) *Detector {
	return &Detector{
		cfg:     cfg.withDefaults(),
		history: util.NewRingBuffer[levelSample](256),
		done:    make(chan struct{}),
	}
}

// SetLocalSource attaches the analysis tap of the local capture.
func (d *Detector) SetLocalSource(src LevelSource) {
	d.mu.Lock()
	d.local = src
	d.mu.Unlock()
}

// SetRemoteSource attaches the level reader of the remote stream.
func (d *Detector) SetRemoteSource(src LevelSource) {
	d.mu.Lock()
	d.remote = src
	d.mu.Unlock()
}

// OnChange registers a callback fired whenever the snapshot changes. Called
// from the analysis goroutine; keep it cheap.
func (d *Detector) OnChange(fn func(Snapshot)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// SetTuning applies new threshold/delay values live (config hot reload).
func (d *Detector) SetTuning(threshold float64, silenceDelay time.Duration) {
	d.mu.Lock()
	if threshold > 0 {
		d.cfg.Threshold = threshold
	}
	if silenceDelay > 0 {
		d.cfg.SilenceDelay = silenceDelay
	}
	d.mu.Unlock()
}

// Start launches the analysis loop. Safe to call once; later calls are no-ops.
func (d *Detector) Start() {
	d.startOnce.Do(func() {
		go d.loop()
	})
}

func (d *Detector) loop() {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case now := <-ticker.C:
			d.step(now)
		}
	}
}

// step runs one analysis tick. Split out from the loop so tests can drive
// time deterministically.
func (d *Detector) step(now time.Time) {
	d.mu.Lock()

	prev := d.snapshotLocked()

	d.localSmooth, d.localSpeaking = d.analyzeLocked(d.local, d.localSmooth)
	d.remoteSmooth, d.remoteSpeaking = d.analyzeLocked(d.remote, d.remoteSmooth)

	if d.localSpeaking {
		// Mute immediately; any renewed speech cancels a pending unmute.
		d.muteRemote = true
		d.silentSince = time.Time{}
	} else if d.muteRemote {
		if d.silentSince.IsZero() {
			d.silentSince = now
		} else if now.Sub(d.silentSince) >= d.cfg.SilenceDelay {
			d.muteRemote = false
			d.silentSince = time.Time{}
		}
	}

	d.history.Push(levelSample{At: now, Local: d.localSmooth, Remote: d.remoteSmooth})

	cur := d.snapshotLocked()
	fn := d.onChange
	d.mu.Unlock()

	if cur != prev {
		log.Debugw("vad state", "local", cur.LocalSpeaking, "remote", cur.RemoteSpeaking, "mute_remote", cur.MuteRemote)
		if fn != nil {
			fn(cur)
		}
	}
}

// analyzeLocked folds one raw reading into the smoothed level and applies the
// speaking threshold. A side without a usable source reads as silent.
func (d *Detector) analyzeLocked(src LevelSource, smoothed float64) (float64, bool) {
	if src == nil {
		return 0, false
	}
	raw, ok := src.Level()
	if !ok {
		return 0, false
	}
	smoothed = d.cfg.Smoothing*smoothed + (1-d.cfg.Smoothing)*raw
	return smoothed, smoothed >= d.cfg.Threshold
}

func (d *Detector) snapshotLocked() Snapshot {
	return Snapshot{
		LocalSpeaking:  d.localSpeaking,
		RemoteSpeaking: d.remoteSpeaking,
		MuteRemote:     d.muteRemote,
	}
}

// Snapshot returns the current derived state.
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Levels returns the most recent smoothed levels, for debug display.
func (d *Detector) Levels() (local, remote float64) {
	if s, ok := d.history.Last(); ok {
		return s.Local, s.Remote
	}
	return 0, 0
}

// Close stops the analysis loop. Idempotent.
func (d *Detector) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}
