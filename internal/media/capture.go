package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/signal"
	"github.com/parleyhq/parley/internal/vad"
)

// ErrNoDevices means every capture attempt failed: no devices, devices busy,
// or permission refused by the platform.
var ErrNoDevices = errors.New("media: no capture devices available")

// Provider acquires local capture streams. One per process; streams are owned
// by the call session that acquired them and never pooled across calls.
type Provider struct {
	cfg      config.Media
	selector *mediadevices.CodecSelector
}

func NewProvider(cfg config.Media) (*Provider, error) {
	selector, err := newCodecs()
	if err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg, selector: selector}, nil
}

// Selector exposes the codec selector so the peer-connection layer can
// populate its media engine with the same codecs the capture encodes to.
// Nil on platforms without capture support; callers fall back to defaults.
func (p *Provider) Selector() *mediadevices.CodecSelector {
	return p.selector
}

// Acquire captures microphone (and camera for video calls). This is the only
// operation in the engine that may block awaiting a permission prompt.
func (p *Provider) Acquire(ctx context.Context, kind signal.MediaKind) (*Capture, error) {
	_ = ctx
	wantVideo := kind == signal.MediaVideo && !p.cfg.DisableVideo
	stream, err := getUserMedia(wantVideo, p.cfg, p.selector)
	if err != nil {
		return nil, err
	}
	return newCapture(stream), nil
}

// Capture is an exclusively-owned local media stream plus its analysis tap.
// The tap routes a copy of the local audio into a level source consumed only
// by the VAD — it has no path to any speaker sink, so the local user can
// never hear themselves regardless of how playback surfaces are wired.
type Capture struct {
	stream    mediadevices.MediaStream
	levels    *vad.PCMSource
	closeOnce sync.Once
}

func newCapture(stream mediadevices.MediaStream) *Capture {
	c := &Capture{stream: stream}
	for _, track := range stream.GetAudioTracks() {
		at, ok := track.(*mediadevices.AudioTrack)
		if !ok {
			continue
		}
		c.levels = vad.NewPCMSource()
		go tapAudio(at, c.levels)
		break
	}
	return c
}

// tapAudio reads raw chunks from an independent reader on the audio track
// (mediadevices broadcasts frames to every consumer) and folds them into the
// level source until the track closes.
func tapAudio(track *mediadevices.AudioTrack, sink *vad.PCMSource) {
	reader := track.NewReader(false)
	defer sink.Close()
	for {
		chunk, release, err := reader.Read()
		if err != nil {
			return
		}
		feedChunk(sink, chunk)
		if release != nil {
			release()
		}
	}
}

func feedChunk(sink *vad.PCMSource, chunk wave.Audio) {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		sink.Write(c.Data)
	case *wave.Int16NonInterleaved:
		if len(c.Data) > 0 {
			sink.Write(c.Data[0])
		}
	case *wave.Float32Interleaved:
		sink.Write(float32ToInt16(c.Data))
	case *wave.Float32NonInterleaved:
		if len(c.Data) > 0 {
			sink.Write(float32ToInt16(c.Data[0]))
		}
	}
}

func float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, f := range in {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		out[i] = int16(f * 32767)
	}
	return out
}

// Tracks returns the capture's tracks for attachment to a peer connection.
func (c *Capture) Tracks() []mediadevices.Track {
	return c.stream.GetTracks()
}

// HasAudio reports whether the capture carries an audio track.
func (c *Capture) HasAudio() bool {
	return len(c.stream.GetAudioTracks()) > 0
}

// HasVideo reports whether the capture carries a video track.
func (c *Capture) HasVideo() bool {
	return len(c.stream.GetVideoTracks()) > 0
}

// LocalLevels returns the analysis tap for the VAD, or nil when the capture
// has no audio.
func (c *Capture) LocalLevels() vad.LevelSource {
	if c.levels == nil {
		return nil
	}
	return c.levels
}

// Close stops every track. Idempotent — every terminal transition of the
// owning session calls it, and external teardown may race that.
func (c *Capture) Close() {
	c.closeOnce.Do(func() {
		for _, t := range c.stream.GetTracks() {
			t.Close()
		}
		if c.levels != nil {
			c.levels.Close()
		}
		log.Debugw("local capture released")
	})
}
