package vad

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// staleAfter is how long a source keeps reporting its last level without new
// input before it decays to silence. Covers paused tracks and reader stalls.
const staleAfter = 500 * time.Millisecond

// fullScaleRef is the int16 RMS treated as level 100. Normal speech sits
// around RMS 1500–4000, mapping to roughly 35–95 on the 0–100 scale.
const fullScaleRef = 4096.0

// PCMSource derives a level from raw PCM frames pushed by an audio reader —
// the local capture's analysis tap feeds one of these.
type PCMSource struct {
	mu     sync.Mutex
	level  float64
	at     time.Time
	closed bool
}

func NewPCMSource() *PCMSource {
	return &PCMSource{}
}

// Write folds one frame of 16-bit samples into the current level.
func (p *PCMSource) Write(samples []int16) {
	if len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	level := rms * 100 / fullScaleRef
	if level > 100 {
		level = 100
	}

	p.mu.Lock()
	p.level = level
	p.at = time.Now()
	p.mu.Unlock()
}

func (p *PCMSource) Level() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.at.IsZero() {
		return 0, false
	}
	if time.Since(p.at) > staleAfter {
		return 0, true
	}
	return p.level, true
}

// Close marks the source dead; Level then reports no audio.
func (p *PCMSource) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// RTPLevelSource derives a level from the RFC 6464 audio-level header
// extension on inbound RTP packets, avoiding an Opus decode just to measure
// energy. The extension carries -dBov in 0..127 where 0 is loudest.
type RTPLevelSource struct {
	extID uint8

	mu     sync.Mutex
	level  float64
	at     time.Time
	closed bool
}

// NewRTPLevelSource takes the negotiated extension ID for
// urn:ietf:params:rtp-hdrext:ssrc-audio-level.
func NewRTPLevelSource(extID uint8) *RTPLevelSource {
	return &RTPLevelSource{extID: extID}
}

// Observe inspects one inbound packet. Packets without the extension are
// ignored, so a stream that never negotiated audio levels simply reads as
// silent after staleAfter.
func (r *RTPLevelSource) Observe(pkt *rtp.Packet) {
	if pkt == nil {
		return
	}
	payload := pkt.GetExtension(r.extID)
	if payload == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(payload); err != nil {
		return
	}
	// dBov 0 (loudest) → 100, dBov 127 (digital silence) → 0.
	level := 100 * float64(127-ext.Level) / 127

	r.mu.Lock()
	r.level = level
	r.at = time.Now()
	r.mu.Unlock()
}

func (r *RTPLevelSource) Level() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.at.IsZero() {
		return 0, false
	}
	if time.Since(r.at) > staleAfter {
		return 0, true
	}
	return r.level, true
}

// Close marks the source dead.
func (r *RTPLevelSource) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
