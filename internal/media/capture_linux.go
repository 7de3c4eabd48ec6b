//go:build linux && cgo

package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/parleyhq/parley/internal/config"
)

// newCodecs builds the VP8+Opus selector shared by capture and the peer
// connection's media engine.
func newCodecs() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// getUserMedia captures camera/mic via V4L2 + malgo with a graceful fallback
// ladder. GetUserMedia fails as a unit if either requested track can't be
// opened, so a busy microphone must not take the camera down with it and
// vice versa.
func getUserMedia(wantVideo bool, cfg config.Media, selector *mediadevices.CodecSelector) (mediadevices.MediaStream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnw("no media devices found")
	} else {
		for _, d := range devices {
			log.Debugw("media device", "kind", d.Kind, "label", d.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if wantVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: cfg.MaxWidth}
				c.Height = prop.IntRanged{Max: cfg.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				// Mono 48 kHz keeps the Opus encoder and the RMS analysis tap
				// on the same sample geometry. Platform-level echo
				// cancellation is not exposed here; the VAD's half-duplex
				// discipline covers the speaker-output case instead.
				c.SampleRate = prop.Int(48000)
				c.ChannelCount = prop.Int(1)
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnw("capture attempt failed", "attempt", a.label, "err", err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Debugw("local track ended", "err", err)
				}
			})
		}
		log.Infow("local media captured", "attempt", a.label, "tracks", len(tracks))
		return stream, nil
	}

	return nil, ErrNoDevices
}
