//go:build !(linux && cgo)

package media

import (
	"github.com/pion/mediadevices"

	"github.com/parleyhq/parley/internal/config"
)

// Capture drivers are wired for Linux only (V4L2 + malgo). Elsewhere Acquire
// fails with ErrNoDevices, and the engine refuses the call the same way it
// refuses one on a Linux machine whose devices are all busy.

func newCodecs() (*mediadevices.CodecSelector, error) {
	return nil, nil
}

func getUserMedia(wantVideo bool, cfg config.Media, selector *mediadevices.CodecSelector) (mediadevices.MediaStream, error) {
	return nil, ErrNoDevices
}
