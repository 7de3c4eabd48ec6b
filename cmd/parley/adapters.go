package main

import (
	"context"

	"github.com/parleyhq/parley/internal/call"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/rtc"
	"github.com/parleyhq/parley/internal/signal"
)

// The call engine speaks through narrow ports; this file holds the only code
// that knows both sides of each port.

// mediaSource adapts media.Provider to the engine's MediaSource port.
type mediaSource struct {
	provider *media.Provider
}

func (m mediaSource) Acquire(ctx context.Context, kind signal.MediaKind) (call.Capture, error) {
	c, err := m.provider.Acquire(ctx, kind)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// newLinkFactory builds one rtc.PeerConn per session, wrapped to satisfy the
// engine's Link port.
func newLinkFactory(cfg config.Config, provider *media.Provider) call.LinkFactory {
	return func(ev call.LinkEvents) (call.Link, error) {
		rtcCfg := rtc.Config{STUNServers: cfg.ICE.STUNServers}
		if sel := provider.Selector(); sel != nil {
			rtcCfg.Selector = sel
		}
		pc, err := rtc.New(rtcCfg, rtc.Events{
			CurrentCallID: ev.CurrentCallID,
			OnCandidate:   ev.OnCandidate,
			OnConnected:   ev.OnConnected,
			OnFailure:     ev.OnFailure,
		})
		if err != nil {
			return nil, err
		}
		return rtcLink{pc}, nil
	}
}

// rtcLink narrows the engine's Capture back to the concrete media.Capture the
// peer connection needs; every other Link method passes straight through.
type rtcLink struct {
	*rtc.PeerConn
}

func (l rtcLink) AttachLocal(capture call.Capture, wantVideo bool) error {
	var mc *media.Capture
	if capture != nil {
		mc, _ = capture.(*media.Capture)
	}
	return l.PeerConn.AttachLocal(mc, wantVideo)
}

var _ call.Link = rtcLink{}
