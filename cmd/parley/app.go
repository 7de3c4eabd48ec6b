package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/call"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/p2pbus"
	"github.com/parleyhq/parley/internal/presence"
	"github.com/parleyhq/parley/internal/signal"
	"github.com/parleyhq/parley/internal/util"
	"github.com/parleyhq/parley/internal/vad"
	"github.com/parleyhq/parley/internal/wsbus"
)

// runPeer wires the endpoint together: signaling transport, presence (p2p
// only), media capture, and the call engine, then hands control to the
// console loop until ctx is cancelled.
func runPeer(ctx context.Context, peerDir, cfgPath string, cfg config.Config) error {
	keyFile := util.ResolvePath(peerDir, cfg.Identity.KeyFile)

	var (
		transport signal.Transport
		selfID    string
		pres      *presence.Manager
	)
	switch cfg.Signaling.Transport {
	case "p2p":
		node, err := p2pbus.New(ctx, cfg.Signaling, keyFile)
		if err != nil {
			return fmt.Errorf("start p2p node: %w", err)
		}
		defer node.Close()
		transport = node
		selfID = node.ID()

		pres, err = presence.New(ctx, node, cfg.Signaling, func() string {
			return cfg.Identity.DisplayName
		})
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		defer pres.Close()

	case "relay":
		id, err := util.ValidateUserID(cfg.Identity.UserID)
		if err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
		client, err := wsbus.Dial(cfg.Signaling.RelayURL, id)
		if err != nil {
			return fmt.Errorf("dial relay: %w", err)
		}
		defer client.Close()
		transport = client
		selfID = id

	default:
		return fmt.Errorf("unknown signaling transport %q", cfg.Signaling.Transport)
	}

	provider, err := media.NewProvider(cfg.Media)
	if err != nil {
		return fmt.Errorf("init media: %w", err)
	}

	mgr := call.NewManager(call.Deps{
		Transport: transport,
		SelfID:    selfID,
		Media:     mediaSource{provider: provider},
		NewLink:   newLinkFactory(cfg, provider),
		VADConfig: vadConfig(cfg.VAD),
	})
	defer mgr.Close()

	// Config hot reload: only the VAD knobs apply live; transport and media
	// changes need a restart.
	stopWatch, err := config.Watch(cfgPath, func(next config.Config) {
		mgr.SetVADTuning(vadConfig(next.VAD))
		fmt.Printf("[config] vad tuning reloaded (threshold=%v silence_delay=%dms)\n",
			next.VAD.Threshold, next.VAD.SilenceDelayMs)
	})
	if err != nil {
		fmt.Printf("[config] hot reload unavailable: %v\n", err)
	} else {
		defer stopWatch()
	}

	fmt.Printf("You are reachable as: %s\n\n", selfID)
	return runConsole(ctx, mgr, pres)
}

// vadConfig converts the JSON config block into detector settings.
func vadConfig(v config.VAD) vad.Config {
	return vad.Config{
		Threshold:    v.Threshold,
		SilenceDelay: time.Duration(v.SilenceDelayMs) * time.Millisecond,
		Tick:         time.Duration(v.TickMs) * time.Millisecond,
		Smoothing:    v.Smoothing,
	}
}

// runRelay serves the websocket signaling relay until ctx is cancelled.
func runRelay(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsbus.NewRelay())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
