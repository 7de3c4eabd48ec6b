package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/parleyhq/parley/internal/call"
	"github.com/parleyhq/parley/internal/presence"
	"github.com/parleyhq/parley/internal/signal"
)

// runConsole is the interactive loop. pres is nil on the relay transport;
// the peers command then just says so.
func runConsole(ctx context.Context, mgr *call.Manager, pres *presence.Manager) error {
	// lastState deduplicates prints: VAD flapping redraws would otherwise
	// bury the prompt.
	var lastState atomic.Value
	lastState.Store(call.Status{State: call.StateIdle})

	mgr.OnIncoming(func(ring call.IncomingCall) {
		fmt.Printf("\n*** Incoming %s call from %s (answer / reject) ***\n> ", ring.Kind, ring.From)
	})
	mgr.OnState(func(st call.Status) {
		prev := lastState.Load().(call.Status)
		lastState.Store(st)
		if st.State != prev.State {
			fmt.Printf("\n[call] %s", st.State)
			if st.State != call.StateIdle {
				fmt.Printf(" with %s (%s)", st.RemoteID, st.MediaKind)
			}
			fmt.Print("\n> ")
			return
		}
		if st.VAD.MuteRemote != prev.VAD.MuteRemote {
			if st.VAD.MuteRemote {
				fmt.Print("\n[vad] you are speaking, remote playback muted\n> ")
			} else {
				fmt.Print("\n[vad] silence held, remote playback restored\n> ")
			}
		}
	})

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println("Type 'help' for commands.")
	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return hangupAndExit(mgr)
		case line, ok := <-lines:
			if !ok {
				return hangupAndExit(mgr)
			}
			if quit := handleCommand(ctx, mgr, pres, line); quit {
				return hangupAndExit(mgr)
			}
		}
	}
}

func hangupAndExit(mgr *call.Manager) error {
	endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = mgr.End(endCtx)
	return nil
}

func handleCommand(ctx context.Context, mgr *call.Manager, pres *presence.Manager, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			fmt.Println("usage: call <peer-id> [video]")
			return false
		}
		kind := signal.MediaVoice
		if len(fields) >= 3 && fields[2] == "video" {
			kind = signal.MediaVideo
		}
		if err := mgr.Start(ctx, fields[1], kind); err != nil {
			printCallErr(err)
		}

	case "answer":
		if err := mgr.Answer(ctx); err != nil {
			printCallErr(err)
		}

	case "reject":
		if err := mgr.Reject(ctx); err != nil {
			printCallErr(err)
		}

	case "end":
		if err := mgr.End(ctx); err != nil {
			printCallErr(err)
		}

	case "mute":
		if muted, err := mgr.ToggleMute(); err != nil {
			printCallErr(err)
		} else {
			fmt.Printf("microphone %s\n", onOff(!muted))
		}

	case "video":
		if on, err := mgr.ToggleVideo(); err != nil {
			printCallErr(err)
		} else {
			fmt.Printf("camera %s\n", onOff(on))
		}

	case "speaker":
		if on, err := mgr.ToggleSpeaker(); err != nil {
			printCallErr(err)
		} else {
			fmt.Printf("speaker %s\n", onOff(on))
		}

	case "status":
		st := mgr.Status()
		fmt.Printf("state: %s\n", st.State)
		if st.State != call.StateIdle {
			fmt.Printf("  call_id:  %s\n", st.CallID)
			fmt.Printf("  peer:     %s (%s, %s)\n", st.RemoteID, st.Direction, st.MediaKind)
			fmt.Printf("  mic:      %s  camera: %s  speaker: %s\n",
				onOff(!st.MuteLocal), onOff(st.VideoEnabled), onOff(st.SpeakerEnabled))
			fmt.Printf("  vad:      local_speaking=%v remote_speaking=%v mute_remote=%v\n",
				st.VAD.LocalSpeaking, st.VAD.RemoteSpeaking, st.VAD.MuteRemote)
		}

	case "peers":
		if pres == nil {
			fmt.Println("no presence on this transport; dial peers by user id")
			return false
		}
		peers := pres.Roster().Snapshot()
		if len(peers) == 0 {
			fmt.Println("nobody around yet")
			return false
		}
		ids := make([]string, 0, len(peers))
		for id := range peers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p := peers[id]
			mark := "offline"
			if p.Online {
				mark = "online"
			}
			name := p.DisplayName
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("  %-8s %s  %s\n", mark, id, name)
		}

	case "help":
		printConsoleHelp()

	case "quit", "exit":
		return true

	default:
		fmt.Printf("unknown command %q, try 'help'\n", fields[0])
	}
	return false
}

func printCallErr(err error) {
	switch {
	case errors.Is(err, call.ErrBusy):
		fmt.Println("a call is already active, end it first")
	case errors.Is(err, call.ErrNoSession):
		fmt.Println("no active call")
	case errors.Is(err, call.ErrBadState):
		fmt.Println("not possible in the current call state")
	case errors.Is(err, call.ErrMediaUnavailable):
		fmt.Printf("microphone/camera unavailable: %v\n", err)
	case errors.Is(err, call.ErrTransportUnavailable):
		fmt.Println("signaling is offline, try again shortly")
	default:
		fmt.Printf("error: %v\n", err)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func printConsoleHelp() {
	fmt.Println("Commands:")
	fmt.Println("  call <peer-id> [video]  start a voice (or video) call")
	fmt.Println("  answer                  accept the ringing call")
	fmt.Println("  reject                  decline the ringing call")
	fmt.Println("  end                     hang up")
	fmt.Println("  mute                    toggle your microphone")
	fmt.Println("  video                   toggle your camera")
	fmt.Println("  speaker                 toggle remote playback")
	fmt.Println("  status                  show the call state")
	fmt.Println("  peers                   list peers on the mesh")
	fmt.Println("  quit                    hang up and exit")
}
