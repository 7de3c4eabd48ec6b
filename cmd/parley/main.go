// Command parley runs a peer-to-peer voice/video call endpoint from the
// terminal, or the websocket signaling relay that endpoints can meet on.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/parleyhq/parley/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("parley v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: missing command")
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: parley peer <peer-directory>")
			os.Exit(1)
		}
		runPeerCmd(args[1])

	case "relay":
		addr := ":8801"
		if len(args) >= 2 {
			addr = args[1]
		}
		runRelayCmd(addr)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeerCmd(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "parley.json")
	cfg, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if createdNew {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := runPeer(ctx, absDir, cfgPath, cfg); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runRelayCmd(addr string) {
	fmt.Printf("Signaling relay listening on %s\n", addr)
	fmt.Println("Starting relay... (Press Ctrl+C to stop)")

	ctx, cancel := signalContext()
	defer cancel()

	if err := runRelay(ctx, addr); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func showUsage() {
	fmt.Println("parley - peer-to-peer voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley peer <directory>    Run a call endpoint")
	fmt.Println("  parley relay [addr]        Run the websocket signaling relay (default :8801)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run an endpoint from the specified directory.")
	fmt.Println("        A default parley.json is created on first run.")
	fmt.Println()
	fmt.Println("  relay [addr]")
	fmt.Println("        Run the signaling relay for endpoints using the relay transport")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  parley peer ./peers/alice")
	fmt.Println("  parley relay :8801")
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Parley Endpoint                    ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Identity.DisplayName)
	}
	fmt.Printf("Transport:      %s\n", cfg.Signaling.Transport)
	if cfg.Signaling.Transport == "relay" {
		fmt.Printf("Relay URL:      %s\n", cfg.Signaling.RelayURL)
	}
	fmt.Println()
	fmt.Println("Starting endpoint... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
