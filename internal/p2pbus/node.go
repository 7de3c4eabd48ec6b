// Package p2pbus carries call signaling over direct libp2p streams. Peers
// discover each other over mDNS on the LAN, address each other by peer ID,
// and exchange signals as newline-delimited JSON with a per-message ACK.
package p2pbus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/signal"
	"github.com/parleyhq/parley/internal/util"
)

var log = logging.Logger("p2pbus")

// SignalProtoID is the libp2p stream protocol for call signaling.
const SignalProtoID = "/parley/signal/1.0.0"

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node owns the libp2p host and implements signal.Transport on top of it.
type Node struct {
	host host.Host
	ps   *pubsub.PubSub

	subs signal.Subscribers

	closed chan struct{}
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run so the peer ID survives restarts.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnw("corrupt identity key, generating new", "file", keyFile, "err", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// New starts the host: persistent identity, TCP listener, mDNS discovery and
// gossipsub (used by the presence roster). The returned node is ready to
// send and receive signals.
func New(ctx context.Context, cfg config.Signaling, keyFile string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infow("generated identity key", "file", keyFile)
	} else {
		log.Infow("loaded identity key", "file", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, cfg.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		host:   h,
		ps:     ps,
		closed: make(chan struct{}),
	}
	h.SetStreamHandler(protocol.ID(SignalProtoID), n.handleStream)
	log.Infow("node up", "peer_id", h.ID().String(), "addrs", len(h.Addrs()))
	return n, nil
}

// ID is the local peer ID, which doubles as the signaling user ID on this
// transport.
func (n *Node) ID() string {
	return n.host.ID().String()
}

// Host exposes the underlying libp2p host for the presence layer.
func (n *Node) Host() host.Host {
	return n.host
}

// PubSub exposes the gossipsub router for the presence layer.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.ps
}

// Connected reports whether the host is still running. Individual peer
// reachability surfaces as Send errors, not here.
func (n *Node) Connected() bool {
	select {
	case <-n.closed:
		return false
	default:
		return true
	}
}

// Close shuts the host down and closes all subscriber channels.
func (n *Node) Close() error {
	select {
	case <-n.closed:
		return nil
	default:
	}
	close(n.closed)
	n.subs.CloseAll()
	return n.host.Close()
}

var _ signal.Transport = (*Node)(nil)
