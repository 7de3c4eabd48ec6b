package p2pbus

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// WANAddrs returns the host's multiaddresses filtered to ones worth
// advertising: loopback and link-local addresses are skipped.
func (n *Node) WANAddrs() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// AddPeerAddrs parses advertised multiaddr strings and adds them to the
// peerstore with the given TTL, so a signaling dial can reach peers that
// mDNS never saw (different subnet, heartbeat-only discovery).
func (n *Node) AddPeerAddrs(peerID string, addrs []string, ttl time.Duration) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var parsed []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		parsed = append(parsed, a)
	}
	if len(parsed) > 0 {
		n.host.Peerstore().AddAddrs(pid, parsed, ttl)
	}
}
