// Package presence keeps the who-is-callable roster. Peers announce
// themselves on a gossipsub topic with periodic heartbeats; entries expire on
// a TTL so a crashed peer disappears without ever saying goodbye.
package presence

import (
	"context"
	"encoding/json"
	"time"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/p2pbus"
)

var log = logging.Logger("presence")

// Announcement types.
const (
	TypeOnline  = "online"
	TypeOffline = "offline"
)

// offlineGrace is how long an expired peer stays visible (greyed out) before
// it is dropped from the roster entirely.
const offlineGrace = 2 * time.Minute

// Announcement is the gossipsub heartbeat payload.
type Announcement struct {
	Type        string   `json:"type"`
	PeerID      string   `json:"peer_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Addrs       []string `json:"addrs,omitempty"`
	TS          int64    `json:"ts"`
}

// Manager publishes this peer's heartbeat and folds everyone else's into the
// roster.
type Manager struct {
	node   *p2pbus.Node
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	roster *Roster

	displayName func() string
	ttl         time.Duration
	heartbeat   time.Duration

	cancel context.CancelFunc
}

// New joins the presence topic and starts the read, heartbeat and prune
// loops. displayName is read per heartbeat so config changes propagate.
func New(ctx context.Context, node *p2pbus.Node, cfg config.Signaling, displayName func() string) (*Manager, error) {
	topic, err := node.PubSub().Join(cfg.PresenceTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		node:        node,
		topic:       topic,
		sub:         sub,
		roster:      NewRoster(),
		displayName: displayName,
		ttl:         time.Duration(cfg.PresenceTTLSec) * time.Second,
		heartbeat:   time.Duration(cfg.PresenceHeartbeatSec) * time.Second,
		cancel:      cancel,
	}
	go m.readLoop(loopCtx)
	go m.heartbeatLoop(loopCtx)
	go m.pruneLoop(loopCtx)
	return m, nil
}

// Roster exposes the live peer table.
func (m *Manager) Roster() *Roster {
	return m.roster
}

// Publish sends one announcement immediately.
func (m *Manager) Publish(ctx context.Context, typ string) {
	ann := Announcement{
		Type:   typ,
		PeerID: m.node.ID(),
		TS:     time.Now().UnixMilli(),
	}
	if typ == TypeOnline {
		ann.DisplayName = m.displayName()
		ann.Addrs = m.node.WANAddrs()
	}
	b, _ := json.Marshal(ann)
	if err := m.topic.Publish(ctx, b); err != nil {
		log.Debugw("publish failed", "type", typ, "err", err)
	}
}

func (m *Manager) readLoop(ctx context.Context) {
	for {
		msg, err := m.sub.Next(ctx)
		if err != nil {
			return
		}
		var ann Announcement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			continue
		}
		if ann.PeerID == "" || ann.Type == "" || ann.PeerID == m.node.ID() {
			continue
		}
		switch ann.Type {
		case TypeOnline:
			m.roster.Upsert(ann.PeerID, ann.DisplayName, ann.Addrs)
			m.node.AddPeerAddrs(ann.PeerID, ann.Addrs, m.ttl)
		case TypeOffline:
			m.roster.Remove(ann.PeerID)
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	m.Publish(ctx, TypeOnline)
	t := time.NewTicker(m.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Publish(ctx, TypeOnline)
		}
	}
}

func (m *Manager) pruneLoop(ctx context.Context) {
	t := time.NewTicker(m.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			m.roster.PruneStale(now.Add(-m.ttl), now.Add(-offlineGrace))
		}
	}
}

// Close announces offline and stops the loops. The node itself stays up.
func (m *Manager) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	m.Publish(ctx, TypeOffline)
	cancel()
	m.cancel()
	m.sub.Cancel()
	_ = m.topic.Close()
}
