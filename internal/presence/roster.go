package presence

import (
	"sync"
	"time"
)

// Peer is one roster entry. Online peers are call targets; offline entries
// linger through a grace period so a brief heartbeat gap doesn't make the
// peer vanish from the UI.
type Peer struct {
	DisplayName  string    `json:"display_name"`
	Addrs        []string  `json:"addrs,omitempty"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"-"`
}

// Event describes one roster change delivered to subscribers.
type Event struct {
	Type   string `json:"type"` // "update" | "remove"
	PeerID string `json:"peer_id"`
	Peer   *Peer  `json:"peer,omitempty"`
}

// Roster is the live peer table fed by presence heartbeats.
type Roster struct {
	mu        sync.Mutex
	peers     map[string]Peer
	listeners []chan Event
}

func NewRoster() *Roster {
	return &Roster{peers: map[string]Peer{}}
}

func (r *Roster) Upsert(id, displayName string, addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := Peer{
		DisplayName: displayName,
		Addrs:       addrs,
		Online:      true,
		LastSeen:    time.Now(),
	}
	r.peers[id] = p
	r.notify(Event{Type: "update", PeerID: id, Peer: &p})
}

func (r *Roster) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	r.notify(Event{Type: "remove", PeerID: id})
}

func (r *Roster) Get(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Roster) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

func (r *Roster) Snapshot() map[string]Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]Peer, len(r.peers))
	for k, v := range r.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale marks online peers with an expired TTL offline, then drops
// offline peers past the grace period.
func (r *Roster) PruneStale(ttlCutoff, graceCutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		if p.Online {
			if p.LastSeen.Before(ttlCutoff) {
				p.Online = false
				p.OfflineSince = time.Now()
				r.peers[id] = p
				r.notify(Event{Type: "update", PeerID: id, Peer: &p})
			}
		} else if p.OfflineSince.Before(graceCutoff) {
			delete(r.peers, id)
			r.notify(Event{Type: "remove", PeerID: id})
		}
	}
}

func (r *Roster) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Roster) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l == ch {
			close(l)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Roster) notify(evt Event) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
