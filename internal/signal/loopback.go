package signal

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signal")

// subscriberCap bounds each subscriber channel. A full subscriber loses
// messages — acceptable under the at-most-once contract and preferable to
// blocking a peer's send path.
const subscriberCap = 64

// Loopback is an in-process Transport for tests and the local demo: two
// endpoints joined back to back, each delivering to the other's subscribers.
type Loopback struct {
	mu     sync.Mutex
	peer   *Loopback
	subs   map[chan *Message]struct{}
	closed bool
}

// Pair returns two connected loopback endpoints. Messages sent on one are
// delivered to subscribers of the other, regardless of the To field — the
// pair models a dedicated two-party channel.
func Pair() (*Loopback, *Loopback) {
	a := &Loopback{subs: make(map[chan *Message]struct{})}
	b := &Loopback{subs: make(map[chan *Message]struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (l *Loopback) Send(_ context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrNotConnected
	}
	peer := l.peer
	l.mu.Unlock()
	peer.deliver(msg)
	return nil
}

func (l *Loopback) deliver(msg *Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for ch := range l.subs {
		select {
		case ch <- msg:
		default:
			log.Debugw("loopback subscriber full, dropping", "type", msg.Type, "call_id", msg.CallID)
		}
	}
}

func (l *Loopback) Subscribe() (<-chan *Message, func()) {
	ch := make(chan *Message, subscriberCap)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for ch := range l.subs {
		delete(l.subs, ch)
		close(ch)
	}
	return nil
}
