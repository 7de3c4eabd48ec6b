package signal

import "sync"

// Subscribers is the fan-out set shared by the concrete transports. The zero
// value is ready to use. Delivery is non-blocking: a subscriber that stops
// draining loses messages instead of stalling the transport's read loop.
type Subscribers struct {
	mu     sync.Mutex
	subs   map[chan *Message]struct{}
	closed bool
}

// Add registers a new subscriber channel and returns it with its cancel
// function. After CloseAll the returned channel is already closed.
func (s *Subscribers) Add() (<-chan *Message, func()) {
	ch := make(chan *Message, subscriberCap)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if s.subs == nil {
		s.subs = make(map[chan *Message]struct{})
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Deliver fans msg out to every subscriber.
func (s *Subscribers) Deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
			log.Debugw("subscriber full, dropping", "type", msg.Type, "call_id", msg.CallID)
		}
	}
}

// CloseAll closes every subscriber channel and rejects future Adds.
func (s *Subscribers) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}
