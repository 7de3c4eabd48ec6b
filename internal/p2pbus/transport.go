package p2pbus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/parleyhq/parley/internal/signal"
)

// ackTimeout is how long Send waits for the remote transport ACK before
// reporting the peer unreachable.
const ackTimeout = 10 * time.Second

// Wire format: one envelope per stream as newline-delimited JSON, answered
// by one ack on the same stream. The ACK is transport-level only — it means
// the bytes arrived, not that the call engine acted on them.
type envelope struct {
	ID     string          `json:"id"`
	Signal *signal.Message `json:"signal"`
}

type ack struct {
	ID string `json:"id"`
}

// Send opens a stream to the peer named by msg.To, writes the signal and
// waits for the transport ACK. libp2p reuses the muxed connection underneath,
// so per-message streams stay cheap.
func (n *Node) Send(ctx context.Context, msg *signal.Message) error {
	if !n.Connected() {
		return signal.ErrNotConnected
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	pid, err := peer.Decode(msg.To)
	if err != nil {
		return fmt.Errorf("p2pbus: invalid peer id %q: %w", msg.To, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := n.host.NewStream(dialCtx, pid, protocol.ID(SignalProtoID))
	if err != nil {
		return fmt.Errorf("p2pbus: open stream to %s: %w", msg.To, err)
	}
	defer stream.Close()

	env := envelope{ID: uuid.NewString(), Signal: msg}
	_ = stream.SetWriteDeadline(time.Now().Add(ackTimeout))
	if err := json.NewEncoder(stream).Encode(env); err != nil {
		return fmt.Errorf("p2pbus: encode signal: %w", err)
	}

	var a ack
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&a); err != nil {
		return fmt.Errorf("p2pbus: waiting for ack from %s: %w", msg.To, err)
	}
	if a.ID != env.ID {
		return fmt.Errorf("p2pbus: ack id mismatch (got %s, want %s)", a.ID, env.ID)
	}

	log.Debugw("signal sent", "type", msg.Type, "call_id", msg.CallID, "to", msg.To)
	return nil
}

// handleStream reads one envelope, ACKs it immediately, and fans the signal
// out. The From field is overwritten with the authenticated remote peer ID so
// a peer cannot spoof another sender.
func (n *Node) handleStream(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()

	var env envelope
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&env); err != nil {
		log.Debugw("decode error", "from", remotePeer, "err", err)
		return
	}
	if env.Signal == nil {
		log.Debugw("empty envelope dropped", "from", remotePeer)
		return
	}

	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack{ID: env.ID}); err != nil {
		log.Debugw("ack write error", "to", remotePeer, "err", err)
		// Keep dispatching; the bytes are already here.
	}

	msg := env.Signal
	msg.From = remotePeer
	if err := msg.Validate(); err != nil {
		log.Debugw("invalid signal dropped", "from", remotePeer, "err", err)
		return
	}

	log.Debugw("signal received", "type", msg.Type, "call_id", msg.CallID, "from", remotePeer)
	n.subs.Deliver(msg)
}

// Subscribe registers a consumer for inbound signals.
func (n *Node) Subscribe() (<-chan *signal.Message, func()) {
	return n.subs.Add()
}
