// Package wsbus carries call signaling through a websocket relay. Endpoints
// register under their user ID; the relay routes each message to the
// connection registered for its To field. Useful where peers cannot reach
// each other directly and no libp2p mesh is available.
package wsbus

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/parleyhq/parley/internal/signal"
)

var log = logging.Logger("wsbus")

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client implements signal.Transport over a relay connection. It reconnects
// with exponential backoff for as long as it lives; Send fails fast with
// ErrNotConnected while the link is down.
type Client struct {
	relayURL string
	userID   string

	subs signal.Subscribers

	writeMu sync.Mutex
	conn    *websocket.Conn

	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial starts the client. The returned client is live immediately; the first
// connection attempt happens in the background.
func Dial(relayURL, userID string) (*Client, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		relayURL: u.String(),
		userID:   userID,
		ctx:      ctx,
		cancel:   cancel,
	}
	go c.runLoop()
	return c, nil
}

// runLoop dials, pumps messages until the connection drops, then backs off
// and dials again. The backoff resets after every successful session.
func (c *Client) runLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever
	bo.MaxInterval = 30 * time.Second

	for {
		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.relayURL, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			log.Debugw("relay dial failed", "err", err, "retry_in", wait)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()
		c.connected.Store(true)
		log.Infow("relay connected", "user", c.userID)

		c.readPump(conn)

		c.connected.Store(false)
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		_ = conn.Close()
		if c.ctx.Err() != nil {
			return
		}
		log.Warnw("relay disconnected, reconnecting", "user", c.userID)
	}
}

// readPump reads signals until the connection errors. It also owns the ping
// ticker; gorilla requires pings and reads on the same goroutine discipline.
func (c *Client) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			case <-t.C:
				c.writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg signal.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := msg.Validate(); err != nil {
			log.Debugw("invalid signal dropped", "err", err)
			continue
		}
		c.subs.Deliver(&msg)
	}
}

// Send writes one signal to the relay. The relay does the routing; delivery
// to the recipient is at-most-once with no end-to-end acknowledgement.
func (c *Client) Send(ctx context.Context, msg *signal.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return signal.ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	log.Debugw("signal sent", "type", msg.Type, "call_id", msg.CallID, "to", msg.To)
	return nil
}

// Subscribe registers a consumer for inbound signals.
func (c *Client) Subscribe() (<-chan *signal.Message, func()) {
	return c.subs.Add()
}

// Connected reports whether the relay link is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close stops reconnecting and closes the connection and all subscribers.
func (c *Client) Close() error {
	c.cancel()
	c.writeMu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
		c.conn = nil
	}
	c.writeMu.Unlock()
	c.connected.Store(false)
	c.subs.CloseAll()
	return nil
}

var _ signal.Transport = (*Client)(nil)
