package wsbus

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/signal"
	"github.com/parleyhq/parley/internal/util"
)

// Relay is the routing hub the clients dial. It holds one connection per
// user ID and forwards each signal to the connection registered for its To
// field. Messages for unknown recipients are dropped; signaling semantics
// treat that the same as a lost packet.
type Relay struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*relayConn
}

type relayConn struct {
	userID string
	conn   *websocket.Conn

	writeMu sync.Mutex
}

func (rc *relayConn) write(msg *signal.Message) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	_ = rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return rc.conn.WriteJSON(msg)
}

func NewRelay() *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay authenticates nothing; deployments that need origin
			// checks front it with a reverse proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*relayConn),
	}
}

// ServeHTTP upgrades the connection and pumps signals until the client goes
// away. A reconnect under the same user ID displaces the previous
// connection.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	userID, err := util.ValidateUserID(req.URL.Query().Get("user"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Debugw("upgrade failed", "err", err)
		return
	}

	rc := &relayConn{userID: userID, conn: conn}
	r.mu.Lock()
	if prev, ok := r.conns[userID]; ok {
		_ = prev.conn.Close()
	}
	r.conns[userID] = rc
	r.mu.Unlock()
	log.Infow("client registered", "user", userID)

	defer func() {
		r.mu.Lock()
		if r.conns[userID] == rc {
			delete(r.conns, userID)
		}
		r.mu.Unlock()
		_ = conn.Close()
		log.Infow("client gone", "user", userID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		rc.writeMu.Lock()
		defer rc.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
	})

	for {
		var msg signal.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		// The registered identity is authoritative for From.
		msg.From = userID
		if err := msg.Validate(); err != nil {
			log.Debugw("invalid signal dropped", "from", userID, "err", err)
			continue
		}
		r.route(&msg)
	}
}

func (r *Relay) route(msg *signal.Message) {
	r.mu.Lock()
	dst, ok := r.conns[msg.To]
	r.mu.Unlock()
	if !ok {
		log.Debugw("no route", "to", msg.To, "type", msg.Type, "call_id", msg.CallID)
		return
	}
	if err := dst.write(msg); err != nil {
		log.Debugw("forward failed", "to", msg.To, "err", err)
	}
}

// Users lists the currently registered user IDs.
func (r *Relay) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}
