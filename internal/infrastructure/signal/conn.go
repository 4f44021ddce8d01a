package signal

import (
	"sync"
	"time"

	"teamcast/internal/core/domain"
	"teamcast/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is the relay-side handle for one WebSocket client. All writes are
// serialized through its mutex; role is fixed at first classification.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	role   domain.Role
	key    domain.MatchKey
	alive  bool
	closed bool
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
		role:         domain.RoleUnknown,
		alive:        true,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Role() domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Conn) Key() domain.MatchKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// classify tags the connection on its first role-declaring message. The role
// never changes afterwards; the key follows the latest registration.
func (c *Conn) classify(role domain.Role, key domain.MatchKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == domain.RoleUnknown {
		c.role = role
	}
	c.key = key
}

func (c *Conn) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// checkAndClear returns whether the connection acknowledged liveness since the
// last sweep and resets the flag for the next round.
func (c *Conn) checkAndClear() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

func (c *Conn) send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(env)
}

func (c *Conn) sendError(message string) {
	_ = c.send(protocol.NewError(message))
}

// closeGraceful sends a close frame before dropping the connection, so the
// peer can distinguish replacement from a network fault.
func (c *Conn) closeGraceful(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	_ = c.ws.Close()
}

func (c *Conn) forceClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
}
