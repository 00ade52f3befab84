package session

import (
	"sync"

	"github.com/gorilla/websocket"

	"codecollab/internal/models"
)

// Client wraps one live WebSocket connection. The same type serves both
// the JSON control channel and the binary document channel.
type Client struct {
	ID   string
	Conn *websocket.Conn

	mu         sync.Mutex
	user       *models.UserInfo
	hook       func(models.Event)
	binaryHook func([]byte)
	closed     bool
}

func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{ID: id, Conn: conn}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.Event)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// SetBinarySendHook replaces the binary sender (used in tests).
func (c *Client) SetBinarySendHook(fn func([]byte)) {
	c.mu.Lock()
	c.binaryHook = fn
	c.mu.Unlock()
}

// SetUser identifies the connection. A connection without a user may not
// act on any room.
func (c *Client) SetUser(u models.UserInfo) {
	c.mu.Lock()
	c.user = &u
	c.mu.Unlock()
}

// User returns the identified user, if any.
func (c *Client) User() (models.UserInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return models.UserInfo{}, false
	}
	return *c.user, true
}

// Send delivers a control event. Best effort: writes to a connection that
// has gone away are dropped silently, the transport read loop is the
// authority on liveness.
func (c *Client) Send(event models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		c.hook(event)
		return
	}
	if c.Conn == nil || c.closed {
		return
	}
	_ = c.Conn.WriteJSON(event)
}

// SendBinary delivers a document-channel frame.
func (c *Client) SendBinary(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binaryHook != nil {
		c.binaryHook(payload)
		return
	}
	if c.Conn == nil || c.closed {
		return
	}
	_ = c.Conn.WriteMessage(websocket.BinaryMessage, payload)
}

// Close marks the client closed and closes the underlying transport.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}
