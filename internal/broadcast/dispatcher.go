package broadcast

import (
	"sync"

	"codecollab/internal/models"
	"codecollab/internal/presence"
	"codecollab/internal/session"
)

// Dispatcher fans control-channel events out to the right subset of live
// connections. Room targeting comes from the presence table; delivery to a
// connection whose transport already closed is a silent no-op.
type Dispatcher struct {
	mu      sync.RWMutex
	clients map[string]*session.Client

	table *presence.Table
}

func NewDispatcher(table *presence.Table) *Dispatcher {
	return &Dispatcher{
		clients: make(map[string]*session.Client),
		table:   table,
	}
}

// Register adds a connection to the dispatch set.
func (d *Dispatcher) Register(c *session.Client) {
	d.mu.Lock()
	d.clients[c.ID] = c
	d.mu.Unlock()
}

// Unregister removes a connection from the dispatch set.
func (d *Dispatcher) Unregister(connID string) {
	d.mu.Lock()
	delete(d.clients, connID)
	d.mu.Unlock()
}

// Client looks up a registered connection.
func (d *Dispatcher) Client(connID string) (*session.Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[connID]
	return c, ok
}

// ToRoom delivers the event to every connection registered to the room,
// except the optionally excluded one.
func (d *Dispatcher) ToRoom(roomID string, event models.Event, excludeConnID string) {
	for _, connID := range d.table.Connections(roomID) {
		if connID == excludeConnID {
			continue
		}
		if c, ok := d.Client(connID); ok {
			c.Send(event)
		}
	}
}

// ToConnection unicasts to one connection; used for acknowledgements and
// scoped errors.
func (d *Dispatcher) ToConnection(connID string, event models.Event) {
	if c, ok := d.Client(connID); ok {
		c.Send(event)
	}
}

// ToUser delivers to every connection of one user, in any room.
func (d *Dispatcher) ToUser(userID string, event models.Event) {
	for _, connID := range d.table.UserConnections(userID) {
		if c, ok := d.Client(connID); ok {
			c.Send(event)
		}
	}
}

// ToAll broadcasts to every registered connection. Reserved for cheap,
// infrequent room-list events like online-count changes.
func (d *Dispatcher) ToAll(event models.Event) {
	d.mu.RLock()
	targets := make([]*session.Client, 0, len(d.clients))
	for _, c := range d.clients {
		targets = append(targets, c)
	}
	d.mu.RUnlock()

	for _, c := range targets {
		c.Send(event)
	}
}
