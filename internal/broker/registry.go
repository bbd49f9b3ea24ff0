package broker

import (
	"github.com/google/uuid"
)

// ConnID identifies one live socket session
type ConnID string

// connection is a registered client and the rooms it currently belongs to.
// All fields are guarded by Broker.mu.
type connection struct {
	id    ConnID
	rooms map[string]struct{}
	send  chan []byte
}

// registry owns the live connections. It is not safe for concurrent use on
// its own; the broker serialises access.
type registry struct {
	conns      map[ConnID]*connection
	bufferSize int
}

func newRegistry(bufferSize int) *registry {
	return &registry{
		conns:      make(map[ConnID]*connection),
		bufferSize: bufferSize,
	}
}

func (r *registry) add() *connection {
	c := &connection{
		id:    ConnID(uuid.New().String()),
		rooms: make(map[string]struct{}),
		send:  make(chan []byte, r.bufferSize),
	}
	r.conns[c.id] = c
	return c
}

func (r *registry) get(id ConnID) (*connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// remove unregisters the connection and closes its queue. The caller must
// already have taken it out of every room.
func (r *registry) remove(id ConnID) {
	c, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	close(c.send)
}

func (r *registry) len() int {
	return len(r.conns)
}
