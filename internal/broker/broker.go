package broker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/telehealth-relay/internal/models"
)

const defaultBufferSize = 256

// Observer is notified of membership changes on a dedicated goroutine, in
// the order they happened. Implementations may block briefly (e.g. a Redis
// round trip) without holding up the broker.
type Observer interface {
	MemberJoined(room string, id ConnID)
	MemberLeft(room string, id ConnID)
}

// Room is a named group of connections
type Room struct {
	ID         string
	members    map[ConnID]string // conn -> role
	lastActive time.Time
	silent     bool // no peer-joined / peer-left
}

// Broker maps room ids to their members and fans frames out to them.
//
// Frames are enqueued on each member's bounded queue while mu is held, so
// every member observes frames for a given room in the order SendToRoom
// was called. A full queue drops the frame for that member only.
type Broker struct {
	mu       sync.Mutex
	reg      *registry
	rooms    map[string]*Room
	observer Observer
	notifier *notifier
	now      func() time.Time
	log      *slog.Logger
}

type Option func(*Broker)

// WithBufferSize sets the per-connection outbound queue length.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.reg.bufferSize = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(b *Broker) { b.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

func New(opts ...Option) *Broker {
	b := &Broker{
		reg:   newRegistry(defaultBufferSize),
		rooms: make(map[string]*Room),
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.observer != nil {
		b.notifier = newNotifier(b.observer)
	}
	return b
}

// Connect registers a new connection and returns its id together with the
// queue its frames are delivered on. The queue is closed by Disconnect.
func (b *Broker) Connect() (ConnID, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.reg.add()
	b.log.Debug("connection registered", "conn", c.id, "connections", b.reg.len())
	return c.id, c.send
}

// Disconnect removes the connection from every room it joined, notifying the
// remaining members, then unregisters it. Unknown ids are ignored.
func (b *Broker) Disconnect(id ConnID) {
	b.mu.Lock()
	c, ok := b.reg.get(id)
	if !ok {
		b.mu.Unlock()
		return
	}
	var changes []membershipChange
	for room := range c.rooms {
		if b.leaveLocked(c, room) {
			changes = append(changes, membershipChange{room: room, id: id})
		}
	}
	b.reg.remove(id)
	remaining := b.reg.len()
	b.notifier.push(changes...)
	b.mu.Unlock()

	b.log.Debug("connection unregistered", "conn", id, "connections", remaining)
}

// Join adds the connection to room, creating the room if needed. Other
// members receive peer-joined; the joiner receives joined with the current
// member list. It reports false for unknown connections or repeat joins.
func (b *Broker) Join(id ConnID, room, role string) bool {
	b.mu.Lock()
	c, ok := b.reg.get(id)
	if !ok {
		b.mu.Unlock()
		return false
	}
	if _, member := c.rooms[room]; member {
		b.mu.Unlock()
		return false
	}

	r, exists := b.rooms[room]
	if !exists {
		r = &Room{ID: room, members: make(map[ConnID]string)}
		b.rooms[room] = r
		b.log.Info("room created", "room", room)
	}
	now := b.now()
	r.lastActive = now

	peers := make([]models.PeerInfo, 0, len(r.members))
	for pid, prole := range r.members {
		peers = append(peers, models.PeerInfo{ID: string(pid), Role: prole})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	if !r.silent {
		b.broadcastLocked(r, id, models.EventPeerJoined, models.PeerJoinedPayload{
			ID:   string(id),
			Room: room,
			Role: role,
			TS:   now.UnixMilli(),
		})
	}

	r.members[id] = role
	c.rooms[room] = struct{}{}

	b.sendLocked(c, models.EventJoined, models.JoinedPayload{
		Room:  room,
		ID:    string(id),
		Peers: peers,
	})
	members := len(r.members)
	b.notifier.push(membershipChange{room: room, id: id, joined: true})
	b.mu.Unlock()

	b.log.Info("peer joined", "conn", id, "room", room, "role", role, "members", members)
	return true
}

// Subscribe adds the connection to room as a listener: it receives room
// frames but gets no joined snapshot, and nobody is told it arrived or
// left. A room created by Subscribe stays silent for later joiners too.
func (b *Broker) Subscribe(id ConnID, room, role string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.reg.get(id)
	if !ok {
		return false
	}
	if _, member := c.rooms[room]; member {
		return false
	}
	r, exists := b.rooms[room]
	if !exists {
		r = &Room{ID: room, members: make(map[ConnID]string), silent: true}
		b.rooms[room] = r
	}
	r.lastActive = b.now()
	r.members[id] = role
	c.rooms[room] = struct{}{}
	b.notifier.push(membershipChange{room: room, id: id, joined: true})

	b.log.Debug("subscribed", "conn", id, "room", room)
	return true
}

// Leave removes the connection from room and notifies the remaining members.
func (b *Broker) Leave(id ConnID, room string) bool {
	b.mu.Lock()
	c, ok := b.reg.get(id)
	if !ok {
		b.mu.Unlock()
		return false
	}
	left := b.leaveLocked(c, room)
	if left {
		b.notifier.push(membershipChange{room: room, id: id})
	}
	b.mu.Unlock()

	if left {
		b.log.Info("peer left", "conn", id, "room", room)
	}
	return left
}

func (b *Broker) leaveLocked(c *connection, room string) bool {
	if _, member := c.rooms[room]; !member {
		return false
	}
	delete(c.rooms, room)

	r, exists := b.rooms[room]
	if !exists {
		return true
	}
	delete(r.members, c.id)
	if len(r.members) == 0 {
		delete(b.rooms, room)
		b.log.Info("removed empty room", "room", room)
		return true
	}
	if r.silent {
		return true
	}
	b.broadcastLocked(r, "", models.EventPeerLeft, models.PeerLeftPayload{
		ID:   string(c.id),
		Room: room,
		TS:   b.now().UnixMilli(),
	})
	return true
}

// SendToRoom delivers a frame to every current member of room, skipping
// from when excludeSender is set. Sending to a missing room is a no-op.
func (b *Broker) SendToRoom(room string, from ConnID, event models.EventType, payload any, excludeSender bool) {
	frame, err := models.Encode(event, payload)
	if err != nil {
		b.log.Error("failed to marshal message", "event", event, "room", room, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	r, exists := b.rooms[room]
	if !exists {
		return
	}
	r.lastActive = b.now()

	var exclude ConnID
	if excludeSender {
		exclude = from
	}
	b.fanOutLocked(r, exclude, frame)
}

// SendToConnection delivers a frame to a single connection. Unknown ids are ignored.
func (b *Broker) SendToConnection(id ConnID, event models.EventType, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.reg.get(id)
	if !ok {
		return
	}
	b.sendLocked(c, event, payload)
}

// IsMember reports whether id currently belongs to room.
func (b *Broker) IsMember(id ConnID, room string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, exists := b.rooms[room]
	if !exists {
		return false
	}
	_, ok := r.members[id]
	return ok
}

// Members returns the sorted member ids of room.
func (b *Broker) Members(room string) []ConnID {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, exists := b.rooms[room]
	if !exists {
		return nil
	}
	ids := make([]ConnID, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Rooms returns the sorted rooms id currently belongs to.
func (b *Broker) Rooms(id ConnID) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.reg.get(id)
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Connections: b.reg.len(), Rooms: len(b.rooms)}
}

// ReapIdle expires rooms without joins or sends for longer than maxIdle.
// Members get room-expired and lose their membership.
func (b *Broker) ReapIdle(maxIdle time.Duration) int {
	b.mu.Lock()
	cutoff := b.now().Add(-maxIdle)
	var changes []membershipChange
	expired := 0
	for id, r := range b.rooms {
		if !r.lastActive.Before(cutoff) {
			continue
		}
		b.broadcastLocked(r, "", models.EventRoomExpired, models.RoomExpiredPayload{Room: id})
		for member := range r.members {
			if c, ok := b.reg.get(member); ok {
				delete(c.rooms, id)
			}
			changes = append(changes, membershipChange{room: id, id: member})
		}
		delete(b.rooms, id)
		expired++
		b.log.Info("expired idle room", "room", id, "idle_since", r.lastActive)
	}
	b.notifier.push(changes...)
	b.mu.Unlock()

	return expired
}

// Close disconnects every connection, closing their queues, and waits for
// the observer to see the resulting departures.
func (b *Broker) Close() {
	b.mu.Lock()
	ids := make([]ConnID, 0, b.reg.len())
	for id := range b.reg.conns {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Disconnect(id)
	}
	b.notifier.close()
}

func (b *Broker) broadcastLocked(r *Room, exclude ConnID, event models.EventType, payload any) {
	frame, err := models.Encode(event, payload)
	if err != nil {
		b.log.Error("failed to marshal message", "event", event, "room", r.ID, "error", err)
		return
	}
	b.fanOutLocked(r, exclude, frame)
}

func (b *Broker) fanOutLocked(r *Room, exclude ConnID, frame []byte) {
	for id := range r.members {
		if id == exclude {
			continue
		}
		if c, ok := b.reg.get(id); ok {
			b.enqueueLocked(c, frame)
		}
	}
}

func (b *Broker) sendLocked(c *connection, event models.EventType, payload any) {
	frame, err := models.Encode(event, payload)
	if err != nil {
		b.log.Error("failed to marshal message", "event", event, "conn", c.id, "error", err)
		return
	}
	b.enqueueLocked(c, frame)
}

func (b *Broker) enqueueLocked(c *connection, frame []byte) {
	select {
	case c.send <- frame:
	default:
		b.log.Warn("send buffer full, dropping frame", "conn", c.id)
	}
}
