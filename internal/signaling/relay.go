package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mossy-p/telehealth-relay/internal/broker"
	"github.com/mossy-p/telehealth-relay/internal/models"
	"github.com/mossy-p/telehealth-relay/internal/redis"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrReservedRoom = errors.New("room name is reserved")
)

// Rooms is the room broker surface the relay drives.
type Rooms interface {
	Join(id broker.ConnID, room, role string) bool
	Leave(id broker.ConnID, room string) bool
	IsMember(id broker.ConnID, room string) bool
	SendToRoom(room string, from broker.ConnID, event models.EventType, payload any, excludeSender bool)
	SendToConnection(id broker.ConnID, event models.EventType, payload any)
}

// RoomLookup resolves a room id or join code from the appointment room
// directory.
type RoomLookup interface {
	Get(ctx context.Context, identifier string) (*models.RoomMetadata, error)
}

// DeliveryJoiner subscribes a connection to an order's tracking room.
type DeliveryJoiner interface {
	Join(ctx context.Context, id broker.ConnID, orderID string)
}

// Relay turns inbound socket frames into room broker calls, stamping each
// relayed message with the sender's connection id. It never returns errors
// to the transport: bad frames are logged and dropped.
type Relay struct {
	rooms      Rooms
	deliveries DeliveryJoiner
	lookup     RoomLookup
	now        func() time.Time
	log        *slog.Logger
}

// NewRelay builds a relay. lookup may be nil, in which case room names are
// used as given.
func NewRelay(rooms Rooms, deliveries DeliveryJoiner, lookup RoomLookup) *Relay {
	return &Relay{
		rooms:      rooms,
		deliveries: deliveries,
		lookup:     lookup,
		now:        time.Now,
		log:        slog.Default().With("component", "relay"),
	}
}

// Handle processes one raw frame received from a connection.
func (r *Relay) Handle(ctx context.Context, from broker.ConnID, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Warn("failed to parse message", "conn", from, "error", err)
		return
	}

	switch env.Type {
	case models.EventJoin:
		var p models.JoinPayload
		if !r.decode(from, env, &p) || p.Room == "" {
			return
		}
		r.Join(ctx, from, p.Room, p.Role)

	case models.EventLeave:
		var p models.LeavePayload
		if !r.decode(from, env, &p) || p.Room == "" {
			return
		}
		if room, ok := r.memberRoom(ctx, from, p.Room); ok {
			r.rooms.Leave(from, room)
		}

	case models.EventOffer, models.EventAnswer:
		var p models.SignalPayload
		if !r.decode(from, env, &p) || p.Room == "" || isEmpty(p.SDP) {
			r.dropped(from, env.Type)
			return
		}
		r.relaySignal(ctx, from, env.Type, models.SignalPayload{Room: p.Room, To: p.To, SDP: p.SDP})

	case models.EventCandidate:
		var p models.SignalPayload
		if !r.decode(from, env, &p) || p.Room == "" || isEmpty(p.Candidate) {
			r.dropped(from, env.Type)
			return
		}
		r.relaySignal(ctx, from, env.Type, models.SignalPayload{Room: p.Room, To: p.To, Candidate: p.Candidate})

	case models.EventChat:
		var p models.ChatPayload
		if !r.decode(from, env, &p) || p.Room == "" || p.Message == "" {
			r.dropped(from, env.Type)
			return
		}
		r.relayChat(ctx, from, p)

	case models.EventJoinDelivery:
		var p models.JoinDeliveryPayload
		if !r.decode(from, env, &p) || p.OrderID == "" || r.deliveries == nil {
			r.dropped(from, env.Type)
			return
		}
		r.deliveries.Join(ctx, from, p.OrderID)

	default:
		r.log.Warn("unknown message type", "conn", from, "type", env.Type)
	}
}

// ResolveRoom maps a room id or join code to the broker room it names and
// checks the room has space. Names the directory does not know are ad-hoc
// rooms; when the directory is unreachable the name is used as given.
func (r *Relay) ResolveRoom(ctx context.Context, name string) (string, error) {
	if strings.HasPrefix(name, models.OrderRoomPrefix) {
		return "", ErrReservedRoom
	}
	if r.lookup == nil {
		return name, nil
	}

	room, err := r.lookup.Get(ctx, name)
	switch {
	case err == nil:
		if room.MaxParticipants > 0 && room.ParticipantCount >= room.MaxParticipants {
			return "", ErrRoomFull
		}
		return room.ID, nil
	case errors.Is(err, redis.ErrRoomNotFound):
		return name, nil
	default:
		r.log.Warn("room directory lookup failed, joining by name", "room", name, "error", err)
		return name, nil
	}
}

// Join resolves name and adds the connection to the room. A refused join is
// reported to the connection with an error frame.
func (r *Relay) Join(ctx context.Context, from broker.ConnID, name, role string) error {
	room, err := r.ResolveRoom(ctx, name)
	if err != nil {
		r.log.Info("join refused", "conn", from, "room", name, "error", err)
		r.rooms.SendToConnection(from, models.EventError, models.ErrorPayload{Room: name, Error: err.Error()})
		return err
	}
	r.rooms.Join(from, room, role)
	return nil
}

// memberRoom returns the room from belongs to under name, which may be the
// room's join code. The directory is only consulted on a miss.
func (r *Relay) memberRoom(ctx context.Context, from broker.ConnID, name string) (string, bool) {
	if r.rooms.IsMember(from, name) {
		return name, true
	}
	if r.lookup == nil {
		return "", false
	}
	room, err := r.lookup.Get(ctx, name)
	if err != nil || !r.rooms.IsMember(from, room.ID) {
		return "", false
	}
	return room.ID, true
}

// relaySignal forwards an offer, answer or candidate to the rest of the room,
// or to a single member when the sender addressed one.
func (r *Relay) relaySignal(ctx context.Context, from broker.ConnID, event models.EventType, p models.SignalPayload) {
	room, ok := r.memberRoom(ctx, from, p.Room)
	if !ok {
		r.log.Debug("sender not in room", "conn", from, "room", p.Room, "type", event)
		return
	}
	p.Room = room
	p.From = string(from)

	if p.To == "" {
		r.rooms.SendToRoom(p.Room, from, event, p, true)
		return
	}
	to := broker.ConnID(p.To)
	if to == from || !r.rooms.IsMember(to, p.Room) {
		r.log.Debug("target peer not in room", "conn", from, "to", p.To, "room", p.Room)
		return
	}
	r.rooms.SendToConnection(to, event, p)
}

// relayChat broadcasts to the whole room, sender included.
func (r *Relay) relayChat(ctx context.Context, from broker.ConnID, p models.ChatPayload) {
	room, ok := r.memberRoom(ctx, from, p.Room)
	if !ok {
		r.log.Debug("sender not in room", "conn", from, "room", p.Room, "type", models.EventChat)
		return
	}
	p.Room = room
	p.From = string(from)
	if p.TS == 0 {
		p.TS = r.now().UnixMilli()
	}
	r.rooms.SendToRoom(p.Room, from, models.EventChat, p, false)
}

func (r *Relay) decode(from broker.ConnID, env models.Envelope, v any) bool {
	if len(env.Payload) == 0 {
		return false
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		r.log.Warn("failed to parse payload", "conn", from, "type", env.Type, "error", err)
		return false
	}
	return true
}

func (r *Relay) dropped(from broker.ConnID, event models.EventType) {
	r.log.Debug("dropping malformed message", "conn", from, "type", event)
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
