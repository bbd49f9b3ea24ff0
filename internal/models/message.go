package models

import "encoding/json"

// EventType names a frame on the signaling socket
type EventType string

const (
	// client -> server
	EventJoin         EventType = "join"
	EventLeave        EventType = "leave"
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventCandidate    EventType = "ice-candidate"
	EventChat         EventType = "chat"
	EventJoinDelivery EventType = "join-delivery"

	// server -> client
	EventWelcome        EventType = "welcome"
	EventJoined         EventType = "joined"
	EventPeerJoined     EventType = "peer-joined"
	EventPeerLeft       EventType = "peer-left"
	EventDeliveryUpdate EventType = "delivery-update"
	EventRoomExpired    EventType = "room-expired"
	EventError          EventType = "error"
)

// Envelope is the inbound frame. Payload is decoded lazily per event type.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// Encode marshals an outbound frame.
func Encode(t EventType, payload any) ([]byte, error) {
	return json.Marshal(outbound{Type: t, Payload: payload})
}

type WelcomePayload struct {
	ID string `json:"id"`
}

type JoinPayload struct {
	Room string `json:"room"`
	Role string `json:"role,omitempty"`
}

// PeerInfo describes a room member as seen by other members
type PeerInfo struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// JoinedPayload is sent to the joining connection with the members already present.
type JoinedPayload struct {
	Room  string     `json:"room"`
	ID    string     `json:"id"`
	Peers []PeerInfo `json:"peers"`
}

type PeerJoinedPayload struct {
	ID   string `json:"id"`
	Room string `json:"room"`
	Role string `json:"role,omitempty"`
	TS   int64  `json:"ts"`
}

type PeerLeftPayload struct {
	ID   string `json:"id"`
	Room string `json:"room"`
	TS   int64  `json:"ts"`
}

type LeavePayload struct {
	Room string `json:"room"`
}

// SignalPayload carries an offer, answer or ICE candidate. SDP and candidate
// bodies are opaque to the server.
type SignalPayload struct {
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Room      string          `json:"room"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type ChatPayload struct {
	From    string `json:"from,omitempty"`
	Room    string `json:"room"`
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	TS      int64  `json:"ts"`
}

type JoinDeliveryPayload struct {
	OrderID string `json:"orderId"`
}

type RoomExpiredPayload struct {
	Room string `json:"room"`
}

// ErrorPayload tells a connection one of its requests was refused.
type ErrorPayload struct {
	Room  string `json:"room,omitempty"`
	Error string `json:"error"`
}
