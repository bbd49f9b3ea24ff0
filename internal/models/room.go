package models

import "time"

// RoomMetadata stores information about an appointment call room
type RoomMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`                    // Short, shareable room code (e.g., "ABCD23")
	AppointmentID    string    `json:"appointmentId,omitempty"` // Booking the call belongs to
	CreatorID        string    `json:"creatorId"`               // User ID from JWT who created the room
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	AppointmentID   string `json:"appointmentId"`
	MaxParticipants int    `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}
