package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/telehealth-relay/internal/idgen"
	"github.com/mossy-p/telehealth-relay/internal/middleware"
	"github.com/mossy-p/telehealth-relay/internal/models"
	"github.com/mossy-p/telehealth-relay/internal/redis"
)

const (
	defaultMaxParticipants = 2
	createAttempts         = 3
)

// RoomDirectory stores appointment call rooms.
type RoomDirectory interface {
	Create(ctx context.Context, room models.RoomMetadata) error
	Get(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	Delete(ctx context.Context, room *models.RoomMetadata) error
}

type RoomHandler struct {
	dir RoomDirectory
}

func NewRoomHandler(dir RoomDirectory) *RoomHandler {
	return &RoomHandler{dir: dir}
}

// CreateRoom issues a room for an appointment (requires authentication)
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	if h.dir == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Room directory unavailable"})
		return
	}
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultMaxParticipants
	}

	var room models.RoomMetadata
	for attempt := 0; ; attempt++ {
		code, err := idgen.NewRoomCode()
		if err != nil {
			slog.Error("failed to generate room code", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
			return
		}
		room = models.RoomMetadata{
			ID:              uuid.New().String(),
			Code:            code,
			AppointmentID:   req.AppointmentID,
			CreatorID:       userID,
			CreatedAt:       time.Now().UTC(),
			MaxParticipants: req.MaxParticipants,
		}
		err = h.dir.Create(c.Request.Context(), room)
		if err == nil {
			break
		}
		if errors.Is(err, redis.ErrRoomExists) && attempt+1 < createAttempts {
			continue
		}
		slog.Error("failed to store room", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	slog.Info("room created", "room", room.ID, "code", room.Code, "appointment", room.AppointmentID, "user", userID)

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *RoomHandler) GetRoom(c *gin.Context) {
	if h.dir == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Room directory unavailable"})
		return
	}

	room, err := h.dir.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeRoomError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication and creator)
func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	if h.dir == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Room directory unavailable"})
		return
	}
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, err := h.dir.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeRoomError(c, err)
		return
	}

	// Verify user is the creator
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := h.dir.Delete(c.Request.Context(), room); err != nil {
		slog.Error("failed to delete room", "room", room.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	slog.Info("room deleted", "room", room.ID, "user", userID)
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

func writeRoomError(c *gin.Context, err error) {
	if errors.Is(err, redis.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	slog.Error("room lookup failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
}
