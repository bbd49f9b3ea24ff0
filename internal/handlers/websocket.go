package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/telehealth-relay/internal/broker"
	"github.com/mossy-p/telehealth-relay/internal/models"
	"github.com/mossy-p/telehealth-relay/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// SignalingHandler upgrades clients onto the signaling socket and pumps
// frames between the socket and the room broker.
type SignalingHandler struct {
	broker *broker.Broker
	relay  *signaling.Relay
}

func NewSignalingHandler(b *broker.Broker, relay *signaling.Relay) *SignalingHandler {
	return &SignalingHandler{broker: b, relay: relay}
}

// client is one socket attached to a broker connection
type client struct {
	id    broker.ConnID
	conn  *websocket.Conn
	send  <-chan []byte
	log   *slog.Logger
	relay *signaling.Relay
	b     *broker.Broker
}

// HandleSignaling handles WebSocket connections for WebRTC signaling.
// Served on /ws/signal and /ws/signal/:roomId; the latter joins the room
// right after connecting (role from ?role=).
func (h *SignalingHandler) HandleSignaling(c *gin.Context) {
	roomID := c.Param("roomId")
	role := c.Query("role")

	// same resolution as a join frame: codes map to the directory room
	if roomID != "" {
		resolved, err := h.relay.ResolveRoom(c.Request.Context(), roomID)
		switch {
		case errors.Is(err, signaling.ErrRoomFull):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		roomID = resolved
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("failed to upgrade connection", "error", err)
		return
	}

	id, send := h.broker.Connect()
	cl := &client{
		id:    id,
		conn:  conn,
		send:  send,
		log:   slog.Default().With("conn", id),
		relay: h.relay,
		b:     h.broker,
	}
	cl.log.Info("peer connected", "remote", conn.RemoteAddr().String())

	h.broker.SendToConnection(id, models.EventWelcome, models.WelcomePayload{ID: string(id)})
	if roomID != "" {
		h.broker.Join(id, roomID, role)
	}

	go cl.writePump()
	go cl.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.b.Disconnect(c.id)
		c.conn.Close()
		c.log.Info("peer disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.Background()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", "error", err)
			}
			return
		}
		c.relay.Handle(ctx, c.id, message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// broker closed the queue
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
