package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telehealth-relay/internal/broker"
	"github.com/mossy-p/telehealth-relay/internal/middleware"
)

// Deps are the components the HTTP surface is wired to. Rooms may be nil
// when Redis is unavailable.
type Deps struct {
	AllowedOrigins []string
	JWTSecret      string
	Broker         *broker.Broker
	Signaling      *SignalingHandler
	Rooms          *RoomHandler
	Deliveries     *DeliveryHandler
}

// NewRouter builds the gin engine. Callers set gin's mode beforehand.
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(d.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "relay": d.Broker.Stats()})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(d.JWTSecret))

		// Appointment rooms
		apiGroup.POST("/rooms", middleware.JWTAuth(d.JWTSecret), d.Rooms.CreateRoom)
		apiGroup.GET("/rooms/:roomId", d.Rooms.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(d.JWTSecret), d.Rooms.DeleteRoom)

		// Delivery tracking
		apiGroup.POST("/deliveries", d.Deliveries.CreateDelivery)
		apiGroup.GET("/deliveries/:orderId", d.Deliveries.GetDelivery)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", d.Signaling.HandleSignaling)
		wsGroup.GET("/signal/:roomId", d.Signaling.HandleSignaling)
	}

	return router
}
