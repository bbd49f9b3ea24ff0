package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telehealth-relay/internal/delivery"
	"github.com/mossy-p/telehealth-relay/internal/models"
)

// DeliveryTracker creates and looks up tracked orders.
type DeliveryTracker interface {
	Track(ctx context.Context, origin models.Location) (*models.Delivery, error)
	Get(ctx context.Context, orderID string) (*models.Delivery, error)
}

type DeliveryHandler struct {
	tracker DeliveryTracker
}

func NewDeliveryHandler(tracker DeliveryTracker) *DeliveryHandler {
	return &DeliveryHandler{tracker: tracker}
}

// CreateDelivery starts tracking an order. Called by the payment flow once
// checkout succeeds; the returned orderId is the tracking room to join.
func (h *DeliveryHandler) CreateDelivery(c *gin.Context) {
	var req models.CreateDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.tracker.Track(c.Request.Context(), models.Location{Lat: req.Lat, Lng: req.Lng})
	if err != nil {
		slog.Error("failed to create delivery", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create delivery"})
		return
	}
	c.JSON(http.StatusCreated, d.Update())
}

func (h *DeliveryHandler) GetDelivery(c *gin.Context) {
	d, err := h.tracker.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Delivery not found"})
			return
		}
		slog.Error("failed to load delivery", "order", c.Param("orderId"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load delivery"})
		return
	}
	c.JSON(http.StatusOK, d.Update())
}
