package models

import "time"

// DeliveryStatus is the courier state of a tracked order
type DeliveryStatus string

const (
	DeliveryAssigned       DeliveryStatus = "assigned"
	DeliveryOutForDelivery DeliveryStatus = "out for delivery"
	DeliveryDelivered      DeliveryStatus = "delivered"
)

// Terminal reports whether no further updates are expected.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered
}

// OrderRoomPrefix keeps delivery tracking rooms apart from call rooms.
const OrderRoomPrefix = "order:"

// OrderRoom is the broker room an order's updates are published to.
func OrderRoom(orderID string) string {
	return OrderRoomPrefix + orderID
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Delivery is the persisted record for one order
type Delivery struct {
	OrderID   string         `gorm:"primarykey;size:26" json:"orderId"`
	Status    DeliveryStatus `gorm:"size:32;not null;index" json:"status"`
	Lat       float64        `gorm:"not null" json:"-"`
	Lng       float64        `gorm:"not null" json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// TableName returns the table name for Delivery model.
func (Delivery) TableName() string {
	return "deliveries"
}

func (d *Delivery) Location() Location {
	return Location{Lat: d.Lat, Lng: d.Lng}
}

// Update builds the frame pushed to the order's tracking room.
func (d *Delivery) Update() DeliveryUpdate {
	return DeliveryUpdate{
		OrderID:  d.OrderID,
		Status:   d.Status,
		Location: d.Location(),
	}
}

type DeliveryUpdate struct {
	OrderID  string         `json:"orderId"`
	Status   DeliveryStatus `json:"status"`
	Location Location       `json:"location"`
}

// CreateDeliveryRequest starts tracking an order at the given origin
type CreateDeliveryRequest struct {
	Lat float64 `json:"lat" binding:"min=-90,max=90"`
	Lng float64 `json:"lng" binding:"min=-180,max=180"`
}
