package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mossy-p/telehealth-relay/internal/broker"
	"github.com/mossy-p/telehealth-relay/internal/idgen"
	"github.com/mossy-p/telehealth-relay/internal/models"
)

// TrackerRole is the role tracking clients subscribe to an order room with.
const TrackerRole = "tracker"

// Rooms is the part of the room broker the tracker publishes through.
type Rooms interface {
	Subscribe(id broker.ConnID, room, role string) bool
	SendToRoom(room string, from broker.ConnID, event models.EventType, payload any, excludeSender bool)
	SendToConnection(id broker.ConnID, event models.EventType, payload any)
}

// Random is satisfied by *rand.Rand.
type Random interface {
	Float64() float64
}

type Config struct {
	Tick                 time.Duration
	DeliveredProbability float64
	Jitter               float64 // max degrees moved per tick on each axis
}

// Tracker simulates courier movement for every active order and pushes
// each update into the order's room.
type Tracker struct {
	store Store
	rooms Rooms
	cfg   Config
	rng   Random
	log   *slog.Logger

	// mu orders snapshots against published updates so a subscriber never
	// sees a snapshot older than an update it already has.
	mu sync.Mutex
}

func NewTracker(store Store, rooms Rooms, cfg Config, rng Random) *Tracker {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	return &Tracker{
		store: store,
		rooms: rooms,
		cfg:   cfg,
		rng:   rng,
		log:   slog.Default().With("component", "delivery"),
	}
}

// Track starts tracking a new order at origin and returns its record.
func (t *Tracker) Track(ctx context.Context, origin models.Location) (*models.Delivery, error) {
	d := &models.Delivery{
		OrderID: idgen.NewULID(),
		Status:  models.DeliveryAssigned,
		Lat:     origin.Lat,
		Lng:     origin.Lng,
	}
	if err := t.store.Create(ctx, d); err != nil {
		return nil, err
	}
	t.log.Info("tracking order", "order", d.OrderID)
	return d, nil
}

func (t *Tracker) Get(ctx context.Context, orderID string) (*models.Delivery, error) {
	return t.store.Get(ctx, orderID)
}

// Join subscribes a connection to an order's room and sends it the current
// state when the order is known.
func (t *Tracker) Join(ctx context.Context, id broker.ConnID, orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rooms.Subscribe(id, models.OrderRoom(orderID), TrackerRole)

	d, err := t.store.Get(ctx, orderID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			t.log.Error("failed to load delivery snapshot", "order", orderID, "error", err)
		}
		return
	}
	t.rooms.SendToConnection(id, models.EventDeliveryUpdate, d.Update())
}

// Run ticks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Tick)
	defer ticker.Stop()

	t.log.Info("delivery tracker started", "tick", t.cfg.Tick)
	for {
		select {
		case <-ctx.Done():
			t.log.Info("delivery tracker stopped")
			return nil
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick advances every non-delivered order once and returns how many were
// updated. A failing record is logged and skipped.
func (t *Tracker) Tick(ctx context.Context) int {
	active, err := t.store.ListActive(ctx)
	if err != nil {
		t.log.Error("failed to list active deliveries", "error", err)
		return 0
	}

	updated := 0
	for _, d := range active {
		if err := t.advance(ctx, d); err != nil {
			t.log.Error("failed to advance delivery", "order", orderIDOf(d), "error", err)
			continue
		}
		updated++
	}
	return updated
}

func (t *Tracker) advance(ctx context.Context, d *models.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if d.Status.Terminal() {
		return nil
	}

	d.Lat += (t.rng.Float64()*2 - 1) * t.cfg.Jitter
	d.Lng += (t.rng.Float64()*2 - 1) * t.cfg.Jitter
	if t.rng.Float64() < t.cfg.DeliveredProbability {
		d.Status = models.DeliveryDelivered
	} else {
		d.Status = models.DeliveryOutForDelivery
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.Save(ctx, d); err != nil {
		return err
	}
	t.rooms.SendToRoom(models.OrderRoom(d.OrderID), "", models.EventDeliveryUpdate, d.Update(), false)
	if d.Status.Terminal() {
		t.log.Info("order delivered", "order", d.OrderID)
	}
	return nil
}

func orderIDOf(d *models.Delivery) string {
	if d == nil {
		return ""
	}
	return d.OrderID
}
