package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/telehealth-relay/internal/broker"
	"github.com/mossy-p/telehealth-relay/internal/models"
)

// seqRandom replays values in order, repeating the last one.
type seqRandom struct {
	mu   sync.Mutex
	vals []float64
}

func (s *seqRandom) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vals[0]
	if len(s.vals) > 1 {
		s.vals = s.vals[1:]
	}
	return v
}

// flakyStore fails Save for one order id and can hand back a nil record.
type flakyStore struct {
	Store
	failFor string
	withNil bool
}

func (f *flakyStore) Save(ctx context.Context, d *models.Delivery) error {
	if d.OrderID == f.failFor {
		return errors.New("disk on fire")
	}
	return f.Store.Save(ctx, d)
}

func (f *flakyStore) ListActive(ctx context.Context) ([]*models.Delivery, error) {
	out, err := f.Store.ListActive(ctx)
	if f.withNil {
		out = append([]*models.Delivery{nil}, out...)
	}
	return out, err
}

// gateStore parks the first Get until release is closed.
type gateStore struct {
	Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gateStore) Get(ctx context.Context, orderID string) (*models.Delivery, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.Get(ctx, orderID)
}

func drainUpdates(t *testing.T, ch <-chan []byte) []models.DeliveryUpdate {
	t.Helper()
	var out []models.DeliveryUpdate
	for {
		select {
		case data := <-ch:
			var f struct {
				Type    models.EventType      `json:"type"`
				Payload models.DeliveryUpdate `json:"payload"`
			}
			require.NoError(t, json.Unmarshal(data, &f))
			if f.Type == models.EventDeliveryUpdate {
				out = append(out, f.Payload)
			}
		default:
			return out
		}
	}
}

func newTestTracker(t *testing.T, store Store, rng Random) (*Tracker, *broker.Broker) {
	t.Helper()
	b := broker.New()
	cfg := Config{Tick: 10 * time.Millisecond, DeliveredProbability: 0.2, Jitter: 0.001}
	return NewTracker(store, b, cfg, rng), b
}

func TestTrackerTrackCreatesAssignedRecord(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	tr, _ := newTestTracker(t, store, &seqRandom{vals: []float64{0.5}})

	d, err := tr.Track(context.Background(), models.Location{Lat: 12.97, Lng: 77.59})
	require.NoError(t, err)
	assert.Len(t, d.OrderID, 26)
	assert.Equal(t, models.DeliveryAssigned, d.Status)

	stored, err := tr.Get(context.Background(), d.OrderID)
	require.NoError(t, err)
	assert.Equal(t, d.Location(), stored.Location())
}

func TestTrackerTickPublishesToOrderRoom(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	// jitter lat, jitter lng, status roll (stays out for delivery)
	tr, b := newTestTracker(t, store, &seqRandom{vals: []float64{1, 0, 0.9}})
	ctx := context.Background()

	d, err := tr.Track(ctx, models.Location{Lat: 10, Lng: 20})
	require.NoError(t, err)

	conn, queue := b.Connect()
	tr.Join(ctx, conn, d.OrderID)
	snapshot := drainUpdates(t, queue)
	require.Len(t, snapshot, 1)
	assert.Equal(t, models.DeliveryAssigned, snapshot[0].Status)

	assert.Equal(t, 1, tr.Tick(ctx))

	updates := drainUpdates(t, queue)
	require.Len(t, updates, 1)
	assert.Equal(t, d.OrderID, updates[0].OrderID)
	assert.Equal(t, models.DeliveryOutForDelivery, updates[0].Status)
	assert.InDelta(t, 10.001, updates[0].Location.Lat, 1e-9)
	assert.InDelta(t, 19.999, updates[0].Location.Lng, 1e-9)
}

func TestTrackerReachesDeliveredThenFreezes(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	tr, b := newTestTracker(t, store, nil)
	ctx := context.Background()

	d, err := tr.Track(ctx, models.Location{Lat: 1, Lng: 1})
	require.NoError(t, err)
	conn, queue := b.Connect()
	tr.Join(ctx, conn, d.OrderID)
	drainUpdates(t, queue)

	for i := 0; i < 1000; i++ {
		tr.Tick(ctx)
		drainUpdates(t, queue)
		got, err := tr.Get(ctx, d.OrderID)
		require.NoError(t, err)
		if got.Status.Terminal() {
			break
		}
	}

	final, err := tr.Get(ctx, d.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDelivered, final.Status)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, tr.Tick(ctx))
	}
	after, err := tr.Get(ctx, d.OrderID)
	require.NoError(t, err)
	assert.Equal(t, final.Status, after.Status)
	assert.Equal(t, final.Location(), after.Location())
	assert.Empty(t, drainUpdates(t, queue))
}

func TestTrackerIsolatesFailingRecords(t *testing.T) {
	base := NewGormStore(setupTestDB(t))
	store := &flakyStore{Store: base, withNil: true}
	tr, b := newTestTracker(t, store, &seqRandom{vals: []float64{0.5}})
	ctx := context.Background()

	bad, err := tr.Track(ctx, models.Location{})
	require.NoError(t, err)
	good, err := tr.Track(ctx, models.Location{})
	require.NoError(t, err)
	store.failFor = bad.OrderID

	conn, queue := b.Connect()
	tr.Join(ctx, conn, good.OrderID)
	drainUpdates(t, queue)

	assert.Equal(t, 1, tr.Tick(ctx))
	updates := drainUpdates(t, queue)
	require.Len(t, updates, 1)
	assert.Equal(t, good.OrderID, updates[0].OrderID)
}

func TestTrackerJoinUnknownOrder(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	tr, b := newTestTracker(t, store, nil)

	conn, queue := b.Connect()
	tr.Join(context.Background(), conn, "no-such-order")

	assert.True(t, b.IsMember(conn, models.OrderRoom("no-such-order")))
	assert.False(t, b.IsMember(conn, "no-such-order"))
	assert.Empty(t, drainUpdates(t, queue))
}

func TestTrackerSnapshotNeverFollowsNewerUpdate(t *testing.T) {
	store := &gateStore{
		Store:   NewGormStore(setupTestDB(t)),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	b := broker.New()
	tr := NewTracker(store, b, Config{Tick: time.Hour, DeliveredProbability: 1, Jitter: 0.001},
		&seqRandom{vals: []float64{0.5}})
	ctx := context.Background()

	d, err := tr.Track(ctx, models.Location{Lat: 1, Lng: 1})
	require.NoError(t, err)
	conn, queue := b.Connect()

	joined := make(chan struct{})
	go func() {
		defer close(joined)
		tr.Join(ctx, conn, d.OrderID)
	}()
	<-store.entered

	ticked := make(chan int, 1)
	go func() { ticked <- tr.Tick(ctx) }()
	time.Sleep(50 * time.Millisecond) // let the tick reach the order
	close(store.release)

	<-joined
	assert.Equal(t, 1, <-ticked)

	updates := drainUpdates(t, queue)
	require.Len(t, updates, 2)
	assert.Equal(t, models.DeliveryAssigned, updates[0].Status)
	assert.Equal(t, models.DeliveryDelivered, updates[1].Status)
}

func TestTrackersDoNotSeeEachOther(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	tr, b := newTestTracker(t, store, nil)
	ctx := context.Background()

	d, err := tr.Track(ctx, models.Location{})
	require.NoError(t, err)
	first, firstQ := b.Connect()
	second, _ := b.Connect()
	tr.Join(ctx, first, d.OrderID)
	tr.Join(ctx, second, d.OrderID)

	select {
	case data := <-firstQ:
		var f struct {
			Type models.EventType `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &f))
		assert.Equal(t, models.EventDeliveryUpdate, f.Type)
	default:
		t.Fatal("no snapshot queued")
	}
	assert.Empty(t, firstQ)
}

func TestTrackerRunStopsOnCancel(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	tr, _ := newTestTracker(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
