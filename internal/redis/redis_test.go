package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/telehealth-relay/internal/broker"
	"github.com/mossy-p/telehealth-relay/internal/models"
)

// requires Redis running on localhost:6379
const testRedisAddr = "localhost:6379"

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr, DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	return client
}

func TestPresenceTracksMembers(t *testing.T) {
	rdb := setupTestRedis(t)
	p := NewPresence(rdb, time.Minute)
	ctx := context.Background()
	room := "room-" + uuid.New().String()

	p.MemberJoined(room, "a")
	p.MemberJoined(room, "b")
	p.MemberJoined(room, "a")

	n, err := p.Count(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p.MemberLeft(room, "a")
	n, err = p.Count(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ttl, err := rdb.TTL(ctx, peersKey(room)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestPresenceAsBrokerObserver(t *testing.T) {
	rdb := setupTestRedis(t)
	p := NewPresence(rdb, time.Minute)
	b := broker.New(broker.WithObserver(p))
	room := "room-" + uuid.New().String()

	a, _ := b.Connect()
	c, _ := b.Connect()
	b.Join(a, room, "doctor")
	b.Join(c, room, "patient")

	// the broker notifies presence asynchronously
	countIs := func(want int) func() bool {
		return func() bool {
			n, err := p.Count(context.Background(), room)
			return err == nil && n == want
		}
	}
	assert.Eventually(t, countIs(2), time.Second, 10*time.Millisecond)

	b.Disconnect(a)
	assert.Eventually(t, countIs(1), time.Second, 10*time.Millisecond)

	b.Close()
	n, err := p.Count(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRoomDirectoryLifecycle(t *testing.T) {
	rdb := setupTestRedis(t)
	dir := NewRoomDirectory(rdb, time.Hour)
	ctx := context.Background()

	room := models.RoomMetadata{
		ID:              uuid.New().String(),
		Code:            "ABCD23",
		AppointmentID:   "appt-42",
		CreatorID:       "dr-who",
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
		MaxParticipants: 2,
	}
	require.NoError(t, dir.Create(ctx, room))
	assert.ErrorIs(t, dir.Create(ctx, room), ErrRoomExists)

	NewPresence(rdb, time.Hour).MemberJoined(room.ID, "a")

	byID, err := dir.Get(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "appt-42", byID.AppointmentID)
	assert.Equal(t, 1, byID.ParticipantCount)

	byCode, err := dir.Get(ctx, "ABCD23")
	require.NoError(t, err)
	assert.Equal(t, room.ID, byCode.ID)

	require.NoError(t, dir.Delete(ctx, byID))
	_, err = dir.Get(ctx, room.ID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = dir.Get(ctx, "ABCD23")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
