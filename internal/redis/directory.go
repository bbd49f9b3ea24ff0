package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/telehealth-relay/internal/idgen"
	"github.com/mossy-p/telehealth-relay/internal/models"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
)

// RoomDirectory stores appointment room metadata with a TTL, addressable by
// room id or by short code.
type RoomDirectory struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRoomDirectory(rdb *redis.Client, ttl time.Duration) *RoomDirectory {
	return &RoomDirectory{rdb: rdb, ttl: ttl}
}

func (d *RoomDirectory) Create(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}

	ok, err := d.rdb.SetNX(ctx, roomKey(room.ID), data, d.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store room: %w", err)
	}
	if !ok {
		return ErrRoomExists
	}

	// Store code-to-ID mapping for easy lookup
	if err := d.rdb.Set(ctx, codeKey(room.Code), room.ID, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store room code: %w", err)
	}
	return nil
}

// Get resolves a room id or code and returns its metadata with the live
// participant count.
func (d *RoomDirectory) Get(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier

	// Check if it's a code vs UUID
	if len(identifier) == idgen.RoomCodeLength {
		id, err := d.rdb.Get(ctx, codeKey(identifier)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		if err != nil {
			return nil, err
		}
		roomID = id
	}

	data, err := d.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}

	var room models.RoomMetadata
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}

	count, err := d.rdb.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	room.ParticipantCount = int(count)
	return &room, nil
}

func (d *RoomDirectory) Delete(ctx context.Context, room *models.RoomMetadata) error {
	pipe := d.rdb.TxPipeline()
	pipe.Del(ctx, roomKey(room.ID), codeKey(room.Code), peersKey(room.ID))
	_, err := pipe.Exec(ctx)
	return err
}
