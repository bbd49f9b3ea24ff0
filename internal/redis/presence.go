package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/mossy-p/telehealth-relay/internal/broker"
	"github.com/redis/go-redis/v9"
)

// Presence mirrors room membership into Redis sets so the room directory
// can report live participant counts. Failures are logged, never returned:
// the relay keeps working without Redis.
type Presence struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

var _ broker.Observer = (*Presence)(nil)

func NewPresence(rdb *redis.Client, ttl time.Duration) *Presence {
	return &Presence{
		rdb: rdb,
		ttl: ttl,
		log: slog.Default().With("component", "presence"),
	}
}

func (p *Presence) MemberJoined(room string, id broker.ConnID) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, peersKey(room), string(id))
	pipe.Expire(ctx, peersKey(room), p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn("failed to record peer", "room", room, "conn", id, "error", err)
	}
}

func (p *Presence) MemberLeft(room string, id broker.ConnID) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := p.rdb.SRem(ctx, peersKey(room), string(id)).Err(); err != nil {
		p.log.Warn("failed to remove peer", "room", room, "conn", id, "error", err)
	}
}

// Count returns the number of connections currently in room.
func (p *Presence) Count(ctx context.Context, room string) (int, error) {
	n, err := p.rdb.SCard(ctx, peersKey(room)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
