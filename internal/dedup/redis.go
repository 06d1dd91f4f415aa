package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a suppressor backed by shared Redis state, so a fleet of API
// instances sees one dedup window per (tag, reader). The window gate is a
// SET NX PX key; the burst counter is an INCR with its own expiry.
type Redis struct {
	client *redis.Client
	cfg    Config
	prefix string
}

// NewRedis builds a Redis-backed suppressor.
func NewRedis(client *redis.Client, cfg Config) *Redis {
	return &Redis{client: client, cfg: cfg.withDefaults(), prefix: "rfidattend:dedup:"}
}

// Check applies the window policy for one scan. Any Redis error is returned
// to the caller, who treats the suppressor as fail-open.
func (r *Redis) Check(ctx context.Context, tagID, readerID string, _ time.Time) (Decision, error) {
	k := key(tagID, readerID)

	ok, err := r.client.SetNX(ctx, r.prefix+"win:"+k, 1, r.cfg.Window).Result()
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		// Sliding window: a suppressed re-tap keeps the gate closed for a
		// full window from now, matching the in-memory backend.
		_ = r.client.PExpire(ctx, r.prefix+"win:"+k, r.cfg.Window).Err()
	}

	count, err := r.client.Incr(ctx, r.prefix+"burst:"+k).Result()
	if err != nil {
		// Window verdict stands; burst accounting is best-effort.
		return Decision{Suppressed: !ok, CountInWindow: 1}, nil
	}
	if count == 1 {
		_ = r.client.PExpire(ctx, r.prefix+"burst:"+k, r.cfg.BurstWindow).Err()
	}

	return Decision{
		Suppressed:    !ok,
		CountInWindow: count,
		Burst:         count > r.cfg.BurstThreshold,
	}, nil
}
