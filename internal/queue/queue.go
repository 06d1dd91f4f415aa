package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is a scan parked after persistence retries ran out. The raw
// scan survives here for reprocessing; it is never silently dropped.
type DeadLetter struct {
	ScanID     string    `json:"scan_id"`
	TagID      string    `json:"tag_id"`
	ReaderID   string    `json:"reader_id"`
	PersonID   int64     `json:"person_id"`
	SlotID     int64     `json:"slot_id"`
	RoomID     string    `json:"room_id"`
	Day        string    `json:"day"`
	Status     string    `json:"status"`
	ScannedAt  time.Time `json:"scanned_at"`
	ParkedAt   time.Time `json:"parked_at"`
	LastError  string    `json:"last_error"`
	Reattempts int       `json:"reattempts"`
}

// Queue is the abstraction over dead-letter backends.
type Queue interface {
	Publish(ctx context.Context, dl DeadLetter) error
	Consume(ctx context.Context) (<-chan DeadLetter, error)
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan DeadLetter
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan DeadLetter, size)}
}

// Publish enqueues an envelope.
func (q *InMemory) Publish(ctx context.Context, dl DeadLetter) error {
	select {
	case q.ch <- dl:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan DeadLetter, error) {
	out := make(chan DeadLetter)
	go func() {
		defer close(out)
		for {
			select {
			case dl := <-q.ch:
				out <- dl
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue with LPUSH/BRPOP semantics.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue over the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "rfidattend:deadletter"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues an envelope as JSON.
func (q *RedisQueue) Publish(ctx context.Context, dl DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, body).Err()
}

// Consume streams envelopes using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan DeadLetter, error) {
	out := make(chan DeadLetter)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				var dl DeadLetter
				if err := json.Unmarshal([]byte(res[1]), &dl); err == nil {
					out <- dl
				}
			}
		}
	}()
	return out, nil
}
