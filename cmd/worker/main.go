package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"rfidattend/internal/broadcast"
	"rfidattend/internal/config"
	"rfidattend/internal/dedup"
	"rfidattend/internal/directory"
	"rfidattend/internal/logging"
	"rfidattend/internal/persist"
	"rfidattend/internal/pipeline"
	"rfidattend/internal/queue"
	"rfidattend/internal/scan"
	"rfidattend/internal/schedule"
	"rfidattend/internal/store"
)

const maxReattempts = 5

// newDeadLetterQueue returns the queue the worker drains. The in-memory
// backend lives inside the API process and is invisible from a separate
// worker, so it is rejected instead of letting the worker idle forever.
func newDeadLetterQueue(backend, key string, client *redis.Client) (queue.Queue, error) {
	if backend == "memory" {
		return nil, errors.New("QUEUE_BACKEND=memory is in-process only; the worker needs the redis queue")
	}
	return queue.NewRedisQueue(client, key), nil
}

type heartbeatDiscard struct{}

func (heartbeatDiscard) Heartbeat(string, time.Time) {}

// Worker drains the dead-letter queue and replays each parked scan.
// Envelopes parked before resolution are resolved afresh; resolved ones
// go straight to the upsert. Scans that still fail go back on the queue
// until the reattempt cap, then to the parking key for manual review.
func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	q, err := newDeadLetterQueue(cfg.QueueBackend, cfg.DeadLetterKey, redisClient.Client)
	if err != nil {
		log.Fatalf("queue init failed: %v", err)
	}
	parking := queue.NewRedisQueue(redisClient.Client, cfg.DeadLetterKey+":parked")

	loc := cfg.Location()
	dir := directory.NewPostgres(db.Client)
	hub := broadcast.NewHub(1) // no live subscribers in the worker
	suppressor := dedup.NewMemory(dedup.Config{})
	defer suppressor.Close()

	engine := pipeline.New(pipeline.Config{
		Normalizer:   scan.NewNormalizer(cfg.ClockSkew, heartbeatDiscard{}),
		Suppressor:   suppressor,
		Directory:    dir,
		Matcher:      schedule.NewMatcher(dir, loc),
		Persister:    persist.New(dir, q, hub, log),
		Hub:          hub,
		Log:          log,
		Location:     loc,
		GraceMinutes: cfg.GraceMinutes,
		ScanDeadline: cfg.ScanDeadline,
	})

	letters, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Info("dead-letter worker started")
	for dl := range letters {
		entry := log.WithField("scan_id", dl.ScanID)
		entry.Info("replaying dead-lettered scan")

		replayCtx, replayCancel := context.WithTimeout(ctx, 5*time.Second)
		err := engine.ReplayDeadLetter(replayCtx, dl)
		replayCancel()
		if err == nil {
			entry.Info("replay succeeded")
			continue
		}

		dl.Reattempts++
		dl.LastError = err.Error()
		entry.Warnf("replay failed (attempt %d): %v", dl.Reattempts, err)

		target := q
		if dl.Reattempts >= maxReattempts {
			entry.Error("reattempt cap reached, parking for manual review")
			target = parking
		}
		requeueCtx, requeueCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if perr := target.Publish(requeueCtx, dl); perr != nil {
			entry.Errorf("requeue failed, scan only survives in raw log: %v", perr)
		}
		requeueCancel()

		time.Sleep(200 * time.Millisecond)
	}

	log.Info("worker stopped")
}
