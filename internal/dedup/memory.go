package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

type entry struct {
	lastSeen   time.Time
	burstStart time.Time
	count      int64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Memory is an in-process suppressor: a sharded map with TTL eviction.
// Each shard is locked independently so scans for different tags rarely
// contend.
type Memory struct {
	cfg    Config
	shards [shardCount]*shard
	now    func() time.Time

	janitorOnce sync.Once
	stop        chan struct{}
}

// NewMemory builds an in-memory suppressor and starts its janitor.
func NewMemory(cfg Config) *Memory {
	m := &Memory{cfg: cfg.withDefaults(), now: time.Now, stop: make(chan struct{})}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	go m.janitor()
	return m
}

// Check applies the window policy for one scan.
func (m *Memory) Check(_ context.Context, tagID, readerID string, at time.Time) (Decision, error) {
	k := key(tagID, readerID)
	s := m.shards[shardFor(k)]

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok || at.Sub(e.burstStart) > m.cfg.BurstWindow {
		s.entries[k] = &entry{lastSeen: at, burstStart: at, count: 1}
		return Decision{CountInWindow: 1}, nil
	}

	e.count++
	suppressed := at.Sub(e.lastSeen) <= m.cfg.Window
	e.lastSeen = at
	return Decision{
		Suppressed:    suppressed,
		CountInWindow: e.count,
		Burst:         e.count > m.cfg.BurstThreshold,
	}, nil
}

// Close stops the janitor.
func (m *Memory) Close() {
	m.janitorOnce.Do(func() { close(m.stop) })
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(m.cfg.BurstWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := m.now().Add(-m.cfg.BurstWindow)
			for _, s := range m.shards {
				s.mu.Lock()
				for k, e := range s.entries {
					if e.lastSeen.Before(cutoff) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		case <-m.stop:
			return
		}
	}
}

func shardFor(k string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return int(h.Sum32() % shardCount)
}
