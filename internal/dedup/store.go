package dedup

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/conversation-service/internal/clock"
)

// Store persists seen message ids for a retention window. PutIfAbsent is
// a single atomic check-and-insert: it reports true exactly once per id
// within the window, regardless of concurrent callers.
type Store interface {
	PutIfAbsent(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

const redisKeyPrefix = "dedup:"

type redisStore struct {
	client *redis.Client
}

// NewRedisStore backs dedup records with Redis. SET NX PX gives the
// atomic check-and-insert and the TTL in one round trip.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) PutIfAbsent(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, redisKeyPrefix+id, 1, ttl).Result()
}

// memoryStore keeps dedup records in process. Entries are tracked in
// insertion order so capacity eviction drops the oldest first; a
// background sweep clears expired entries.
type memoryStore struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	clk        clock.Clock

	done   chan struct{}
	closed bool
}

type memoryEntry struct {
	id        string
	expiresAt time.Time
}

// NewMemoryStore creates an in-process Store holding at most maxEntries
// ids. Zero or negative maxEntries means unbounded.
func NewMemoryStore(maxEntries int, clk clock.Clock) *memoryStore {
	s := &memoryStore{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		clk:        clk,
		done:       make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *memoryStore) PutIfAbsent(_ context.Context, id string, ttl time.Duration) (bool, error) {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[id]; ok {
		entry := elem.Value.(*memoryEntry)
		if now.Before(entry.expiresAt) {
			return false, nil
		}
		s.order.Remove(elem)
		delete(s.entries, id)
	}

	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldestLocked()
	}

	elem := s.order.PushBack(&memoryEntry{id: id, expiresAt: now.Add(ttl)})
	s.entries[id] = elem
	return true, nil
}

func (s *memoryStore) evictOldestLocked() {
	front := s.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*memoryEntry)
	s.order.Remove(front)
	delete(s.entries, entry.id)
}

func (s *memoryStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *memoryStore) removeExpired() {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*memoryEntry)
		if now.After(entry.expiresAt) {
			s.order.Remove(elem)
			delete(s.entries, entry.id)
		}
		elem = next
	}
}

// Len reports the number of tracked ids.
func (s *memoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background cleanup goroutine.
func (s *memoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
