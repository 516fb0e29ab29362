package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers which swaps this watcher already acted on, so a re-gossiped
// watcher message is not honored twice.
type Store interface {
	// Seen marks a swap handled and reports whether it already was.
	Seen(ctx context.Context, swapUUID string) (bool, error)
}

type memStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemStore() Store {
	return &memStore{seen: map[string]struct{}{}}
}

func (s *memStore) Seen(ctx context.Context, swapUUID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[swapUUID]; ok {
		return true, nil
	}
	s.seen[swapUUID] = struct{}{}
	return false, nil
}

type redisStore struct {
	client *redis.Client
	expiry time.Duration
}

// NewRedisStore shares dedup state between watcher replicas. Entries expire
// once every lock involved is long past.
func NewRedisStore(client *redis.Client, expiry time.Duration) Store {
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	return &redisStore{client: client, expiry: expiry}
}

func (s *redisStore) Seen(ctx context.Context, swapUUID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, "watcher:"+swapUUID, 1, s.expiry).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
