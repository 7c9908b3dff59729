package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore holds one outstanding login challenge per wallet. Issuing a new
// challenge replaces the previous one; taking a challenge consumes it.
type NonceStore interface {
	Put(ctx context.Context, wallet, nonce string, ttl time.Duration) error
	// Take returns the outstanding nonce and deletes it. ok is false when no
	// unexpired challenge exists.
	Take(ctx context.Context, wallet string) (nonce string, ok bool, err error)
}

const noncePrefix = "auth:nonce:"

func nonceKey(wallet string) string {
	return noncePrefix + wallet
}

// RedisNonceStore relies on key TTL for expiry and GETDEL for single use.
type RedisNonceStore struct {
	client *redis.Client
}

func NewNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

func (s *RedisNonceStore) Put(ctx context.Context, wallet, nonce string, ttl time.Duration) error {
	if err := s.client.Set(ctx, nonceKey(wallet), nonce, ttl).Err(); err != nil {
		return fmt.Errorf("store nonce: %w", err)
	}
	return nil
}

func (s *RedisNonceStore) Take(ctx context.Context, wallet string) (string, bool, error) {
	nonce, err := s.client.GetDel(ctx, nonceKey(wallet)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take nonce: %w", err)
	}
	return nonce, true, nil
}

type memoryNonce struct {
	value     string
	expiresAt time.Time
}

// InMemoryNonceStore is a single-process NonceStore.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]memoryNonce
	now    func() time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]memoryNonce), now: time.Now}
}

func (s *InMemoryNonceStore) Put(_ context.Context, wallet, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.nonces {
		if !now.Before(v.expiresAt) {
			delete(s.nonces, k)
		}
	}
	s.nonces[wallet] = memoryNonce{value: nonce, expiresAt: now.Add(ttl)}
	return nil
}

func (s *InMemoryNonceStore) Take(_ context.Context, wallet string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[wallet]
	if !ok {
		return "", false, nil
	}
	delete(s.nonces, wallet)
	if !s.now().Before(n.expiresAt) {
		return "", false, nil
	}
	return n.value, true, nil
}
