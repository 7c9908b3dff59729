package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/domain/event"
	"github.com/redis/go-redis/v9"
)

// Stream publishes settlement events to a Redis stream with XADD. It
// implements event.Publisher.
type Stream struct {
	client *redis.Client
	key    string
	maxLen int64
}

func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewStream publishes to key, trimming the stream to roughly maxLen entries.
// A maxLen of zero disables trimming.
func NewStream(client *redis.Client, key string, maxLen int64) *Stream {
	return &Stream{client: client, key: key, maxLen: maxLen}
}

func (s *Stream) Publish(ctx context.Context, ev event.SettlementEvent) error {
	values, err := streamValues(ev)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.key,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.key, err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *Stream) Close() error {
	return nil
}

func streamValues(ev event.SettlementEvent) (map[string]any, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode settlement event: %w", err)
	}
	return map[string]any{
		"type":       string(ev.Type),
		"entity_ref": ev.EntityRef,
		"order_ref":  ev.OrderRef,
		"data":       string(body),
	}, nil
}

// InMemoryStream keeps published events in memory. It is used when the
// Redis stream is disabled and in tests.
type InMemoryStream struct {
	mu     sync.Mutex
	events []event.SettlementEvent
	limit  int
}

func NewInMemoryStream(limit int) *InMemoryStream {
	return &InMemoryStream{limit: limit}
}

func (s *InMemoryStream) Publish(_ context.Context, ev event.SettlementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.limit > 0 && len(s.events) > s.limit {
		s.events = s.events[len(s.events)-s.limit:]
	}
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (s *InMemoryStream) Events() []event.SettlementEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.SettlementEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *InMemoryStream) Close() error {
	return nil
}
