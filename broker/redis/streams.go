// Package redis provides Redis-backed broker.Broker transports.
package redis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aydenstechdungeon/livetrack/apperr"
	"github.com/aydenstechdungeon/livetrack/broker"
)

const (
	fieldKey   = "key"
	fieldValue = "value"
)

// StreamsConfig tunes the Redis Streams transport.
type StreamsConfig struct {
	// Group is the consumer group. Give each instance its own group so
	// every instance sees every message.
	Group string
	// Consumer names this reader inside Group.
	Consumer string
	// MaxLen caps each stream (approximate trimming). Zero disables trimming.
	MaxLen int64
	// Count is the batch size per read.
	Count int64
	// Block is how long one read waits for new entries.
	Block time.Duration
}

// DefaultStreamsConfig returns the transport defaults for group.
func DefaultStreamsConfig(group string) StreamsConfig {
	return StreamsConfig{
		Group:    group,
		Consumer: group,
		MaxLen:   100000,
		Count:    50,
		Block:    2 * time.Second,
	}
}

// Streams is a durable broker.Broker on Redis Streams. Delivery is
// at-least-once: entries are acknowledged after the handler succeeds and
// pending entries are replayed when a subscription starts.
type Streams struct {
	client  goredis.UniversalClient
	cfg     StreamsConfig
	logger  *slog.Logger
	cancels []context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewStreams creates a Streams broker. The caller owns client.
func NewStreams(client goredis.UniversalClient, cfg StreamsConfig, logger *slog.Logger) *Streams {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Consumer == "" {
		cfg.Consumer = cfg.Group
	}
	if cfg.Count <= 0 {
		cfg.Count = 50
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	return &Streams{client: client, cfg: cfg, logger: logger}
}

// Publish appends an entry to the topic stream.
func (s *Streams) Publish(ctx context.Context, topic, key string, value []byte) error {
	args := &goredis.XAddArgs{
		Stream: topic,
		Values: map[string]any{fieldKey: key, fieldValue: value},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return apperr.Broker("streams publish", err)
	}
	return nil
}

// Subscribe creates the consumer group if needed and starts reading.
func (s *Streams) Subscribe(ctx context.Context, topic string, handler broker.Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return broker.ErrClosed
	}
	s.mu.Unlock()

	err := s.client.XGroupCreateMkStream(ctx, topic, s.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return apperr.Broker("streams create group", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return broker.ErrClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	s.cancels = append(s.cancels, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.consume(subCtx, topic, handler)
	}()
	return nil
}

func (s *Streams) consume(ctx context.Context, topic string, handler broker.Handler) {
	// Replay reads this consumer's unacknowledged entries after cursor,
	// starting at "0". The cursor advances past every entry tried so a
	// failing entry stays pending for the next start without blocking new
	// entries.
	replaying := true
	cursor := "0"
	for ctx.Err() == nil {
		start, block := ">", s.cfg.Block
		if replaying {
			start, block = cursor, -1
		}
		res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{topic, start},
			Count:    s.cfg.Count,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				replaying = false
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("streams read failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		delivered := 0
		for _, stream := range res {
			for _, entry := range stream.Messages {
				delivered++
				cursor = entry.ID
				s.handle(ctx, topic, entry, handler)
			}
		}
		if replaying && delivered == 0 {
			replaying = false
		}
	}
}

func (s *Streams) handle(ctx context.Context, topic string, entry goredis.XMessage, handler broker.Handler) {
	msg := broker.Message{Topic: topic}
	if k, ok := entry.Values[fieldKey].(string); ok {
		msg.Key = k
	}
	if v, ok := entry.Values[fieldValue].(string); ok {
		msg.Value = []byte(v)
	}

	if err := handler(ctx, msg); err != nil {
		s.logger.Warn("streams handler failed, leaving entry pending", "topic", topic, "id", entry.ID, "error", err)
		return
	}
	if err := s.client.XAck(ctx, topic, s.cfg.Group, entry.ID).Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("streams ack failed", "topic", topic, "id", entry.ID, "error", err)
	}
}

// Close stops all subscriptions. It does not close the Redis client.
func (s *Streams) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
