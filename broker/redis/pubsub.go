package redis

import (
	"context"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aydenstechdungeon/livetrack/apperr"
	"github.com/aydenstechdungeon/livetrack/broker"
)

// PubSub is a broker.Broker on Redis channels. Messages published while no
// instance is subscribed are lost.
type PubSub struct {
	client  goredis.UniversalClient
	logger  *slog.Logger
	subs    []*goredis.PubSub
	cancels []context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewPubSub creates a new Redis PubSub broker. The caller owns client.
func NewPubSub(client goredis.UniversalClient, logger *slog.Logger) *PubSub {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSub{client: client, logger: logger}
}

// Publish publishes a message to a Redis channel. The key travels in the
// payload because channels have no message metadata.
func (p *PubSub) Publish(ctx context.Context, topic, key string, value []byte) error {
	payload, err := encodeFrame(key, value)
	if err != nil {
		return apperr.Broker("pubsub encode", err)
	}
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return apperr.Broker("pubsub publish", err)
	}
	return nil
}

// Subscribe subscribes to a Redis channel and invokes the handler for each message.
func (p *PubSub) Subscribe(ctx context.Context, topic string, handler broker.Handler) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return broker.ErrClosed
	}
	p.mu.Unlock()

	sub := p.client.Subscribe(ctx, topic)

	// Wait for confirmation that subscription is created
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return apperr.Broker("pubsub subscribe", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = sub.Close()
		return broker.ErrClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	p.subs = append(p.subs, sub)
	p.cancels = append(p.cancels, cancel)
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				key, value, err := decodeFrame([]byte(m.Payload))
				if err != nil {
					p.logger.Warn("pubsub dropped malformed message", "topic", topic, "error", err)
					continue
				}
				msg := broker.Message{Topic: topic, Key: key, Value: value}
				if err := handler(subCtx, msg); err != nil {
					p.logger.Warn("pubsub handler failed", "topic", topic, "error", err)
				}
			}
		}
	}()
	return nil
}

// Close unsubscribes everything. It does not close the Redis client.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, cancel := range p.cancels {
		cancel()
	}
	for _, sub := range p.subs {
		_ = sub.Close()
	}
	p.cancels, p.subs = nil, nil
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
