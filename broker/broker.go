// Package broker carries enriched events between livetrack instances.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("broker closed")

// Message is one published record.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Handler processes a delivered message. A non-nil error leaves the message
// unacknowledged on transports that support redelivery.
type Handler func(ctx context.Context, msg Message) error

// Broker is a publish-subscribe transport for multi-process broadcasting.
type Broker interface {
	// Publish sends value to topic. key groups related messages (the fingerprint).
	Publish(ctx context.Context, topic, key string, value []byte) error
	// Subscribe starts delivering messages on topic to handler until ctx is
	// cancelled or the broker is closed. It returns once the subscription is live.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	// Close stops every subscription.
	Close() error
}

// MemoryBroker provides an in-memory implementation of the Broker interface.
// It is intended for single-process deployments and tests.
type MemoryBroker struct {
	subscribers map[string][]*memorySub
	logger      *slog.Logger
	closed      bool
	wg          sync.WaitGroup
	mu          sync.RWMutex
}

type memorySub struct {
	ch      chan Message
	handler Handler
	done    chan struct{}
	once    sync.Once
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// memoryQueueSize bounds each subscriber's backlog.
const memoryQueueSize = 1024

// NewMemoryBroker creates a new in-memory broker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		subscribers: make(map[string][]*memorySub),
		logger:      logger,
	}
}

// Publish queues value for every subscriber of topic. A full subscriber
// queue drops the message for that subscriber.
func (b *MemoryBroker) Publish(_ context.Context, topic, key string, value []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := Message{Topic: topic, Key: key, Value: append([]byte(nil), value...)}
	for _, sub := range b.subscribers[topic] {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		default:
			b.logger.Warn("memory broker queue full, dropping message", "topic", topic, "key", key)
		}
	}
	return nil
}

// Subscribe registers handler for topic. Each subscriber receives messages
// in publish order on its own goroutine.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	sub := &memorySub{
		ch:      make(chan Message, memoryQueueSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer b.unsubscribe(topic, sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case msg := <-sub.ch:
				if err := sub.handler(ctx, msg); err != nil {
					b.logger.Warn("memory broker handler failed", "topic", topic, "error", err)
				}
			}
		}
	}()
	return nil
}

func (b *MemoryBroker) unsubscribe(topic string, sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i, s := range subs {
		if s == sub {
			b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[topic]) == 0 {
		delete(b.subscribers, topic)
	}
}

// Close stops all subscribers and waits for their goroutines.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
