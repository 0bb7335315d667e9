// Package logging builds the process logger and the live log stream.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger writing to out in the given format.
func New(out io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", FormatText:
		return slog.New(slog.NewTextHandler(out, opts)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// Broadcaster is an io.Writer that copies every formatted record to its
// subscribers. Slow subscribers miss records rather than stall logging.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]chan []byte
	next int
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan []byte)}
}

// Write implements io.Writer.
func (b *Broadcaster) Write(p []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return len(p), nil
	}
	line := make([]byte, len(p))
	copy(line, p)
	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
	return len(p), nil
}

// Subscribe registers a subscriber with the given queue size. The returned
// func unsubscribes and closes the channel; it is safe to call twice.
func (b *Broadcaster) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan []byte, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
