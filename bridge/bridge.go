// Package bridge relays enriched events through the broker so that players
// connected to any instance receive live replay fragments.
package bridge

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/jellydator/ttlcache/v3"

	"github.com/aydenstechdungeon/livetrack/broker"
	"github.com/aydenstechdungeon/livetrack/frame"
	"github.com/aydenstechdungeon/livetrack/ingest"
	"github.com/aydenstechdungeon/livetrack/registry"
	"github.com/aydenstechdungeon/livetrack/session"
)

// DefaultTopic is the broker topic carrying enriched events.
const DefaultTopic = "tracking-events"

// Config tunes the bridge.
type Config struct {
	Topic string
	// DeliveredTTL is how long an event id delivered through the direct path
	// is remembered, so the broker copy is not sent twice.
	DeliveredTTL time.Duration
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		Topic:        DefaultTopic,
		DeliveredTTL: 2 * time.Minute,
	}
}

// Bridge publishes enriched events and fans broker messages out to players.
type Bridge struct {
	broker    broker.Broker
	registry  *registry.Registry
	topic     string
	logger    *slog.Logger
	delivered *ttlcache.Cache[string, struct{}]
	now       func() time.Time

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a bridge over b delivering into reg.
func New(b broker.Broker, reg *registry.Registry, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.DeliveredTTL <= 0 {
		cfg.DeliveredTTL = DefaultConfig().DeliveredTTL
	}
	return &Bridge{
		broker:   b,
		registry: reg,
		topic:    cfg.Topic,
		logger:   logger.With("component", "bridge"),
		delivered: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](cfg.DeliveredTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		now: time.Now,
	}
}

// Enrich returns a copy of event with the server-side fields added. The
// connection metadata comes from sc, never from the event itself.
func (b *Bridge) Enrich(sc *session.Context, eventID string, event map[string]any) map[string]any {
	out := make(map[string]any, len(event)+5)
	maps.Copy(out, event)
	out["eid"] = eventID
	out["ip"] = nullable("")
	out["ua"] = nullable("")
	out["re"] = nullable("")
	if sc != nil {
		out["ip"] = nullable(sc.IP)
		out["ua"] = nullable(sc.UserAgent)
		out["re"] = nullable(sc.Referrer)
	}
	out["tss"] = b.now().UnixMilli()
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Publish enriches event and sends it to the broker keyed by fingerprint.
// Failures are logged and never returned.
func (b *Bridge) Publish(ctx context.Context, sc *session.Context, eventID string, event map[string]any) {
	enriched := b.Enrich(sc, eventID, event)
	data, err := json.Marshal(enriched)
	if err != nil {
		b.logger.Warn("failed to encode event for broker", "eid", eventID, "error", err)
		return
	}
	fp, _ := enriched["fp"].(string)
	if err := b.broker.Publish(ctx, b.topic, fp, data); err != nil {
		b.logger.Warn("broker publish failed", "eid", eventID, "fp", fp, "error", err)
	}
}

// MarkDelivered records that eventID already reached local players.
func (b *Bridge) MarkDelivered(eventID string) {
	if eventID == "" {
		return
	}
	b.delivered.Set(eventID, struct{}{}, ttlcache.DefaultTTL)
}

// Start subscribes to the topic. Delivery runs until ctx is cancelled or
// the broker is closed.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		b.started.Store(true)
		go b.delivered.Start()
		err = b.broker.Subscribe(ctx, b.topic, b.handle)
		if err == nil {
			b.logger.Info("bridge consumer started", "topic", b.topic)
		}
	})
	return err
}

// Stop halts the delivered-id expiry loop.
func (b *Bridge) Stop() {
	if !b.started.Load() {
		return
	}
	b.stopOnce.Do(b.delivered.Stop)
}

func (b *Bridge) handle(_ context.Context, msg broker.Message) error {
	var event map[string]any
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Malformed entries would never succeed; acknowledge and move on.
		b.logger.Warn("dropping malformed broker message", "key", msg.Key, "error", err)
		return nil
	}
	b.Deliver(event)
	return nil
}

// Deliver sends the fragments of an enriched event to local players. It
// returns the number of players reached.
func (b *Bridge) Deliver(event map[string]any) int {
	fp, _ := event["fp"].(string)
	if fp == "" {
		return 0
	}
	value, err := ingest.DecodeValue(event["p"])
	if err != nil {
		return 0
	}
	fragments := ingest.Fragments(value)
	if fragments == nil {
		return 0
	}

	eid, _ := event["eid"].(string)
	if eid != "" && b.delivered.Has(eid) {
		return 0
	}

	msg, err := frame.RecordingFrame(fragments)
	if err != nil {
		b.logger.Warn("failed to encode recording frame", "fp", fp, "error", err)
		return 0
	}
	n := b.registry.Send(fp, msg, registry.RolePlayer)
	b.MarkDelivered(eid)
	if n > 0 {
		b.logger.Debug("live event sent to players", "fp", fp, "players", n)
	}
	return n
}
