// Package ingest validates telemetry payloads and persists them.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aydenstechdungeon/livetrack/apperr"
	"github.com/aydenstechdungeon/livetrack/codec"
	"github.com/aydenstechdungeon/livetrack/store"
)

// Validation failures. They are logged and reported as a zero count.
var (
	ErrMissingCommon      = errors.New("missing common block")
	ErrMissingFingerprint = errors.New("missing fingerprint")
	ErrNoEvents           = errors.New("events must be a non-empty list")
	ErrMissingField       = errors.New("fp, t and p are required")
)

// Service persists batched and single events.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an ingestion service on top of st.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "ingest"),
		now:    time.Now,
	}
}

// IngestBatch stores a {common, events[]} payload. It returns the number of
// rows written, or zero for a rejected payload. Only storage failures are
// returned as errors.
func (s *Service) IngestBatch(ctx context.Context, payload map[string]any) (int, error) {
	n, err := s.ingestBatch(ctx, payload)
	if errors.Is(err, apperr.ErrValidation) {
		s.logger.Warn("rejected batch payload", "error", err)
		return 0, nil
	}
	return n, err
}

func (s *Service) ingestBatch(ctx context.Context, payload map[string]any) (int, error) {
	rawCommon, ok := payload["common"].(map[string]any)
	if !ok {
		return 0, apperr.Validation("ingest batch", ErrMissingCommon)
	}
	rawEvents, ok := payload["events"].([]any)
	if !ok || len(rawEvents) == 0 {
		return 0, apperr.Validation("ingest batch", ErrNoEvents)
	}

	common := codec.Expand(rawCommon)
	fp := asString(common["fingerprint"])
	if fp == "" {
		return 0, apperr.Validation("ingest batch", ErrMissingFingerprint)
	}
	tabID := asString(common["tabId"])
	now := s.now()

	rows := make([]store.Event, 0, len(rawEvents))
	for i, raw := range rawEvents {
		compact, ok := raw.(map[string]any)
		if !ok {
			s.logger.Warn("skipping non-object batch event", "index", i, "fp", fp)
			continue
		}
		e := codec.Expand(compact)
		value, err := rawJSON(e["payload"])
		if err != nil {
			s.logger.Warn("skipping batch event with unencodable payload", "index", i, "fp", fp, "error", err)
			continue
		}
		ts, ok := Timestamp(e["timestamp"])
		if !ok {
			ts = now
		}
		url := asString(e["url"])
		if url == "" {
			url = asString(common["url"])
		}
		rows = append(rows, store.Event{
			Type:         asString(e["type"]),
			Value:        value,
			Timestamp:    ts,
			SequentialID: asInt64(e["sequentialId"]),
			Orientation:  optString(e["orientation"]),
			ScrollDepth:  optFloat(e["scrollDepth"]),
			URL:          url,
			TabID:        tabID,
		})
	}
	if len(rows) == 0 {
		return 0, apperr.Validation("ingest batch", ErrNoEvents)
	}

	visitor, err := s.store.UpsertVisitor(ctx, fp)
	if err != nil {
		return 0, apperr.Storage("upsert visitor", err)
	}
	for i := range rows {
		rows[i].VisitorID = visitor.ID
	}
	if err := s.store.InsertEvents(ctx, rows); err != nil {
		return 0, apperr.Storage("insert events", err)
	}
	return len(rows), nil
}

// IngestSingle stores one compact {fp, t, p, ...} event and, when p carries
// a complete recording start triple, upserts the RecordingStart row keyed
// by (fp, tb, url). It returns 1 for an accepted event and 0 for a rejected
// one. A p string that is not valid JSON is dropped without writes and
// still counts as handled.
func (s *Service) IngestSingle(ctx context.Context, payload map[string]any) (int, error) {
	if !present(payload["fp"]) || !present(payload["t"]) || !present(payload["p"]) {
		s.logger.Warn("rejected single event", "error", ErrMissingField)
		return 0, nil
	}
	fp := asString(payload["fp"])
	typ := asString(payload["t"])
	if fp == "" || typ == "" {
		s.logger.Warn("rejected single event", "error", ErrMissingField)
		return 0, nil
	}

	value, err := DecodeValue(payload["p"])
	if err != nil {
		s.logger.Warn("dropping event with unparsable payload", "fp", fp, "type", typ, "error", err)
		return 1, nil
	}
	encoded, err := rawJSON(value)
	if err != nil {
		s.logger.Warn("dropping event with unencodable payload", "fp", fp, "type", typ, "error", err)
		return 1, nil
	}

	ts, ok := Timestamp(payload["ts"])
	if !ok {
		ts = s.now()
	}
	tabID := asString(payload["tb"])
	url := asString(payload["url"])

	visitor, err := s.store.UpsertVisitor(ctx, fp)
	if err != nil {
		return 0, apperr.Storage("upsert visitor", err)
	}
	err = s.store.InsertEvents(ctx, []store.Event{{
		VisitorID:    visitor.ID,
		Type:         typ,
		Value:        encoded,
		Timestamp:    ts,
		SequentialID: asInt64(payload["sid"]),
		Orientation:  optString(payload["o"]),
		ScrollDepth:  optFloat(payload["sd"]),
		URL:          url,
		TabID:        tabID,
	}})
	if err != nil {
		return 0, apperr.Storage("insert event", err)
	}

	boot, ok := FindBootstrap(Fragments(value))
	if !ok {
		return 1, nil
	}
	rs := store.RecordingStart{
		RecordingKey: store.RecordingKey{Fingerprint: fp, TabID: tabID, URL: url},
	}
	if rs.Snapshot, err = rawJSON(boot.Snapshot); err == nil {
		if rs.Meta, err = rawJSON(boot.Meta); err == nil {
			rs.FirstChunk, err = rawJSON(boot.FirstChunk)
		}
	}
	if err != nil {
		s.logger.Warn("skipping recording start with unencodable fragment", "fp", fp, "error", err)
		return 1, nil
	}
	// The event row is already written; report it as accepted alongside the failure.
	if err := s.store.UpsertRecordingStart(ctx, rs); err != nil {
		return 1, apperr.Storage("upsert recording start", err)
	}
	s.logger.Debug("recording start stored", "fp", fp, "tb", tabID, "url", url)
	return 1, nil
}
