// Package store persists visitors, events and recording bootstrap rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Visitor is the identity anchor for a fingerprint.
type Visitor struct {
	ID              int64     `json:"id"`
	FingerprintHash string    `json:"fingerprintHash"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Event is one immutable telemetry record.
type Event struct {
	ID           int64           `json:"id"`
	VisitorID    int64           `json:"visitorId"`
	Type         string          `json:"type"`
	Value        json.RawMessage `json:"value"`
	Timestamp    time.Time       `json:"timestamp"`
	SequentialID int64           `json:"sequentialId"`
	Orientation  *string         `json:"orientation,omitempty"`
	ScrollDepth  *float64        `json:"scrollDepth,omitempty"`
	URL          string          `json:"url"`
	TabID        string          `json:"tabId"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// RecordingKey identifies one recording bootstrap row.
type RecordingKey struct {
	Fingerprint string
	TabID       string
	URL         string
}

// RecordingStart is the bootstrap bundle a late-joining player starts from.
// Only the first incremental chunk after the snapshot is kept.
type RecordingStart struct {
	RecordingKey
	Snapshot   json.RawMessage `json:"snapshot"`
	Meta       json.RawMessage `json:"meta"`
	FirstChunk json.RawMessage `json:"firstChunk"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Store is the persistence contract of the ingestion pipeline.
// Upserts must be atomic at the storage layer.
type Store interface {
	// UpsertVisitor returns the visitor for fingerprint, creating it if absent.
	UpsertVisitor(ctx context.Context, fingerprint string) (Visitor, error)
	// InsertEvents writes all events in one call.
	InsertEvents(ctx context.Context, events []Event) error
	// UpsertRecordingStart creates or overwrites the row for rs.RecordingKey.
	UpsertRecordingStart(ctx context.Context, rs RecordingStart) error
	// GetRecordingStart returns the row for key or ErrNotFound.
	GetRecordingStart(ctx context.Context, key RecordingKey) (RecordingStart, error)
	// LatestRecordingStart returns the most recently updated row for a fingerprint.
	LatestRecordingStart(ctx context.Context, fingerprint string) (RecordingStart, error)
	// Close releases the underlying resources.
	Close() error
}
