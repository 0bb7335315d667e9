// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aydenstechdungeon/livetrack/store"
)

//go:embed schema.sql
var schema string

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL, checks the connection and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Health pings the database.
func (p *Store) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// UpsertVisitor inserts the visitor or returns the existing row.
func (p *Store) UpsertVisitor(ctx context.Context, fingerprint string) (store.Visitor, error) {
	var v store.Visitor
	err := p.pool.QueryRow(
		ctx,
		`INSERT INTO visitors (fingerprint_hash)
		 VALUES ($1)
		 ON CONFLICT (fingerprint_hash) DO UPDATE
		 SET fingerprint_hash = EXCLUDED.fingerprint_hash
		 RETURNING id, fingerprint_hash, created_at`,
		fingerprint,
	).Scan(&v.ID, &v.FingerprintHash, &v.CreatedAt)
	if err != nil {
		return store.Visitor{}, fmt.Errorf("upsert visitor: %w", err)
	}
	return v, nil
}

var eventColumns = []string{
	"visitor_id", "type", "value", "timestamp", "sequential_id",
	"orientation", "scroll_depth", "url", "tab_id",
}

// InsertEvents bulk-loads events with COPY.
func (p *Store) InsertEvents(ctx context.Context, events []store.Event) error {
	if len(events) == 0 {
		return nil
	}
	_, err := p.pool.CopyFrom(
		ctx,
		pgx.Identifier{"events"},
		eventColumns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{
				e.VisitorID, e.Type, string(e.Value), e.Timestamp, e.SequentialID,
				e.Orientation, e.ScrollDepth, e.URL, e.TabID,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}
	return nil
}

// UpsertRecordingStart creates or overwrites the bootstrap row.
func (p *Store) UpsertRecordingStart(ctx context.Context, rs store.RecordingStart) error {
	_, err := p.pool.Exec(
		ctx,
		`INSERT INTO recording_starts (fingerprint, tab_id, url, snapshot, meta, first_chunk)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (fingerprint, tab_id, url) DO UPDATE
		 SET snapshot = EXCLUDED.snapshot,
		     meta = EXCLUDED.meta,
		     first_chunk = EXCLUDED.first_chunk,
		     updated_at = now()`,
		rs.Fingerprint, rs.TabID, rs.URL,
		string(rs.Snapshot), string(rs.Meta), string(rs.FirstChunk),
	)
	if err != nil {
		return fmt.Errorf("upsert recording start: %w", err)
	}
	return nil
}

const recordingColumns = `fingerprint, tab_id, url, snapshot::text, meta::text, first_chunk::text, created_at, updated_at`

// GetRecordingStart returns the row for key.
func (p *Store) GetRecordingStart(ctx context.Context, key store.RecordingKey) (store.RecordingStart, error) {
	row := p.pool.QueryRow(
		ctx,
		`SELECT `+recordingColumns+`
		 FROM recording_starts
		 WHERE fingerprint = $1 AND tab_id = $2 AND url = $3`,
		key.Fingerprint, key.TabID, key.URL,
	)
	return scanRecording(row)
}

// LatestRecordingStart returns the newest row for fingerprint.
func (p *Store) LatestRecordingStart(ctx context.Context, fingerprint string) (store.RecordingStart, error) {
	row := p.pool.QueryRow(
		ctx,
		`SELECT `+recordingColumns+`
		 FROM recording_starts
		 WHERE fingerprint = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		fingerprint,
	)
	return scanRecording(row)
}

func scanRecording(row pgx.Row) (store.RecordingStart, error) {
	var (
		rs                    store.RecordingStart
		snapshot, meta, chunk string
	)
	err := row.Scan(
		&rs.Fingerprint,
		&rs.TabID,
		&rs.URL,
		&snapshot,
		&meta,
		&chunk,
		&rs.CreatedAt,
		&rs.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.RecordingStart{}, store.ErrNotFound
	}
	if err != nil {
		return store.RecordingStart{}, fmt.Errorf("scan recording start: %w", err)
	}
	rs.Snapshot = []byte(snapshot)
	rs.Meta = []byte(meta)
	rs.FirstChunk = []byte(chunk)
	return rs, nil
}

// Close closes the pool.
func (p *Store) Close() error {
	p.pool.Close()
	return nil
}
