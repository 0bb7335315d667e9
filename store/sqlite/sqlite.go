// Package sqlite implements store.Store on SQLite through modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aydenstechdungeon/livetrack/store"
)

//go:embed schema.sql
var schema string

// Store is a SQLite-backed store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	memory := path == ":memory:"
	if !memory {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// UpsertVisitor inserts the visitor or returns the existing row.
func (s *Store) UpsertVisitor(ctx context.Context, fingerprint string) (store.Visitor, error) {
	var (
		v       store.Visitor
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO visitors (fingerprint_hash, created_at) VALUES (?, ?)
		 ON CONFLICT (fingerprint_hash) DO UPDATE SET fingerprint_hash = excluded.fingerprint_hash
		 RETURNING id, fingerprint_hash, created_at`,
		fingerprint, s.now().UnixNano(),
	).Scan(&v.ID, &v.FingerprintHash, &created)
	if err != nil {
		return store.Visitor{}, fmt.Errorf("upsert visitor: %w", err)
	}
	v.CreatedAt = time.Unix(0, created)
	return v, nil
}

// InsertEvents writes all events in a single transaction.
func (s *Store) InsertEvents(ctx context.Context, events []store.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (visitor_id, type, value, timestamp, sequential_id, orientation, scroll_depth, url, tab_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert event: %w", err)
	}
	defer stmt.Close()

	now := s.now().UnixNano()
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.VisitorID, e.Type, string(e.Value), e.Timestamp.UnixMilli(), e.SequentialID,
			e.Orientation, e.ScrollDepth, e.URL, e.TabID, now,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertRecordingStart creates or overwrites the bootstrap row.
func (s *Store) UpsertRecordingStart(ctx context.Context, rs store.RecordingStart) error {
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recording_starts (fingerprint, tab_id, url, snapshot, meta, first_chunk, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint, tab_id, url) DO UPDATE
		 SET snapshot = excluded.snapshot,
		     meta = excluded.meta,
		     first_chunk = excluded.first_chunk,
		     updated_at = excluded.updated_at`,
		rs.Fingerprint, rs.TabID, rs.URL,
		string(rs.Snapshot), string(rs.Meta), string(rs.FirstChunk),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert recording start: %w", err)
	}
	return nil
}

const recordingColumns = `fingerprint, tab_id, url, snapshot, meta, first_chunk, created_at, updated_at`

// GetRecordingStart returns the row for key.
func (s *Store) GetRecordingStart(ctx context.Context, key store.RecordingKey) (store.RecordingStart, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recording_starts
		 WHERE fingerprint = ? AND tab_id = ? AND url = ?`,
		key.Fingerprint, key.TabID, key.URL)
	return scanRecording(row)
}

// LatestRecordingStart returns the newest row for fingerprint.
func (s *Store) LatestRecordingStart(ctx context.Context, fingerprint string) (store.RecordingStart, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recording_starts
		 WHERE fingerprint = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		fingerprint)
	return scanRecording(row)
}

func scanRecording(row *sql.Row) (store.RecordingStart, error) {
	var (
		rs                    store.RecordingStart
		snapshot, meta, chunk string
		createdAt, updatedAt  int64
	)
	err := row.Scan(&rs.Fingerprint, &rs.TabID, &rs.URL, &snapshot, &meta, &chunk, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RecordingStart{}, store.ErrNotFound
	}
	if err != nil {
		return store.RecordingStart{}, fmt.Errorf("scan recording start: %w", err)
	}
	rs.Snapshot = []byte(snapshot)
	rs.Meta = []byte(meta)
	rs.FirstChunk = []byte(chunk)
	rs.CreatedAt = time.Unix(0, createdAt)
	rs.UpdatedAt = time.Unix(0, updatedAt)
	return rs, nil
}

// CountEvents returns the number of stored events for a fingerprint.
func (s *Store) CountEvents(ctx context.Context, fingerprint string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events e JOIN visitors v ON v.id = e.visitor_id WHERE v.fingerprint_hash = ?`,
		fingerprint).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
