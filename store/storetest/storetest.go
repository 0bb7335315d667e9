// Package storetest holds behaviour checks shared by every store.Store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/aydenstechdungeon/livetrack/store"
)

// Run exercises s against the store.Store contract. newStore must return
// an empty store; Run closes it.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("UpsertVisitorIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		first, err := s.UpsertVisitor(ctx, "fp-1")
		if err != nil {
			t.Fatalf("UpsertVisitor failed: %v", err)
		}
		second, err := s.UpsertVisitor(ctx, "fp-1")
		if err != nil {
			t.Fatalf("UpsertVisitor failed: %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("Expected same visitor id, got %d and %d", first.ID, second.ID)
		}
		if first.FingerprintHash != "fp-1" {
			t.Errorf("Expected fingerprint fp-1, got %q", first.FingerprintHash)
		}

		other, err := s.UpsertVisitor(ctx, "fp-2")
		if err != nil {
			t.Fatalf("UpsertVisitor failed: %v", err)
		}
		if other.ID == first.ID {
			t.Error("Expected distinct fingerprints to get distinct visitors")
		}
	})

	t.Run("ConcurrentUpsertVisitor", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		const n = 8
		ids := make([]int64, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := s.UpsertVisitor(ctx, "shared")
				ids[i], errs[i] = v.ID, err
			}(i)
		}
		wg.Wait()
		for i := 0; i < n; i++ {
			if errs[i] != nil {
				t.Fatalf("UpsertVisitor %d failed: %v", i, errs[i])
			}
			if ids[i] != ids[0] {
				t.Errorf("Expected one visitor id, got %d and %d", ids[0], ids[i])
			}
		}
	})

	t.Run("InsertEvents", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		v, err := s.UpsertVisitor(ctx, "fp-ev")
		if err != nil {
			t.Fatalf("UpsertVisitor failed: %v", err)
		}
		orientation := "portrait"
		depth := 42.5
		events := []store.Event{
			{
				VisitorID:    v.ID,
				Type:         "click",
				Value:        json.RawMessage(`{"x":1}`),
				Timestamp:    time.UnixMilli(1700000000000),
				SequentialID: 1,
				Orientation:  &orientation,
				ScrollDepth:  &depth,
				URL:          "https://example.com/",
				TabID:        "tab-1",
			},
			{
				VisitorID: v.ID,
				Type:      "recording",
				Value:     json.RawMessage(`{"rr_events":[]}`),
				Timestamp: time.UnixMilli(1700000000500),
			},
		}
		if err := s.InsertEvents(ctx, events); err != nil {
			t.Fatalf("InsertEvents failed: %v", err)
		}
		if err := s.InsertEvents(ctx, nil); err != nil {
			t.Errorf("Expected empty insert to succeed, got %v", err)
		}
	})

	t.Run("RecordingStartRoundTrip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		key := store.RecordingKey{Fingerprint: "fp-r", TabID: "tab-1", URL: "https://example.com/a"}
		if _, err := s.GetRecordingStart(ctx, key); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Expected ErrNotFound, got %v", err)
		}

		rs := store.RecordingStart{
			RecordingKey: key,
			Snapshot:     json.RawMessage(`{"type":2}`),
			Meta:         json.RawMessage(`{"type":4}`),
			FirstChunk:   json.RawMessage(`{"type":3}`),
		}
		if err := s.UpsertRecordingStart(ctx, rs); err != nil {
			t.Fatalf("UpsertRecordingStart failed: %v", err)
		}

		got, err := s.GetRecordingStart(ctx, key)
		if err != nil {
			t.Fatalf("GetRecordingStart failed: %v", err)
		}
		assertJSON(t, "snapshot", got.Snapshot, `{"type":2}`)
		assertJSON(t, "meta", got.Meta, `{"type":4}`)
		assertJSON(t, "first chunk", got.FirstChunk, `{"type":3}`)

		rs.Snapshot = json.RawMessage(`{"type":2,"v":2}`)
		if err := s.UpsertRecordingStart(ctx, rs); err != nil {
			t.Fatalf("UpsertRecordingStart failed: %v", err)
		}
		got, err = s.GetRecordingStart(ctx, key)
		if err != nil {
			t.Fatalf("GetRecordingStart failed: %v", err)
		}
		assertJSON(t, "snapshot", got.Snapshot, `{"type":2,"v":2}`)
	})

	t.Run("LatestRecordingStart", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		if _, err := s.LatestRecordingStart(ctx, "fp-l"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Expected ErrNotFound, got %v", err)
		}

		for _, url := range []string{"https://example.com/1", "https://example.com/2"} {
			err := s.UpsertRecordingStart(ctx, store.RecordingStart{
				RecordingKey: store.RecordingKey{Fingerprint: "fp-l", TabID: "tab", URL: url},
				Snapshot:     json.RawMessage(`{}`),
				Meta:         json.RawMessage(`{}`),
				FirstChunk:   json.RawMessage(`{}`),
			})
			if err != nil {
				t.Fatalf("UpsertRecordingStart failed: %v", err)
			}
			time.Sleep(5 * time.Millisecond)
		}

		got, err := s.LatestRecordingStart(ctx, "fp-l")
		if err != nil {
			t.Fatalf("LatestRecordingStart failed: %v", err)
		}
		if got.URL != "https://example.com/2" {
			t.Errorf("Expected newest URL, got %q", got.URL)
		}
	})
}

func assertJSON(t *testing.T, name string, got json.RawMessage, want string) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("%s: invalid JSON %q: %v", name, got, err)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("%s: invalid expected JSON: %v", name, err)
	}
	gb, _ := json.Marshal(g)
	wb, _ := json.Marshal(w)
	if string(gb) != string(wb) {
		t.Errorf("Expected %s %s, got %s", name, wb, gb)
	}
}
