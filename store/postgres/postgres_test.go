package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/aydenstechdungeon/livetrack/store"
	"github.com/aydenstechdungeon/livetrack/store/storetest"
)

// Set LIVETRACK_TEST_POSTGRES_URL to run against a real server.
func TestStore(t *testing.T) {
	url := os.Getenv("LIVETRACK_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("LIVETRACK_TEST_POSTGRES_URL not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := Open(ctx, url)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		// Shared database: isolate each case with its own schema.
		schemaName := "lt_" + uuid.NewString()[:8]
		if _, err := s.pool.Exec(ctx, `CREATE SCHEMA "`+schemaName+`"`); err != nil {
			t.Fatalf("create schema: %v", err)
		}
		s.Close()

		s, err = Open(ctx, url+searchPath(url, schemaName))
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		t.Cleanup(func() {
			if c, err := Open(ctx, url); err == nil {
				_, _ = c.pool.Exec(ctx, `DROP SCHEMA "`+schemaName+`" CASCADE`)
				c.Close()
			}
		})
		return s
	})
}

func searchPath(url, schema string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return sep + "search_path=" + schema
}
