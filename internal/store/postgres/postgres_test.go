package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/catalogimport/internal/core"
)

// execRecorder captures Exec calls and fails them with err.
type execRecorder struct {
	sql  []string
	args [][]any
	err  error
}

func (r *execRecorder) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = append(r.sql, sql)
	r.args = append(r.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func (r *execRecorder) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (r *execRecorder) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestMappingCache_RecordIsSingleUpsert(t *testing.T) {
	db := &execRecorder{}
	c := NewMappingCache(db)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	err := c.Record(context.Background(), core.MappingCacheEntry{
		SourceField: "item_code", TargetField: "sku", Confidence: 82, Strategy: core.StrategyFuzzy,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(db.sql) != 1 {
		t.Fatalf("Exec calls = %d, want 1", len(db.sql))
	}
	if !strings.Contains(db.sql[0], "ON CONFLICT") || !strings.Contains(db.sql[0], "GREATEST") {
		t.Errorf("statement is not an upsert keeping the max confidence:\n%s", db.sql[0])
	}
	if !strings.Contains(db.sql[0], "THEN EXCLUDED.strategy ELSE mapping_cache.strategy") {
		t.Errorf("statement overwrites strategy unconditionally:\n%s", db.sql[0])
	}
	args := db.args[0]
	if args[0] != "item_code" || args[1] != "sku" || args[2] != 82.0 || args[3] != "fuzzy" {
		t.Errorf("args = %v", args)
	}
	if ts, ok := args[4].(time.Time); !ok || !ts.Equal(fixed) {
		t.Errorf("last_used = %v, want %v", args[4], fixed)
	}
}

func TestProductStore_DuplicateSKU(t *testing.T) {
	db := &execRecorder{err: &pgconn.PgError{Code: "23505", Message: "duplicate key"}}
	s := NewProductStore(db)

	_, err := s.Create(context.Background(), core.ProductRecord{SKU: "W-1", Name: "Widget", Price: 1, Status: "draft"})
	if !errors.Is(err, ErrDuplicateSKU) {
		t.Errorf("Create = %v, want ErrDuplicateSKU", err)
	}
}

func TestAuditSink_NullsEmptyColumns(t *testing.T) {
	db := &execRecorder{}
	sink := NewAuditSink(db)

	err := sink.RecordAudit(context.Background(), core.AuditEntry{
		ID: "a-1", Action: core.ActionFixSingle, Severity: core.AuditMedium, SessionID: "s-1", Field: "price",
	})
	if err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}
	args := db.args[0]
	if args[4] != (*string)(nil) {
		t.Errorf("file_name = %v, want NULL", args[4])
	}
	if f, ok := args[5].(*string); !ok || f == nil || *f != "price" {
		t.Errorf("field = %v, want price", args[5])
	}
}

// TestStores_Integration runs against a real database when
// TEST_DATABASE_URL is set.
func TestStores_Integration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Open(ctx, PoolConfig{URL: url})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()
	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM mapping_cache WHERE source_field = 'it_item_code'`)
		pool.Exec(ctx, `DELETE FROM products WHERE sku = 'IT-1'`)
	})

	t.Run("mapping cache", func(t *testing.T) {
		c := NewMappingCache(pool)
		uses := []core.MappingCacheEntry{
			{SourceField: "it_item_code", TargetField: "sku", Confidence: 80, Strategy: core.StrategyFuzzy},
			{SourceField: "it_item_code", TargetField: "sku", Confidence: 70, Strategy: core.StrategyHistorical},
		}
		for _, e := range uses {
			if err := c.Record(ctx, e); err != nil {
				t.Fatalf("Record: %v", err)
			}
		}
		got, err := c.Lookup(ctx, "it_item_code")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if len(got) != 1 || got[0].UsageCount != 2 || got[0].Confidence != 80 || got[0].Strategy != core.StrategyFuzzy {
			t.Errorf("Lookup = %+v, want one fuzzy entry used twice at 80", got)
		}
	})

	t.Run("products", func(t *testing.T) {
		s := NewProductStore(pool)
		id, err := s.Create(ctx, core.ProductRecord{SKU: "IT-1", Name: "Widget", Price: 9.5, Status: "draft"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		found, ok, err := s.FindIDBySKU(ctx, "IT-1")
		if err != nil || !ok || found != id {
			t.Errorf("FindIDBySKU = %q, %v, %v, want %q", found, ok, err, id)
		}
		if err := s.Update(ctx, id, core.ProductRecord{SKU: "IT-1", Name: "Widget 2", Price: 10, Status: "active"}); err != nil {
			t.Errorf("Update: %v", err)
		}
		if _, err := s.Create(ctx, core.ProductRecord{SKU: "IT-1", Name: "again", Status: "draft"}); !errors.Is(err, ErrDuplicateSKU) {
			t.Errorf("duplicate Create = %v, want ErrDuplicateSKU", err)
		}
	})
}
