package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/catalogimport/internal/core"
)

// MappingCache is a core.MappingCache backed by the mapping_cache table.
type MappingCache struct {
	db  DBTX
	now func() time.Time
}

// NewMappingCache returns a cache using db.
func NewMappingCache(db DBTX) *MappingCache {
	return &MappingCache{db: db, now: time.Now}
}

const lookupMappings = `
SELECT source_field, target_field, confidence, strategy, usage_count, last_used
FROM mapping_cache
WHERE source_field = $1
ORDER BY confidence DESC, usage_count DESC, target_field`

// Lookup implements core.MappingCache.
func (c *MappingCache) Lookup(ctx context.Context, source string) ([]core.MappingCacheEntry, error) {
	rows, err := c.db.Query(ctx, lookupMappings, source)
	if err != nil {
		return nil, fmt.Errorf("lookup mappings for %q: %w", source, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.MappingCacheEntry, error) {
		var e core.MappingCacheEntry
		var strategy string
		err := row.Scan(&e.SourceField, &e.TargetField, &e.Confidence, &strategy, &e.UsageCount, &e.LastUsed)
		e.Strategy = core.Strategy(strategy)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan mappings for %q: %w", source, err)
	}
	return entries, nil
}

// The upsert is a single statement so concurrent sessions learning the same
// pair never lose a usage increment.
const recordMapping = `
INSERT INTO mapping_cache (source_field, target_field, confidence, strategy, usage_count, last_used)
VALUES ($1, $2, $3, $4, 1, $5)
ON CONFLICT (source_field, target_field) DO UPDATE SET
    usage_count = mapping_cache.usage_count + 1,
    confidence  = GREATEST(mapping_cache.confidence, EXCLUDED.confidence),
    strategy    = CASE WHEN EXCLUDED.confidence > mapping_cache.confidence
                       THEN EXCLUDED.strategy ELSE mapping_cache.strategy END,
    last_used   = EXCLUDED.last_used`

// Record implements core.MappingCache.
func (c *MappingCache) Record(ctx context.Context, e core.MappingCacheEntry) error {
	_, err := c.db.Exec(ctx, recordMapping,
		e.SourceField, e.TargetField, e.Confidence, string(e.Strategy), c.now().UTC())
	if err != nil {
		return fmt.Errorf("record mapping %s -> %s: %w", e.SourceField, e.TargetField, err)
	}
	return nil
}
