package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MappingCache persists confirmed source to target mappings. It is the
// pipeline's only durable learning state.
//
// Record must be an atomic upsert keyed by (source, target): insert when the
// pair is new, otherwise increment the usage count, raise the confidence to
// the maximum of the stored and new values and refresh the last-used time.
type MappingCache interface {
	// Lookup returns every entry learned for a normalized source name,
	// highest confidence first.
	Lookup(ctx context.Context, source string) ([]MappingCacheEntry, error)
	Record(ctx context.Context, entry MappingCacheEntry) error
}

// MemoryMappingCache is a process-local MappingCache.
type MemoryMappingCache struct {
	mu      sync.Mutex
	entries map[string]map[string]*MappingCacheEntry
	now     func() time.Time
}

// NewMemoryMappingCache returns an empty in-memory cache.
func NewMemoryMappingCache() *MemoryMappingCache {
	return &MemoryMappingCache{
		entries: make(map[string]map[string]*MappingCacheEntry),
		now:     time.Now,
	}
}

// Lookup implements MappingCache.
func (c *MemoryMappingCache) Lookup(_ context.Context, source string) ([]MappingCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byTarget := c.entries[source]
	out := make([]MappingCacheEntry, 0, len(byTarget))
	for _, e := range byTarget {
		out = append(out, *e)
	}
	SortCacheEntries(out)
	return out, nil
}

// Record implements MappingCache.
func (c *MemoryMappingCache) Record(_ context.Context, entry MappingCacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	byTarget, ok := c.entries[entry.SourceField]
	if !ok {
		byTarget = make(map[string]*MappingCacheEntry)
		c.entries[entry.SourceField] = byTarget
	}

	now := c.now()
	if existing, ok := byTarget[entry.TargetField]; ok {
		existing.UsageCount++
		// The strategy follows the highest confidence seen.
		if entry.Confidence > existing.Confidence {
			existing.Confidence = entry.Confidence
			existing.Strategy = entry.Strategy
		}
		existing.LastUsed = now
		return nil
	}

	entry.UsageCount = 1
	entry.LastUsed = now
	byTarget[entry.TargetField] = &entry
	return nil
}

// Len returns the number of stored pairs.
func (c *MemoryMappingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, byTarget := range c.entries {
		n += len(byTarget)
	}
	return n
}

// SortCacheEntries orders entries by confidence, then usage, then target.
func SortCacheEntries(entries []MappingCacheEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		return a.TargetField < b.TargetField
	})
}
