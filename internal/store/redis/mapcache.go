// Package redis provides a Redis-backed mapping cache.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/catalogimport/internal/core"
)

// Options configures the client.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, opts Options) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Each source field is a hash keyed by target; values are JSON entries.
// The script makes the upsert atomic across processes.
var recordScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
local conf = tonumber(ARGV[2])
local e
if cur then
  e = cjson.decode(cur)
  e.usageCount = e.usageCount + 1
  if conf > e.confidence then
    e.confidence = conf
    e.strategy = ARGV[3]
  end
  e.lastUsed = ARGV[4]
else
  e = {sourceField = ARGV[5], targetField = ARGV[1], confidence = conf,
       strategy = ARGV[3], usageCount = 1, lastUsed = ARGV[4]}
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(e))
return e.usageCount
`)

// MappingCache implements core.MappingCache on Redis hashes.
type MappingCache struct {
	client goredis.Cmdable
	prefix string
	now    func() time.Time
}

// NewMappingCache returns a cache writing keys under prefix.
func NewMappingCache(client goredis.Cmdable, prefix string) *MappingCache {
	if prefix == "" {
		prefix = "catalogimport"
	}
	return &MappingCache{client: client, prefix: prefix, now: time.Now}
}

func (c *MappingCache) key(source string) string {
	return c.prefix + ":mapping:" + source
}

// Lookup implements core.MappingCache.
func (c *MappingCache) Lookup(ctx context.Context, source string) ([]core.MappingCacheEntry, error) {
	fields, err := c.client.HGetAll(ctx, c.key(source)).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup mappings for %q: %w", source, err)
	}
	out := make([]core.MappingCacheEntry, 0, len(fields))
	for target, raw := range fields {
		var e core.MappingCacheEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode mapping %s -> %s: %w", source, target, err)
		}
		out = append(out, e)
	}
	core.SortCacheEntries(out)
	return out, nil
}

// Record implements core.MappingCache.
func (c *MappingCache) Record(ctx context.Context, e core.MappingCacheEntry) error {
	err := recordScript.Run(ctx, c.client, []string{c.key(e.SourceField)},
		e.TargetField,
		e.Confidence,
		string(e.Strategy),
		c.now().UTC().Format(time.RFC3339Nano),
		e.SourceField,
	).Err()
	if err != nil {
		return fmt.Errorf("record mapping %s -> %s: %w", e.SourceField, e.TargetField, err)
	}
	return nil
}
