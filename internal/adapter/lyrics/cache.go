// Package lyrics implements the multi-provider lyrics fetcher and its
// durable Redis cache.
package lyrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/christian-cleanup/internal/domain"
	"github.com/fairyhunter13/christian-cleanup/pkg/lyricsx"
)

// CacheEntry is one durable lyrics record keyed by normalized (artist, title).
type CacheEntry struct {
	Lyrics    string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Negative reports whether the entry is a miss marker (all providers failed).
func (e CacheEntry) Negative() bool { return e.Lyrics == "" }

// Cache stores lyrics in Redis hashes under lyrics_cache:<artist>:<title>.
// Writes are last-writer-wins.
type Cache struct {
	rdb         *redis.Client
	positiveTTL time.Duration
	negativeTTL time.Duration
	now         func() time.Time
}

// NewCache constructs a Cache with the given TTL policy.
func NewCache(rdb *redis.Client, positiveTTL, negativeTTL time.Duration) *Cache {
	if positiveTTL <= 0 {
		positiveTTL = 7 * 24 * time.Hour
	}
	if negativeTTL <= 0 {
		negativeTTL = 24 * time.Hour
	}
	return &Cache{rdb: rdb, positiveTTL: positiveTTL, negativeTTL: negativeTTL, now: time.Now}
}

func cacheKey(artist, title string) string {
	return "lyrics_cache:" + lyricsx.NormalizeKeyPart(artist) + ":" + lyricsx.NormalizeKeyPart(title)
}

// Find returns the cached entry or (nil, nil) on a cache miss.
func (c *Cache) Find(ctx domain.Context, artist, title string) (*CacheEntry, error) {
	vals, err := c.rdb.HGetAll(ctx, cacheKey(artist, title)).Result()
	if errors.Is(err, redis.Nil) || len(vals) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=lyrics_cache.find: %w", err)
	}
	e := &CacheEntry{Lyrics: vals["lyrics"], Source: vals["source"]}
	if t, err := time.Parse(time.RFC3339Nano, vals["created_at"]); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		e.UpdatedAt = t
	}
	return e, nil
}

// Upsert writes a positive entry. Empty lyrics are never cached here; use
// MarkMiss for negative markers.
func (c *Cache) Upsert(ctx domain.Context, artist, title, text, source string) error {
	if text == "" {
		return fmt.Errorf("%w: refusing to cache empty lyrics", domain.ErrInvalidArgument)
	}
	return c.write(ctx, artist, title, text, source, c.positiveTTL)
}

// MarkMiss writes a negative marker with the shorter negative TTL so repeated
// lookups do not hammer the providers.
func (c *Cache) MarkMiss(ctx domain.Context, artist, title string) error {
	return c.write(ctx, artist, title, "", "none", c.negativeTTL)
}

func (c *Cache) write(ctx domain.Context, artist, title, text, source string, ttl time.Duration) error {
	key := cacheKey(artist, title)
	now := c.now().UTC().Format(time.RFC3339Nano)
	created := now
	if prev, err := c.rdb.HGet(ctx, key, "created_at").Result(); err == nil && prev != "" {
		created = prev
	}
	if err := c.rdb.HSet(ctx, key,
		"lyrics", text,
		"source", source,
		"created_at", created,
		"updated_at", now,
	).Err(); err != nil {
		return fmt.Errorf("op=lyrics_cache.write: %w", err)
	}
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("op=lyrics_cache.expire: %w", err)
	}
	return nil
}

// EvictOlderThan removes entries whose updated_at is older than age. Returns
// the number of evicted entries. Janitor use.
func (c *Cache) EvictOlderThan(ctx domain.Context, age time.Duration) (int, error) {
	cutoff := c.now().Add(-age)
	evicted := 0
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, "lyrics_cache:*", 100).Result()
		if err != nil {
			return evicted, fmt.Errorf("op=lyrics_cache.evict: %w", err)
		}
		for _, k := range keys {
			raw, err := c.rdb.HGet(ctx, k, "updated_at").Result()
			if err != nil {
				continue
			}
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil || t.Before(cutoff) {
				if c.rdb.Del(ctx, k).Err() == nil {
					evicted++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return evicted, nil
}
