package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/christian-cleanup/internal/adapter/lyrics"
	"github.com/fairyhunter13/christian-cleanup/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/christian-cleanup/internal/service/progress"
)

// Janitor periodically evicts stale lyrics cache entries, removes orphaned
// queue index entries, and drops abandoned progress records.
type Janitor struct {
	queue       *redisq.Queue
	cache       *lyrics.Cache
	tracker     *progress.Tracker
	interval    time.Duration
	cacheMaxAge time.Duration
	staleJobAge time.Duration
}

// NewJanitor constructs the janitor. Any of the swept components may be nil;
// their sweep step is skipped.
func NewJanitor(q *redisq.Queue, c *lyrics.Cache, t *progress.Tracker, interval, cacheMaxAge, staleJobAge time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if cacheMaxAge <= 0 {
		cacheMaxAge = 30 * 24 * time.Hour
	}
	if staleJobAge <= 0 {
		staleJobAge = 24 * time.Hour
	}
	return &Janitor{
		queue:       q,
		cache:       c,
		tracker:     t,
		interval:    interval,
		cacheMaxAge: cacheMaxAge,
		staleJobAge: staleJobAge,
	}
}

// Run loops until the context is cancelled. The first sweep happens
// immediately so a restart cleans up promptly.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopping")
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one full maintenance pass.
func (j *Janitor) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.janitor")
	ctx, span := tracer.Start(ctx, "Janitor.SweepOnce")
	defer span.End()

	if j.cache != nil {
		evicted, err := j.cache.EvictOlderThan(ctx, j.cacheMaxAge)
		if err != nil {
			span.RecordError(err)
			slog.Error("janitor lyrics cache sweep failed", slog.Any("error", err))
		} else if evicted > 0 {
			slog.Info("janitor evicted stale lyrics entries", slog.Int("count", evicted))
		}
		span.SetAttributes(attribute.Int("janitor.lyrics_evicted", evicted))
	}

	if j.queue != nil {
		removed := j.sweepOrphans(ctx)
		span.SetAttributes(attribute.Int("janitor.orphans_removed", removed))
	}

	if j.tracker != nil {
		stale := j.tracker.CleanupStale(ctx, j.staleJobAge)
		if len(stale) > 0 {
			slog.Info("janitor dropped stale progress records",
				slog.Int("count", len(stale)),
				slog.Any("job_ids", stale),
			)
		}
		span.SetAttributes(attribute.Int("janitor.progress_dropped", len(stale)))
	}
}

// sweepOrphans removes index entries whose job record has expired. Records
// carry a TTL, index membership does not, so a crashed process can leave
// dangling ids behind.
func (j *Janitor) sweepOrphans(ctx context.Context) int {
	orphans, err := j.queue.OrphanedPending(ctx)
	if err != nil {
		slog.Error("janitor orphan scan failed", slog.Any("error", err))
		return 0
	}
	removed := 0
	for _, id := range orphans {
		if err := j.queue.Remove(ctx, id); err != nil {
			slog.Error("janitor orphan removal failed",
				slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("janitor removed orphaned queue entries", slog.Int("count", removed))
	}
	return removed
}
