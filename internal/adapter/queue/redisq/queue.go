package redisq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/christian-cleanup/internal/adapter/observability"
	"github.com/fairyhunter13/christian-cleanup/internal/domain"
)

// Queue is the Redis-backed priority queue. Exactly one worker process is
// expected to consume a given namespace; enqueue may happen from any process.
type Queue struct {
	rdb          *redis.Client
	keys         Keys
	activeTTL    time.Duration
	completedTTL time.Duration
	now          func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithActiveSlotTTL overrides the safety TTL on the active-job slot.
func WithActiveSlotTTL(d time.Duration) Option { return func(q *Queue) { q.activeTTL = d } }

// WithCompletedTTL overrides the TTL applied to terminal job records.
func WithCompletedTTL(d time.Duration) Option { return func(q *Queue) { q.completedTTL = d } }

// New constructs a Queue over rdb using the given namespace.
func New(rdb *redis.Client, namespace string, opts ...Option) *Queue {
	q := &Queue{
		rdb:          rdb,
		keys:         NewKeys(namespace),
		activeTTL:    time.Hour,
		completedTTL: 24 * time.Hour,
		now:          time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// scoreEpoch anchors the time fraction of a score. Milliseconds since this
// epoch divided by 1e13 stays below 1.0 until the year 2341, so the fraction
// can never spill into the adjacent priority band.
var scoreEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// score packs priority and enqueue time into one ordering value. The integer
// part is the priority class; the fractional part (< 1) preserves FIFO order
// within a class at millisecond resolution. Millisecond steps (1e-13) sit
// well above float64 ULP near these magnitudes, so ordering survives the
// float round-trip through Redis.
func (q *Queue) score(p domain.Priority, at time.Time) float64 {
	return float64(p) + float64(at.Sub(scoreEpoch).Milliseconds())/1e13
}

func priorityFromScore(score float64) domain.Priority {
	return domain.Priority(int(math.Floor(score)))
}

func (q *Queue) marshal(j domain.Job) (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("op=queue.marshal: %w", err)
	}
	return string(b), nil
}

func (q *Queue) unmarshal(s string) (*domain.Job, error) {
	var j domain.Job
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return nil, fmt.Errorf("op=queue.unmarshal: %w", err)
	}
	return &j, nil
}

// Enqueue persists the job record and inserts it into the priority index.
// A missing ID is filled with a fresh uuid-v4; callers wanting at-most-once
// semantics may supply a deterministic id.
func (q *Queue) Enqueue(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("queue.redis")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	if !domain.ValidJobType(j.Type) {
		return "", fmt.Errorf("%w: job type %q", domain.ErrInvalidArgument, j.Type)
	}
	if !domain.ValidPriority(j.Priority) {
		return "", fmt.Errorf("%w: priority %d", domain.ErrInvalidArgument, j.Priority)
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := q.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.Status = domain.JobPending

	span.SetAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.type", string(j.Type)),
		attribute.Int("job.priority", int(j.Priority)),
	)

	rec, err := q.marshal(j)
	if err != nil {
		return "", err
	}
	// Record first, then index. A failure between the two leaves an orphaned
	// pending record which the janitor collects.
	if err := q.rdb.Set(ctx, q.keys.Job(j.ID), rec, 0).Err(); err != nil {
		return "", fmt.Errorf("op=queue.enqueue set: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, q.keys.Index(), redis.Z{Score: q.score(j.Priority, now), Member: j.ID}).Err(); err != nil {
		return "", fmt.Errorf("op=queue.enqueue zadd: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(j.Type), strconv.Itoa(int(j.Priority))).Inc()
	q.refreshDepth(ctx)
	return j.ID, nil
}

// EnqueueDelayed persists the job and parks it in the deferred set until
// releaseAt. ReleaseDue moves due jobs into the priority index.
func (q *Queue) EnqueueDelayed(ctx domain.Context, j domain.Job, releaseAt time.Time) (string, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = q.now().UTC()
	}
	j.Status = domain.JobPending
	rec, err := q.marshal(j)
	if err != nil {
		return "", err
	}
	if err := q.rdb.Set(ctx, q.keys.Job(j.ID), rec, 0).Err(); err != nil {
		return "", fmt.Errorf("op=queue.enqueue_delayed set: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, q.keys.Deferred(), redis.Z{Score: float64(releaseAt.Unix()), Member: j.ID}).Err(); err != nil {
		return "", fmt.Errorf("op=queue.enqueue_delayed zadd: %w", err)
	}
	return j.ID, nil
}

// ReleaseDue promotes deferred jobs whose release time has passed into the
// priority index. Returns the number of jobs released.
func (q *Queue) ReleaseDue(ctx domain.Context, now time.Time) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.keys.Deferred(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.release_due: %w", err)
	}
	released := 0
	for _, id := range ids {
		j, err := q.Get(ctx, id)
		if err != nil || j == nil {
			// Record vanished; drop the deferred entry.
			q.rdb.ZRem(ctx, q.keys.Deferred(), id)
			continue
		}
		if err := q.rdb.ZAdd(ctx, q.keys.Index(), redis.Z{Score: q.score(j.Priority, q.now().UTC()), Member: id}).Err(); err != nil {
			return released, fmt.Errorf("op=queue.release_due zadd: %w", err)
		}
		q.rdb.ZRem(ctx, q.keys.Deferred(), id)
		released++
	}
	if released > 0 {
		q.refreshDepth(ctx)
	}
	return released, nil
}

// Dequeue pops the lowest-scored job, transitions it to in_progress, and sets
// the active slot. A missing record (janitor-collected tombstone) is skipped
// once in favor of the next entry. Returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx domain.Context) (*domain.Job, error) {
	tracer := otel.Tracer("queue.redis")
	ctx, span := tracer.Start(ctx, "queue.Dequeue")
	defer span.End()

	for attempt := 0; attempt < 2; attempt++ {
		zs, err := q.rdb.ZPopMin(ctx, q.keys.Index(), 1).Result()
		if err != nil {
			return nil, fmt.Errorf("op=queue.dequeue zpopmin: %w", err)
		}
		if len(zs) == 0 {
			return nil, nil
		}
		id, _ := zs[0].Member.(string)
		rec, err := q.rdb.Get(ctx, q.keys.Job(id)).Result()
		if errors.Is(err, redis.Nil) {
			slog.Warn("dequeued job has no record; skipping", slog.String("job_id", id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("op=queue.dequeue get: %w", err)
		}
		j, err := q.unmarshal(rec)
		if err != nil {
			slog.Error("dequeued job record is corrupt; skipping", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		now := q.now().UTC()
		j.Status = domain.JobInProgress
		j.StartedAt = &now
		out, err := q.marshal(*j)
		if err != nil {
			return nil, err
		}
		if err := q.rdb.Set(ctx, q.keys.Job(id), out, 0).Err(); err != nil {
			return nil, fmt.Errorf("op=queue.dequeue set: %w", err)
		}
		if err := q.rdb.Set(ctx, q.keys.Active(), id, q.activeTTL).Err(); err != nil {
			return nil, fmt.Errorf("op=queue.dequeue active: %w", err)
		}
		span.SetAttributes(attribute.String("job.id", id), attribute.String("job.type", string(j.Type)))
		q.refreshDepth(ctx)
		return j, nil
	}
	return nil, nil
}

// Complete finalizes a job as completed or failed, clears the active slot iff
// it points at this job, and applies the terminal-record TTL. Completing an
// already-completed job is a no-op so completed_at never regresses.
func (q *Queue) Complete(ctx domain.Context, jobID string, success bool, errMsg string) error {
	tracer := otel.Tracer("queue.redis")
	ctx, span := tracer.Start(ctx, "queue.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Bool("job.success", success))

	j, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	if j.Status.Terminal() {
		q.clearActiveIf(ctx, jobID)
		return nil
	}
	now := q.now().UTC()
	if success {
		j.Status = domain.JobCompleted
	} else {
		j.Status = domain.JobFailed
		j.ErrorMessage = errMsg
	}
	j.CompletedAt = &now
	rec, err := q.marshal(*j)
	if err != nil {
		return err
	}
	if err := q.rdb.Set(ctx, q.keys.Job(jobID), rec, q.completedTTL).Err(); err != nil {
		return fmt.Errorf("op=queue.complete set: %w", err)
	}
	// A cancelled job may still sit in the index or the deferred set.
	q.rdb.ZRem(ctx, q.keys.Index(), jobID)
	q.rdb.ZRem(ctx, q.keys.Deferred(), jobID)
	q.clearActiveIf(ctx, jobID)
	if success {
		observability.JobsCompletedTotal.WithLabelValues(string(j.Type)).Inc()
	} else {
		observability.JobsFailedTotal.WithLabelValues(string(j.Type)).Inc()
	}
	return nil
}

// Interrupt marks the job interrupted and re-inserts it into the index with a
// fresh score at its original priority, so it keeps its class but yields its
// slot among peers. Clears the active slot iff it points at this job.
// Interrupting an already re-enqueued job refreshes its index entry without
// duplicating it (ZADD on an existing member updates the score).
func (q *Queue) Interrupt(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("queue.redis")
	ctx, span := tracer.Start(ctx, "queue.Interrupt")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	j, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	j.Status = domain.JobInterrupted
	j.StartedAt = nil
	rec, err := q.marshal(*j)
	if err != nil {
		return err
	}
	if err := q.rdb.Set(ctx, q.keys.Job(jobID), rec, 0).Err(); err != nil {
		return fmt.Errorf("op=queue.interrupt set: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, q.keys.Index(), redis.Z{Score: q.score(j.Priority, q.now().UTC()), Member: jobID}).Err(); err != nil {
		return fmt.Errorf("op=queue.interrupt zadd: %w", err)
	}
	q.clearActiveIf(ctx, jobID)
	observability.JobsInterruptedTotal.WithLabelValues(string(j.Type)).Inc()
	q.refreshDepth(ctx)
	return nil
}

// clearActiveIf removes the active slot only when it references jobID.
func (q *Queue) clearActiveIf(ctx domain.Context, jobID string) {
	cur, err := q.rdb.Get(ctx, q.keys.Active()).Result()
	if err != nil {
		return
	}
	if cur == jobID {
		q.rdb.Del(ctx, q.keys.Active())
	}
}

// Get loads a job record by id. Returns (nil, nil) when absent.
func (q *Queue) Get(ctx domain.Context, jobID string) (*domain.Job, error) {
	rec, err := q.rdb.Get(ctx, q.keys.Job(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.get: %w", err)
	}
	return q.unmarshal(rec)
}

// GetActive resolves the active slot through Get. Returns (nil, nil) when no
// job is active.
func (q *Queue) GetActive(ctx domain.Context) (*domain.Job, error) {
	id, err := q.rdb.Get(ctx, q.keys.Active()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.get_active: %w", err)
	}
	return q.Get(ctx, id)
}

// HasHigherPriority reports whether any pending job has a strictly higher
// priority than p. Scores below float64(p) are exactly the jobs whose
// priority class is smaller, because the fractional part never reaches 1.
func (q *Queue) HasHigherPriority(ctx domain.Context, p domain.Priority) (bool, error) {
	n, err := q.rdb.ZCount(ctx, q.keys.Index(), "-inf", "("+strconv.Itoa(int(p))).Result()
	if err != nil {
		return false, fmt.Errorf("op=queue.has_higher_priority: %w", err)
	}
	return n > 0, nil
}

// Status scans the index and the record set for a full queue summary. O(n) in
// stored jobs; intended for infrequent introspection calls.
func (q *Queue) Status(ctx domain.Context) (domain.QueueStatus, error) {
	st := domain.QueueStatus{
		ByPriority: map[domain.Priority]int{},
		ByStatus:   map[domain.JobStatus]int{},
	}
	zs, err := q.rdb.ZRangeWithScores(ctx, q.keys.Index(), 0, -1).Result()
	if err != nil {
		return st, fmt.Errorf("op=queue.status zrange: %w", err)
	}
	st.TotalPending = len(zs)
	for _, z := range zs {
		st.ByPriority[priorityFromScore(z.Score)]++
	}
	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, q.keys.JobPrefix()+"*", 100).Result()
		if err != nil {
			return st, fmt.Errorf("op=queue.status scan: %w", err)
		}
		for _, k := range keys {
			rec, err := q.rdb.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			j, err := q.unmarshal(rec)
			if err != nil {
				continue
			}
			st.ByStatus[j.Status]++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	active, err := q.GetActive(ctx)
	if err == nil {
		st.ActiveJob = active
	}
	observability.QueueDepth.Set(float64(st.TotalPending))
	return st, nil
}

// Clear removes queued jobs: all of them when userID is 0, otherwise only
// those owned by userID. Active and terminal records are untouched. Returns
// the number of jobs removed.
func (q *Queue) Clear(ctx domain.Context, userID int64) (int, error) {
	ids, err := q.rdb.ZRange(ctx, q.keys.Index(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.clear: %w", err)
	}
	removed := 0
	for _, id := range ids {
		if userID != 0 {
			j, err := q.Get(ctx, id)
			if err != nil || j == nil || j.UserID != userID {
				continue
			}
		}
		q.rdb.ZRem(ctx, q.keys.Index(), id)
		q.rdb.Del(ctx, q.keys.Job(id))
		removed++
	}
	q.refreshDepth(ctx)
	return removed, nil
}

// OrphanedPending returns ids of pending job records absent from both the
// priority index and the deferred set (leftovers of a failed enqueue). Used by
// the janitor.
func (q *Queue) OrphanedPending(ctx domain.Context) ([]string, error) {
	var orphans []string
	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, q.keys.JobPrefix()+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("op=queue.orphaned_pending: %w", err)
		}
		for _, k := range keys {
			rec, err := q.rdb.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			j, err := q.unmarshal(rec)
			if err != nil || j.Status != domain.JobPending {
				continue
			}
			if _, err := q.rdb.ZScore(ctx, q.keys.Index(), j.ID).Result(); err == nil {
				continue
			}
			if _, err := q.rdb.ZScore(ctx, q.keys.Deferred(), j.ID).Result(); err == nil {
				continue
			}
			orphans = append(orphans, j.ID)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return orphans, nil
}

// Remove deletes a job record outright. Janitor use only.
func (q *Queue) Remove(ctx domain.Context, jobID string) error {
	if err := q.rdb.Del(ctx, q.keys.Job(jobID)).Err(); err != nil {
		return fmt.Errorf("op=queue.remove: %w", err)
	}
	return nil
}

// Ping reports Redis reachability for health checks.
func (q *Queue) Ping(ctx domain.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) refreshDepth(ctx domain.Context) {
	if n, err := q.rdb.ZCard(ctx, q.keys.Index()).Result(); err == nil {
		observability.QueueDepth.Set(float64(n))
	}
}
