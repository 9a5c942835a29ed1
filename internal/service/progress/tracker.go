// Package progress tracks per-job progress and remaining-time estimates.
// Records live in an in-process map for speed and are mirrored to Redis
// after every update so a restarted process can reconstruct them.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/christian-cleanup/internal/domain"
)

// mirrorTTL bounds how long a mirrored record outlives its job.
const mirrorTTL = 24 * time.Hour

// Record is the live progress state of one job. The JSON shape is the
// durable wire format shared with the Redis mirror and the status API:
// current_progress is the 0..1 item-completion fraction, step_progress is
// the optional 0..1 fraction within the current step, and
// estimated_duration_per_item is in seconds.
type Record struct {
	JobID                    string         `json:"job_id"`
	JobType                  domain.JobType `json:"job_type"`
	TotalItems               int            `json:"total_items"`
	CompletedItems           int            `json:"completed_items"`
	CurrentProgress          float64        `json:"current_progress"`
	StartTime                time.Time      `json:"start_time"`
	EstimatedDurationPerItem float64        `json:"estimated_duration_per_item"`
	CurrentStep              string         `json:"current_step"`
	StepProgress             *float64       `json:"step_progress"`
	CurrentMessage           string         `json:"current_message"`
	IsComplete               bool           `json:"is_complete"`
	ETASeconds               float64        `json:"eta_seconds"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

// Subscriber receives progress updates for one job. Called outside the
// tracker lock; panics are contained.
type Subscriber func(Record)

// Tracker owns the active-jobs map, the subscriber registry, and the Redis
// mirror. Safe for concurrent use.
type Tracker struct {
	rdb *redis.Client
	eta *ETACalculator

	mu          sync.RWMutex
	active      map[string]*Record
	subscribers map[string][]Subscriber

	now func() time.Time
}

// NewTracker constructs a Tracker mirroring to rdb. A nil rdb disables the
// mirror (tests).
func NewTracker(rdb *redis.Client, eta *ETACalculator) *Tracker {
	if eta == nil {
		eta = NewETACalculator()
	}
	return &Tracker{
		rdb:         rdb,
		eta:         eta,
		active:      make(map[string]*Record),
		subscribers: make(map[string][]Subscriber),
		now:         time.Now,
	}
}

func mirrorKey(jobID string) string { return "progress:" + jobID }

// Start registers a job with the tracker.
func (t *Tracker) Start(ctx domain.Context, jobID string, jobType domain.JobType, totalItems int) {
	if totalItems < 1 {
		totalItems = 1
	}
	now := t.now()
	rec := &Record{
		JobID:       jobID,
		JobType:     jobType,
		TotalItems:  totalItems,
		CurrentStep: "starting",
		StartTime:   now,
		UpdatedAt:   now,
	}
	t.refreshEstimates(rec)
	t.mu.Lock()
	t.active[jobID] = rec
	snapshot := *rec
	t.mu.Unlock()

	t.mirror(ctx, snapshot)
	t.notify(jobID, snapshot)
}

// refreshEstimates recomputes the derived fields of rec: the completion
// fraction, the per-item duration (live rate once any item finished, history
// average before that) and the remaining-time estimate. Callers hold the
// tracker lock or own rec exclusively.
func (t *Tracker) refreshEstimates(rec *Record) {
	rec.CurrentProgress = float64(rec.CompletedItems) / float64(rec.TotalItems)
	if rec.CompletedItems > 0 {
		elapsed := rec.UpdatedAt.Sub(rec.StartTime)
		rec.EstimatedDurationPerItem = (elapsed / time.Duration(rec.CompletedItems)).Seconds()
	} else {
		rec.EstimatedDurationPerItem = t.eta.TypicalItemDuration(rec.JobType).Seconds()
	}
	if rec.IsComplete {
		rec.ETASeconds = 0
		return
	}
	elapsed := rec.UpdatedAt.Sub(rec.StartTime)
	rec.ETASeconds = t.eta.Estimate(rec.JobType, rec.CompletedItems, rec.TotalItems, elapsed).Seconds()
}

// Update advances a job's progress. Unknown job ids are ignored; the worker
// may update after a stale-cleanup evicted the record.
func (t *Tracker) Update(ctx domain.Context, jobID string, completed int, step, message string) {
	t.mu.Lock()
	rec, ok := t.active[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if completed > rec.TotalItems {
		completed = rec.TotalItems
	}
	if completed >= 0 {
		rec.CompletedItems = completed
	}
	if step != "" {
		rec.CurrentStep = step
	}
	rec.CurrentMessage = message
	// Advancing to the next item invalidates any step-level fraction.
	rec.StepProgress = nil
	rec.UpdatedAt = t.now()
	t.refreshEstimates(rec)
	snapshot := *rec
	t.mu.Unlock()

	t.mirror(ctx, snapshot)
	t.notify(jobID, snapshot)
}

// SetPercent reports step-level progress that is finer than whole items,
// e.g. the lyrics-fetching phase of a single-song job. The percent is stored
// as a 0..1 step fraction alongside the item-level completion fraction.
func (t *Tracker) SetPercent(ctx domain.Context, jobID string, percent float64, step string) {
	t.mu.Lock()
	rec, ok := t.active[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	frac := percent / 100
	rec.StepProgress = &frac
	if step != "" {
		rec.CurrentStep = step
	}
	rec.UpdatedAt = t.now()
	t.refreshEstimates(rec)
	snapshot := *rec
	t.mu.Unlock()

	t.mirror(ctx, snapshot)
	t.notify(jobID, snapshot)
}

// Complete finalizes a job, records its observed per-item rate into the ETA
// history, and evicts it from the active map. The mirrored record stays in
// Redis until its TTL lapses so late status queries still resolve.
func (t *Tracker) Complete(ctx domain.Context, jobID string, success bool) {
	t.mu.Lock()
	rec, ok := t.active[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.active, jobID)
	delete(t.subscribers, jobID)
	rec.UpdatedAt = t.now()
	rec.IsComplete = true
	rec.StepProgress = nil
	if success {
		rec.CurrentStep = "complete"
		rec.CompletedItems = rec.TotalItems
	} else {
		rec.CurrentStep = "failed"
	}
	t.refreshEstimates(rec)
	snapshot := *rec
	t.mu.Unlock()

	if success && snapshot.CompletedItems > 0 {
		elapsed := snapshot.UpdatedAt.Sub(snapshot.StartTime)
		t.eta.Record(snapshot.JobType, elapsed/time.Duration(snapshot.CompletedItems))
	}
	t.mirror(ctx, snapshot)
}

// Get returns the live record for a job, falling back to the Redis mirror
// when this process has no in-memory state (post-restart lookups).
func (t *Tracker) Get(ctx domain.Context, jobID string) (*Record, error) {
	t.mu.RLock()
	rec, ok := t.active[jobID]
	if ok {
		snapshot := *rec
		t.mu.RUnlock()
		return &snapshot, nil
	}
	t.mu.RUnlock()

	if t.rdb == nil {
		return nil, nil
	}
	raw, err := t.rdb.Get(ctx, mirrorKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=progress.get job_id=%s: %w", jobID, err)
	}
	var mirrored Record
	if err := json.Unmarshal([]byte(raw), &mirrored); err != nil {
		return nil, fmt.Errorf("op=progress.get decode job_id=%s: %w", jobID, err)
	}
	return &mirrored, nil
}

// ETA returns the expected remaining duration for an active job, or 0 when
// the job is unknown or already done.
func (t *Tracker) ETA(jobID string) time.Duration {
	t.mu.RLock()
	rec, ok := t.active[jobID]
	if !ok {
		t.mu.RUnlock()
		return 0
	}
	snapshot := *rec
	t.mu.RUnlock()

	elapsed := t.now().Sub(snapshot.StartTime)
	return t.eta.Estimate(snapshot.JobType, snapshot.CompletedItems, snapshot.TotalItems, elapsed)
}

// EstimateFor exposes the calculator for jobs the tracker is not running,
// e.g. aggregate queue-drain estimates.
func (t *Tracker) EstimateFor(jobType domain.JobType, completed, total int, elapsed time.Duration) time.Duration {
	return t.eta.Estimate(jobType, completed, total, elapsed)
}

// Subscribe registers a callback for one job's updates. Notifications are
// best-effort; subscribers must tolerate missed and duplicate updates.
func (t *Tracker) Subscribe(jobID string, fn Subscriber) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[jobID] = append(t.subscribers[jobID], fn)
}

// CleanupStale finalizes and evicts active jobs older than maxAge. Guards
// against worker crashes that leak tracker state. Returns the evicted ids.
func (t *Tracker) CleanupStale(ctx domain.Context, maxAge time.Duration) []string {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	var stale []Record
	for id, rec := range t.active {
		if rec.StartTime.Before(cutoff) {
			rec.CurrentStep = "failed"
			rec.CurrentMessage = "evicted as stale"
			rec.IsComplete = true
			rec.UpdatedAt = t.now()
			stale = append(stale, *rec)
			delete(t.active, id)
			delete(t.subscribers, id)
		}
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, rec := range stale {
		ids = append(ids, rec.JobID)
		t.mirror(ctx, rec)
		slog.Warn("progress tracker evicted stale job",
			slog.String("job_id", rec.JobID),
			slog.Time("start_time", rec.StartTime))
	}
	return ids
}

// ActiveCount reports how many jobs the tracker is following.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

func (t *Tracker) mirror(ctx domain.Context, rec Record) {
	if t.rdb == nil {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("progress mirror encode failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
		return
	}
	if err := t.rdb.Set(ctx, mirrorKey(rec.JobID), raw, mirrorTTL).Err(); err != nil {
		slog.Warn("progress mirror write failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
}

// notify fans a snapshot out to the job's subscribers. A panicking
// subscriber is logged and dropped from the update, never propagated.
func (t *Tracker) notify(jobID string, rec Record) {
	t.mu.RLock()
	subs := make([]Subscriber, len(t.subscribers[jobID]))
	copy(subs, t.subscribers[jobID])
	t.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("progress subscriber panicked",
						slog.String("job_id", jobID),
						slog.Any("panic", r))
				}
			}()
			fn(rec)
		}()
	}
}
