// Package worker runs the single cooperative job executor for a queue
// namespace. It polls the priority queue, dispatches per-type handlers,
// yields to higher-priority work between items, and routes analyzer output
// through the quality gate.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/christian-cleanup/internal/adapter/observability"
	"github.com/fairyhunter13/christian-cleanup/internal/domain"
	"github.com/fairyhunter13/christian-cleanup/internal/service/progress"
	"github.com/fairyhunter13/christian-cleanup/internal/service/quality"
)

const backgroundFallbackLimit = 100

// errInterrupted signals that a handler yielded to higher-priority work.
var errInterrupted = errors.New("job interrupted")

// CurrentJob is the stats snapshot of the in-flight job.
type CurrentJob struct {
	ID        string          `json:"job_id"`
	Type      domain.JobType  `json:"job_type"`
	Priority  domain.Priority `json:"priority"`
	StartedAt time.Time       `json:"started_at"`
}

// Stats is the worker health snapshot served by /worker/health.
type Stats struct {
	Running         bool          `json:"running"`
	Uptime          time.Duration `json:"uptime"`
	JobsProcessed   int64         `json:"jobs_processed"`
	JobsFailed      int64         `json:"jobs_failed"`
	JobsInterrupted int64         `json:"jobs_interrupted"`
	LastHeartbeat   time.Time     `json:"last_heartbeat"`
	Current         *CurrentJob   `json:"current_job,omitempty"`
}

// Worker is the executor. Exactly one per queue namespace.
type Worker struct {
	queue     domain.Queue
	repo      domain.SongRepository
	analyzer  domain.Analyzer
	lyrics    domain.LyricsFetcher
	validator *quality.Validator
	tracker   *progress.Tracker

	pollInterval time.Duration
	now          func() time.Time

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	heartbeat time.Time
	processed int64
	failed    int64
	preempted int64
	current   *domain.Job

	stopRequested bool
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval overrides the idle polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New wires a Worker over its collaborators.
func New(q domain.Queue, repo domain.SongRepository, analyzer domain.Analyzer, lyrics domain.LyricsFetcher, tracker *progress.Tracker, opts ...Option) *Worker {
	w := &Worker{
		queue:        q,
		repo:         repo,
		analyzer:     analyzer,
		lyrics:       lyrics,
		validator:    quality.NewValidator(),
		tracker:      tracker,
		pollInterval: time.Second,
		now:          time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start launches the polling loop. Idempotent while running.
func (w *Worker) Start(ctx domain.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopRequested = false
	w.startedAt = w.now()
	w.heartbeat = w.startedAt
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop requests a graceful shutdown and waits up to timeout for the loop to
// exit. An in-flight job finishes its current item and is re-enqueued via
// interrupt. Returns false if the join timed out; the caller may escalate.
func (w *Worker) Stop(timeout time.Duration) bool {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return true
	}
	doneCh := w.doneCh
	if !w.stopRequested {
		w.stopRequested = true
		close(w.stopCh)
	}
	w.mu.Unlock()

	select {
	case <-doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stats returns the current health snapshot.
func (w *Worker) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Stats{
		Running:         w.running,
		JobsProcessed:   w.processed,
		JobsFailed:      w.failed,
		JobsInterrupted: w.preempted,
		LastHeartbeat:   w.heartbeat,
	}
	if w.running {
		s.Uptime = w.now().Sub(w.startedAt)
	}
	if w.current != nil {
		cur := CurrentJob{ID: w.current.ID, Type: w.current.Type, Priority: w.current.Priority}
		if w.current.StartedAt != nil {
			cur.StartedAt = *w.current.StartedAt
		}
		s.Current = &cur
	}
	return s
}

func (w *Worker) stopping() bool {
	w.mu.RLock()
	ch := w.stopCh
	w.mu.RUnlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (w *Worker) run(ctx domain.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		close(w.doneCh)
		w.mu.Unlock()
	}()

	slog.Info("worker started", slog.Duration("poll_interval", w.pollInterval))
	for {
		if w.stopping() {
			slog.Info("worker stopping")
			return
		}
		w.beat()

		if n, err := w.queue.ReleaseDue(ctx, w.now()); err != nil {
			slog.Warn("deferred release failed", slog.Any("error", err))
		} else if n > 0 {
			slog.Info("released deferred jobs", slog.Int("count", n))
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			slog.Error("dequeue failed", slog.Any("error", err))
			if !w.sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}
		w.process(ctx, job)
	}
}

// sleep pauses for d, returning false when the worker should exit.
func (w *Worker) sleep(ctx domain.Context, d time.Duration) bool {
	w.mu.RLock()
	stopCh := w.stopCh
	w.mu.RUnlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) beat() {
	w.mu.Lock()
	w.heartbeat = w.now()
	w.mu.Unlock()
}

func (w *Worker) setCurrent(j *domain.Job) {
	w.mu.Lock()
	w.current = j
	w.mu.Unlock()
}

func (w *Worker) process(ctx domain.Context, job *domain.Job) {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.priority", int(job.Priority)),
	)

	w.setCurrent(job)
	defer w.setCurrent(nil)

	log := slog.With(slog.String("job_id", job.ID), slog.String("job_type", string(job.Type)))
	log.Info("job started", slog.Int("priority", int(job.Priority)))

	var err error
	switch job.Type {
	case domain.JobTypeSong:
		err = w.handleSong(ctx, job)
	case domain.JobTypePlaylist:
		err = w.handlePlaylist(ctx, job)
	case domain.JobTypeBackground:
		err = w.handleBackground(ctx, job)
	default:
		err = fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidArgument, job.Type)
	}

	switch {
	case errors.Is(err, errInterrupted):
		if ierr := w.queue.Interrupt(ctx, job.ID); ierr != nil {
			log.Error("interrupt failed", slog.Any("error", ierr))
		}
		w.tracker.Complete(ctx, job.ID, false)
		w.mu.Lock()
		w.preempted++
		w.mu.Unlock()
		log.Info("job interrupted")
	case err != nil:
		if cerr := w.queue.Complete(ctx, job.ID, false, err.Error()); cerr != nil {
			log.Error("complete failed", slog.Any("error", cerr))
		}
		w.tracker.Complete(ctx, job.ID, false)
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		log.Error("job failed", slog.Any("error", err))
	default:
		if cerr := w.queue.Complete(ctx, job.ID, true, ""); cerr != nil {
			log.Error("complete failed", slog.Any("error", cerr))
		}
		w.tracker.Complete(ctx, job.ID, true)
		w.mu.Lock()
		w.processed++
		w.mu.Unlock()
		log.Info("job completed")
	}
}

// shouldPreempt reports whether a pending job outranks the current one. Checked
// only at item boundaries; in-flight items are never torn down.
func (w *Worker) shouldPreempt(ctx domain.Context, job *domain.Job) bool {
	higher, err := w.queue.HasHigherPriority(ctx, job.Priority)
	if err != nil {
		slog.Warn("preemption check failed", slog.Any("error", err))
		return false
	}
	return higher
}

func (w *Worker) handleSong(ctx domain.Context, job *domain.Job) error {
	if w.stopping() {
		return errInterrupted
	}
	w.tracker.Start(ctx, job.ID, job.Type, 1)

	w.tracker.SetPercent(ctx, job.ID, 30, "lyrics_fetching")
	song, err := w.repo.Get(ctx, job.TargetID)
	if err != nil {
		return fmt.Errorf("op=worker.song target_id=%d: %w", job.TargetID, err)
	}
	result, err := w.analyzeOne(ctx, job, song)
	if err != nil {
		return err
	}
	w.tracker.Update(ctx, job.ID, 1, "complete", "")
	return w.applyQualityGate(ctx, job, song.ID, result)
}

func (w *Worker) handlePlaylist(ctx domain.Context, job *domain.Job) error {
	ids, err := w.repo.PlaylistSongIDs(ctx, job.TargetID, job.Metadata.UnanalyzedOnly)
	if err != nil {
		return fmt.Errorf("op=worker.playlist target_id=%d: %w", job.TargetID, err)
	}
	return w.iterate(ctx, job, ids)
}

func (w *Worker) handleBackground(ctx domain.Context, job *domain.Job) error {
	ids := job.Metadata.SongIDs
	if len(ids) == 0 {
		var err error
		ids, err = w.repo.UnanalyzedSongIDs(ctx, backgroundFallbackLimit)
		if err != nil {
			return fmt.Errorf("op=worker.background: %w", err)
		}
	}
	return w.iterate(ctx, job, ids)
}

// iterate runs the shared per-song loop for playlist and background jobs.
// Single-song failures are logged and counted, never fatal. Preemption and
// shutdown are honored only between songs.
func (w *Worker) iterate(ctx domain.Context, job *domain.Job, ids []int64) error {
	w.tracker.Start(ctx, job.ID, job.Type, len(ids))
	if len(ids) == 0 {
		w.tracker.Update(ctx, job.ID, 0, "complete", "no songs to analyze")
		return nil
	}

	songFailures := 0
	for i, songID := range ids {
		if w.stopping() {
			return errInterrupted
		}
		if i > 0 && w.shouldPreempt(ctx, job) {
			return errInterrupted
		}
		w.beat()
		w.tracker.Update(ctx, job.ID, i, "analysis", fmt.Sprintf("song %d of %d", i+1, len(ids)))

		if err := w.analyzeAndPersist(ctx, job, songID); err != nil {
			songFailures++
			slog.Warn("song analysis failed; continuing",
				slog.String("job_id", job.ID),
				slog.Int64("song_id", songID),
				slog.Any("error", err))
		}
		w.tracker.Update(ctx, job.ID, i+1, "analysis", "")
	}

	msg := ""
	if songFailures > 0 {
		msg = fmt.Sprintf("%d of %d songs failed", songFailures, len(ids))
	}
	w.tracker.Update(ctx, job.ID, len(ids), "complete", msg)
	return nil
}

// analyzeAndPersist handles one song inside a multi-song job: skip when a
// prior analysis exists and the job only wants unanalyzed songs, otherwise
// analyze, grade, and persist per the quality decision. Multi-song jobs never
// re-enqueue on low grades; the result is simply not persisted.
func (w *Worker) analyzeAndPersist(ctx domain.Context, job *domain.Job, songID int64) error {
	if job.Metadata.UnanalyzedOnly || job.Type == domain.JobTypeBackground {
		if done, err := w.repo.HasAnalysis(ctx, songID); err == nil && done {
			return nil
		}
	}
	song, err := w.repo.Get(ctx, songID)
	if err != nil {
		return err
	}
	result, err := w.analyzeOne(ctx, job, song)
	if err != nil {
		return err
	}
	rep := w.validator.Evaluate(result)
	observability.QualityGradeTotal.WithLabelValues(string(rep.Grade)).Inc()
	decision := w.validator.Decide(rep)
	if !decision.Persist {
		return fmt.Errorf("analysis graded %s: %v", rep.Grade, rep.Errors)
	}
	return w.repo.SaveAnalysis(ctx, songID, result, decision.FlagForReview)
}

func (w *Worker) analyzeOne(ctx domain.Context, job *domain.Job, song domain.SongIdentity) (map[string]any, error) {
	if w.lyrics != nil {
		if _, err := w.lyrics.Fetch(ctx, song.Artist, song.Title); err != nil {
			slog.Warn("lyrics fetch failed; analyzing without lyrics",
				slog.String("job_id", job.ID),
				slog.Int64("song_id", song.ID),
				slog.Any("error", err))
		}
	}
	if job.Type == domain.JobTypeSong {
		w.tracker.SetPercent(ctx, job.ID, 70, "analysis")
	}
	result, err := w.analyzer.AnalyzeSong(ctx, song)
	if err != nil {
		return nil, fmt.Errorf("op=worker.analyze song_id=%d: %w", song.ID, err)
	}
	return result, nil
}

// applyQualityGate grades a single-song result and routes it: persist,
// persist-with-review plus a delayed retry, or reject plus a fast retry.
func (w *Worker) applyQualityGate(ctx domain.Context, job *domain.Job, songID int64, result map[string]any) error {
	rep := w.validator.Evaluate(result)
	observability.QualityGradeTotal.WithLabelValues(string(rep.Grade)).Inc()
	decision := w.validator.Decide(rep)

	log := slog.With(slog.String("job_id", job.ID), slog.String("grade", string(rep.Grade)))
	if len(rep.Recommendations) > 0 {
		log.Info("quality recommendations", slog.Any("recommendations", rep.Recommendations))
	}

	if decision.Persist {
		if err := w.repo.SaveAnalysis(ctx, songID, result, decision.FlagForReview); err != nil {
			return fmt.Errorf("op=worker.persist song_id=%d: %w", songID, err)
		}
	}
	if decision.Reenqueue {
		retry := domain.Job{
			ID:       uuid.New().String(),
			Type:     job.Type,
			Priority: decision.Priority,
			UserID:   job.UserID,
			TargetID: job.TargetID,
			Metadata: domain.JobMetadata{RetryOf: job.ID, Extra: job.Metadata.Extra},
		}
		releaseAt := w.now().Add(decision.Delay)
		if _, err := w.queue.EnqueueDelayed(ctx, retry, releaseAt); err != nil {
			log.Error("quality retry enqueue failed", slog.Any("error", err))
		} else {
			log.Info("quality gate re-enqueued job",
				slog.String("retry_job_id", retry.ID),
				slog.Duration("delay", decision.Delay),
				slog.Int("priority", int(decision.Priority)))
		}
	}
	if !decision.Persist {
		return fmt.Errorf("%w: analysis graded %s: %v", domain.ErrInvalidArgument, rep.Grade, rep.Errors)
	}
	return nil
}
