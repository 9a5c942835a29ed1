// Package usecase contains application business logic services.
package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/christian-cleanup/internal/adapter/observability"
	"github.com/fairyhunter13/christian-cleanup/internal/domain"
	"github.com/fairyhunter13/christian-cleanup/internal/service/progress"
)

// HealthChecker is the liveness surface of the queue adapter.
type HealthChecker interface {
	Ping(ctx domain.Context) error
}

// AnalysisService orchestrates enqueueing and status reads for the analysis
// pipeline.
type AnalysisService struct {
	Queue   domain.Queue
	Repo    domain.SongRepository
	Tracker *progress.Tracker
	Checker HealthChecker
}

// NewAnalysisService constructs an AnalysisService with its dependencies.
func NewAnalysisService(q domain.Queue, r domain.SongRepository, t *progress.Tracker, h HealthChecker) AnalysisService {
	return AnalysisService{Queue: q, Repo: r, Tracker: t, Checker: h}
}

// AnalyzeSong enqueues a high-priority song analysis. The caller must own a
// playlist containing the song.
func (s AnalysisService) AnalyzeSong(ctx domain.Context, userID, songID int64) (string, error) {
	if _, err := s.Repo.Get(ctx, songID); err != nil {
		return "", err
	}
	owns, err := s.Repo.UserOwnsPlaylistWithSong(ctx, userID, songID)
	if err != nil {
		return "", fmt.Errorf("op=analysis.analyze_song: %w", err)
	}
	if !owns {
		return "", fmt.Errorf("%w: song %d is not in any of your playlists", domain.ErrForbidden, songID)
	}
	return s.enqueue(ctx, domain.Job{
		Type:     domain.JobTypeSong,
		Priority: domain.PriorityHigh,
		UserID:   userID,
		TargetID: songID,
	})
}

// AnalyzePlaylist enqueues a playlist analysis for a playlist the caller
// owns. With unanalyzedOnly the worker skips songs that already have a
// stored analysis.
func (s AnalysisService) AnalyzePlaylist(ctx domain.Context, userID, playlistID int64, unanalyzedOnly bool) (string, error) {
	owner, err := s.Repo.PlaylistOwner(ctx, playlistID)
	if err != nil {
		return "", err
	}
	if owner != userID {
		return "", fmt.Errorf("%w: playlist %d", domain.ErrForbidden, playlistID)
	}
	return s.enqueue(ctx, domain.Job{
		Type:     domain.JobTypePlaylist,
		Priority: domain.PriorityMedium,
		UserID:   userID,
		TargetID: playlistID,
		Metadata: domain.JobMetadata{UnanalyzedOnly: unanalyzedOnly},
	})
}

// EnqueueBackground schedules a low-priority sweep over songIDs, or over a
// server-chosen batch of unanalyzed songs when empty.
func (s AnalysisService) EnqueueBackground(ctx domain.Context, userID int64, songIDs []int64) (string, error) {
	return s.enqueue(ctx, domain.Job{
		Type:     domain.JobTypeBackground,
		Priority: domain.PriorityLow,
		UserID:   userID,
		Metadata: domain.JobMetadata{SongIDs: songIDs},
	})
}

// enqueue hands the job to the queue adapter, which owns the enqueue metric.
func (s AnalysisService) enqueue(ctx domain.Context, j domain.Job) (string, error) {
	return s.Queue.Enqueue(ctx, j)
}

// AggregateStatus summarizes the queue for the status endpoint. The
// completion estimate is coarse: pending jobs priced at the per-item typical
// duration of a song analysis.
type AggregateStatus struct {
	TotalPending               int                          `json:"total_pending"`
	InProgress                 int                          `json:"in_progress"`
	ByPriority                 map[domain.Priority]int      `json:"by_priority"`
	ByStatus                   map[domain.JobStatus]int     `json:"by_status"`
	ActiveJob                  *domain.Job                  `json:"active_job,omitempty"`
	EstimatedCompletionMinutes float64                      `json:"estimated_completion_minutes"`
}

// Status builds the aggregate queue view.
func (s AnalysisService) Status(ctx domain.Context) (AggregateStatus, error) {
	qs, err := s.Queue.Status(ctx)
	if err != nil {
		return AggregateStatus{}, err
	}
	out := AggregateStatus{
		TotalPending: qs.TotalPending,
		InProgress:   qs.ByStatus[domain.JobInProgress],
		ByPriority:   qs.ByPriority,
		ByStatus:     qs.ByStatus,
		ActiveJob:    qs.ActiveJob,
	}
	if qs.TotalPending > 0 {
		est := s.Tracker.EstimateFor(domain.JobTypeSong, 0, qs.TotalPending, 0)
		out.EstimatedCompletionMinutes = est.Minutes()
	}
	observability.QueueDepth.Set(float64(qs.TotalPending))
	return out, nil
}

// JobView is the per-job status payload: the record plus live progress.
type JobView struct {
	Job        domain.Job       `json:"job"`
	Progress   *progress.Record `json:"progress,omitempty"`
	ETASeconds float64          `json:"eta_seconds"`
}

// JobStatus resolves one job with its progress and remaining-time estimate.
func (s AnalysisService) JobStatus(ctx domain.Context, jobID string) (JobView, error) {
	j, err := s.Queue.Get(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	if j == nil {
		return JobView{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	view := JobView{Job: *j}
	if rec, err := s.Tracker.Get(ctx, jobID); err == nil && rec != nil {
		view.Progress = rec
	}
	view.ETASeconds = s.Tracker.ETA(jobID).Seconds()
	return view, nil
}

// CancelJob transitions a non-terminal job to failed with an explicit reason.
func (s AnalysisService) CancelJob(ctx domain.Context, jobID, reason string) error {
	j, err := s.Queue.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is already %s", domain.ErrConflict, jobID, j.Status)
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	if err := s.Queue.Complete(ctx, jobID, false, "cancelled: "+reason); err != nil {
		return err
	}
	s.Tracker.Complete(ctx, jobID, false)
	return nil
}

// QueueHealth is the liveness view of the queue backend.
type QueueHealth struct {
	Healthy      bool       `json:"healthy"`
	RedisOK      bool       `json:"redis_ok"`
	TotalPending int        `json:"total_pending"`
	ActiveJobID  string     `json:"active_job_id,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// Health pings the backend and summarizes queue accessibility. A nil
// checker counts as reachable (tests).
func (s AnalysisService) Health(ctx domain.Context) QueueHealth {
	h := QueueHealth{RedisOK: true}
	if s.Checker != nil {
		if err := s.Checker.Ping(ctx); err != nil {
			h.RedisOK = false
			return h
		}
	}
	qs, err := s.Queue.Status(ctx)
	if err != nil {
		return h
	}
	h.Healthy = true
	h.TotalPending = qs.TotalPending
	if qs.ActiveJob != nil {
		h.ActiveJobID = qs.ActiveJob.ID
		if qs.ActiveJob.StartedAt != nil {
			h.LastActivity = qs.ActiveJob.StartedAt
		}
	}
	return h
}
