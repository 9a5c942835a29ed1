package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/christian-cleanup/internal/config"
	"github.com/fairyhunter13/christian-cleanup/internal/domain"
	"github.com/fairyhunter13/christian-cleanup/internal/usecase"
	"github.com/fairyhunter13/christian-cleanup/internal/worker"
)

// StatsProvider exposes worker health to the API; nil when this process
// hosts no worker.
type StatsProvider interface {
	Stats() worker.Stats
}

// Server bundles the control API handlers and their dependencies.
type Server struct {
	cfg      config.Config
	analysis usecase.AnalysisService
	worker   StatsProvider
	validate *validator.Validate
}

// NewServer constructs the API server.
func NewServer(cfg config.Config, analysis usecase.AnalysisService, w StatsProvider) *Server {
	return &Server{cfg: cfg, analysis: analysis, worker: w, validate: validator.New()}
}

// callerID extracts the authenticated user id the host application injects.
// Authentication itself is the host's concern; an absent header is treated
// as an unauthenticated request.
func callerID(r *http.Request) (int64, error) {
	raw := r.Header.Get("X-User-Id")
	if raw == "" {
		return 0, fmt.Errorf("%w: missing X-User-Id header", domain.ErrUnauthorized)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: malformed X-User-Id header", domain.ErrUnauthorized)
	}
	return id, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", domain.ErrInvalidArgument, name)
	}
	return id, nil
}

// AnalyzeSongHandler enqueues a high-priority song analysis.
// POST /songs/{song_id}/analyze
func (s *Server) AnalyzeSongHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		songID, err := pathID(r, "song_id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobID, err := s.analysis.AnalyzeSong(r.Context(), userID, songID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeSuccess(w, http.StatusAccepted, map[string]any{"job_id": jobID}, "analysis enqueued")
	}
}

// AnalyzePlaylistHandler enqueues a playlist analysis; unanalyzedOnly
// selects between the analyze-unanalyzed and reanalyze-all variants.
func (s *Server) AnalyzePlaylistHandler(unanalyzedOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		playlistID, err := pathID(r, "playlist_id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobID, err := s.analysis.AnalyzePlaylist(r.Context(), userID, playlistID, unanalyzedOnly)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeSuccess(w, http.StatusAccepted, map[string]any{"job_id": jobID}, "analysis enqueued")
	}
}

// AnalysisStatusHandler reports the aggregate pipeline status.
// GET /analysis/status
func (s *Server) AnalysisStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.analysis.Status(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeSuccess(w, http.StatusOK, st, "")
	}
}

// QueueStatusHandler reports the full queue summary.
// GET /queue/status
func (s *Server) QueueStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qs, err := s.analysis.Queue.Status(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeSuccess(w, http.StatusOK, qs, "")
	}
}

// QueueHealthHandler reports queue liveness: 200 when Redis is reachable and
// the queue is accessible, 503 otherwise.
// GET /queue/health
func (s *Server) QueueHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := s.analysis.Health(r.Context())
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, successEnvelope{Status: "success", Data: h})
	}
}

// staleHeartbeat bounds how old the worker heartbeat may be before the
// worker is reported unhealthy.
const staleHeartbeat = 30 * time.Second

// WorkerHealthHandler reports worker liveness and statistics.
// GET /worker/health
func (s *Server) WorkerHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.worker == nil {
			writeError(w, r, fmt.Errorf("%w: no worker in this process", domain.ErrNotFound), nil)
			return
		}
		st := s.worker.Stats()
		healthy := st.Running && time.Since(st.LastHeartbeat) < staleHeartbeat
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, successEnvelope{Status: "success", Data: map[string]any{
			"healthy": healthy,
			"stats":   st,
		}})
	}
}

// JobStatusHandler reports one job's record, progress, and ETA.
// GET /jobs/{job_id}/status
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		if jobID == "" {
			writeError(w, r, fmt.Errorf("%w: job_id required", domain.ErrInvalidArgument), nil)
			return
		}
		view, err := s.analysis.JobStatus(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeSuccess(w, http.StatusOK, view, "")
	}
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// CancelJobHandler cancels a non-terminal job.
// POST /jobs/{job_id}/cancel
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := callerID(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobID := chi.URLParam(r, "job_id")
		var req cancelRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, r, fmt.Errorf("%w: malformed body", domain.ErrInvalidArgument), nil)
				return
			}
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := s.analysis.CancelJob(r.Context(), jobID, req.Reason); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"job_id": jobID}, "job cancelled")
	}
}
