package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/christian-cleanup/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/christian-cleanup/internal/config"
	"github.com/fairyhunter13/christian-cleanup/internal/domain"
	"github.com/fairyhunter13/christian-cleanup/internal/service/progress"
	"github.com/fairyhunter13/christian-cleanup/internal/usecase"
	"github.com/fairyhunter13/christian-cleanup/internal/worker"
)

type stubRepo struct {
	songs         map[int64]domain.SongIdentity
	playlistOwner map[int64]int64
	owns          bool
}

func (r *stubRepo) Get(_ domain.Context, id int64) (domain.SongIdentity, error) {
	s, ok := r.songs[id]
	if !ok {
		return domain.SongIdentity{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *stubRepo) PlaylistSongIDs(domain.Context, int64, bool) ([]int64, error) { return nil, nil }
func (r *stubRepo) UnanalyzedSongIDs(domain.Context, int) ([]int64, error)       { return nil, nil }

func (r *stubRepo) UserOwnsPlaylistWithSong(domain.Context, int64, int64) (bool, error) {
	return r.owns, nil
}

func (r *stubRepo) PlaylistOwner(_ domain.Context, id int64) (int64, error) {
	owner, ok := r.playlistOwner[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return owner, nil
}

func (r *stubRepo) HasAnalysis(domain.Context, int64) (bool, error)            { return false, nil }
func (r *stubRepo) SaveAnalysis(domain.Context, int64, map[string]any, bool) error { return nil }

type stubChecker struct{ err error }

func (c stubChecker) Ping(domain.Context) error { return c.err }

type stubStats struct{ stats worker.Stats }

func (s stubStats) Stats() worker.Stats { return s.stats }

type fixture struct {
	srv    *Server
	router chi.Router
	queue  *redisq.Queue
	repo   *stubRepo
}

func newFixture(t *testing.T, w StatsProvider) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := redisq.New(rdb, "test")
	repo := &stubRepo{
		songs:         map[int64]domain.SongIdentity{1: {ID: 1, Title: "Song", Artist: "Artist"}},
		playlistOwner: map[int64]int64{7: 42},
		owns:          true,
	}
	tracker := progress.NewTracker(rdb, progress.NewETACalculator())
	analysis := usecase.NewAnalysisService(q, repo, tracker, nil)
	srv := NewServer(config.Config{}, analysis, w)

	r := chi.NewRouter()
	r.Post("/songs/{song_id}/analyze", srv.AnalyzeSongHandler())
	r.Post("/playlists/{playlist_id}/analyze-unanalyzed", srv.AnalyzePlaylistHandler(true))
	r.Post("/playlists/{playlist_id}/reanalyze-all", srv.AnalyzePlaylistHandler(false))
	r.Post("/jobs/{job_id}/cancel", srv.CancelJobHandler())
	r.Get("/analysis/status", srv.AnalysisStatusHandler())
	r.Get("/queue/status", srv.QueueStatusHandler())
	r.Get("/queue/health", srv.QueueHealthHandler())
	r.Get("/worker/health", srv.WorkerHealthHandler())
	r.Get("/jobs/{job_id}/status", srv.JobStatusHandler())

	return &fixture{srv: srv, router: r, queue: q, repo: repo}
}

func (f *fixture) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAnalyzeSong_Accepted(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/songs/1/analyze", "42", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "success", body["status"])
	data := body["data"].(map[string]any)
	jobID := data["job_id"].(string)
	assert.NotEmpty(t, jobID)

	j, err := f.queue.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, domain.JobTypeSong, j.Type)
	assert.Equal(t, domain.PriorityHigh, j.Priority)
}

func TestAnalyzeSong_MissingAuthHeader(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/songs/1/analyze", "", "")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "error", body["status"])
	apiErr := body["error"].(map[string]any)
	assert.Equal(t, float64(http.StatusUnauthorized), apiErr["code"])
	assert.Equal(t, "AuthenticationError", apiErr["type"])
	assert.NotEmpty(t, apiErr["id"])
	assert.NotEmpty(t, apiErr["timestamp"])
}

func TestAnalyzeSong_BadPathParam(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/songs/abc/analyze", "42", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ValidationError", body["error"].(map[string]any)["type"])
}

func TestAnalyzeSong_NotFoundAndForbidden(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/songs/999/analyze", "42", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ResourceNotFound", decode(t, rec)["error"].(map[string]any)["type"])

	f.repo.owns = false
	rec = f.do(t, http.MethodPost, "/songs/1/analyze", "42", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "AuthorizationError", decode(t, rec)["error"].(map[string]any)["type"])
}

func TestAnalyzePlaylist_Variants(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/playlists/7/analyze-unanalyzed", "42", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode(t, rec)["data"].(map[string]any)["job_id"].(string)
	j, err := f.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, j.Metadata.UnanalyzedOnly)

	rec = f.do(t, http.MethodPost, "/playlists/7/reanalyze-all", "42", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID = decode(t, rec)["data"].(map[string]any)["job_id"].(string)
	j, err = f.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, j.Metadata.UnanalyzedOnly)

	// Not the owner.
	rec = f.do(t, http.MethodPost, "/playlists/7/analyze-unanalyzed", "9", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAnalysisStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/songs/1/analyze", "42", "")

	rec := f.do(t, http.MethodGet, "/analysis/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, float64(1), data["total_pending"])
}

func TestQueueStatusAndHealth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/queue/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/queue/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, true, data["healthy"])

	f.srv.analysis.Checker = stubChecker{err: context.DeadlineExceeded}
	rec = f.do(t, http.MethodGet, "/queue/health", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWorkerHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/worker/health", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f = newFixture(t, stubStats{stats: worker.Stats{Running: true, LastHeartbeat: time.Now()}})
	rec = f.do(t, http.MethodGet, "/worker/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, true, data["healthy"])

	f = newFixture(t, stubStats{stats: worker.Stats{Running: false}})
	rec = f.do(t, http.MethodGet, "/worker/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobStatus(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/jobs/ghost/status", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/songs/1/analyze", "42", "")
	jobID := decode(t, rec)["data"].(map[string]any)["job_id"].(string)

	rec = f.do(t, http.MethodGet, "/jobs/"+jobID+"/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	job := data["job"].(map[string]any)
	assert.Equal(t, jobID, job["job_id"])
	assert.Equal(t, "pending", job["status"])
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/songs/1/analyze", "42", "")
	jobID := decode(t, rec)["data"].(map[string]any)["job_id"].(string)

	// Cancelling requires authentication.
	rec = f.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", "42", `{"reason":"duplicate request"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	j, err := f.queue.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "duplicate request")

	// A second cancel conflicts.
	rec = f.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", "42", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelJob_ReasonTooLong(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/songs/1/analyze", "42", "")
	jobID := decode(t, rec)["data"].(map[string]any)["job_id"].(string)

	long := strings.Repeat("x", 501)
	rec = f.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", "42", `{"reason":"`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
