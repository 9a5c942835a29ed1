package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrExternalService   = errors.New("external service error")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrInternal          = errors.New("internal error")
)

// JobType enumerates the closed set of analysis job types.
type JobType string

const (
	JobTypeSong       JobType = "song_analysis"
	JobTypePlaylist   JobType = "playlist_analysis"
	JobTypeBackground JobType = "background_analysis"
)

// ValidJobType reports whether t is one of the known job types.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeSong, JobTypePlaylist, JobTypeBackground:
		return true
	}
	return false
}

// Priority orders jobs in the queue; a lower integer dequeues first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

// ValidPriority reports whether p is a known priority class.
func ValidPriority(p Priority) bool { return p >= PriorityHigh && p <= PriorityLow }

type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobInProgress  JobStatus = "in_progress"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobInterrupted JobStatus = "interrupted"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// JobMetadata carries the per-type recognized keys plus a passthrough map for
// forward compatibility. Only the fields matching the job's type are meaningful.
type JobMetadata struct {
	// Playlist analysis
	UnanalyzedOnly bool `json:"unanalyzed_only,omitempty"`
	// Background analysis
	SongIDs []int64 `json:"song_ids,omitempty"`
	// Quality-gate re-enqueues reference the job they retry.
	RetryOf string `json:"retry_of,omitempty"`
	// Extra holds unrecognized keys verbatim.
	Extra map[string]any `json:"extra,omitempty"`
}

// Job is a unit of scheduled analysis work.
// Invariants: ID unique for the life of the system; Priority and Type are
// immutable after creation; terminal records carry a finite TTL in storage.
type Job struct {
	ID           string      `json:"job_id"`
	Type         JobType     `json:"job_type"`
	Priority     Priority    `json:"priority"`
	UserID       int64       `json:"user_id"`
	TargetID     int64       `json:"target_id"`
	Status       JobStatus   `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at"`
	ErrorMessage string      `json:"error_message"`
	Metadata     JobMetadata `json:"metadata"`
}

// QueueStatus summarizes the queue for status endpoints.
type QueueStatus struct {
	TotalPending int               `json:"total_pending"`
	ByPriority   map[Priority]int  `json:"by_priority"`
	ByStatus     map[JobStatus]int `json:"by_status"`
	ActiveJob    *Job              `json:"active_job,omitempty"`
}

// Queue is the durable priority queue port (see adapter/queue/redisq).
type Queue interface {
	Enqueue(ctx Context, j Job) (string, error)
	// EnqueueDelayed holds the job in a deferred set until releaseAt, after
	// which ReleaseDue moves it into the priority index.
	EnqueueDelayed(ctx Context, j Job, releaseAt time.Time) (string, error)
	ReleaseDue(ctx Context, now time.Time) (int, error)
	Dequeue(ctx Context) (*Job, error)
	Complete(ctx Context, jobID string, success bool, errMsg string) error
	Interrupt(ctx Context, jobID string) error
	Get(ctx Context, jobID string) (*Job, error)
	GetActive(ctx Context) (*Job, error)
	// HasHigherPriority reports whether any pending job outranks p.
	HasHigherPriority(ctx Context, p Priority) (bool, error)
	Status(ctx Context) (QueueStatus, error)
	Clear(ctx Context, userID int64) (int, error)
}

// SongIdentity is what the analyzer needs to know about a song.
type SongIdentity struct {
	ID       int64
	Title    string
	Artist   string
	Explicit bool
}

// Analyzer is the opaque scoring collaborator. The result map carries at
// minimum the fields the quality validator checks.
type Analyzer interface {
	AnalyzeSong(ctx Context, song SongIdentity) (map[string]any, error)
}

// LyricsFetcher resolves lyrics text for a song, or "" on a miss.
type LyricsFetcher interface {
	Fetch(ctx Context, artist, title string) (string, error)
}

// SongRepository exposes the minimum relational surface the core reads/writes.
type SongRepository interface {
	Get(ctx Context, id int64) (SongIdentity, error)
	PlaylistSongIDs(ctx Context, playlistID int64, unanalyzedOnly bool) ([]int64, error)
	UnanalyzedSongIDs(ctx Context, limit int) ([]int64, error)
	// UserOwnsPlaylistWithSong backs the song-analyze authorization check.
	UserOwnsPlaylistWithSong(ctx Context, userID, songID int64) (bool, error)
	PlaylistOwner(ctx Context, playlistID int64) (int64, error)
	HasAnalysis(ctx Context, songID int64) (bool, error)
	SaveAnalysis(ctx Context, songID int64, result map[string]any, needsReview bool) error
}

// Context is an alias so the domain package stays decoupled from transport
// plumbing; adapters pass context.Context through unchanged.
type Context = context.Context
