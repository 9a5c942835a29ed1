// Package postgres provides the PostgreSQL adapters for the relational side
// of the pipeline: songs, playlists, and stored analysis results.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/christian-cleanup/internal/domain"
)

// PgxPool is the minimal subset of pgxpool the repos need; kept small so
// tests can fake it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SongRepo implements domain.SongRepository over PostgreSQL.
type SongRepo struct{ Pool PgxPool }

// NewSongRepo constructs a SongRepo with the given pool.
func NewSongRepo(p PgxPool) *SongRepo { return &SongRepo{Pool: p} }

// Get loads a song's identity by id.
func (r *SongRepo) Get(ctx domain.Context, id int64) (domain.SongIdentity, error) {
	tracer := otel.Tracer("repo.songs")
	ctx, span := tracer.Start(ctx, "songs.Get")
	defer span.End()
	q := `SELECT id, title, artist, COALESCE(explicit, false) FROM songs WHERE id=$1`
	var s domain.SongIdentity
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.Title, &s.Artist, &s.Explicit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SongIdentity{}, fmt.Errorf("op=song.get id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.SongIdentity{}, fmt.Errorf("op=song.get id=%d: %w", id, err)
	}
	return s, nil
}

// PlaylistSongIDs lists the song ids of a playlist in track order, optionally
// restricted to songs with no stored analysis.
func (r *SongRepo) PlaylistSongIDs(ctx domain.Context, playlistID int64, unanalyzedOnly bool) ([]int64, error) {
	tracer := otel.Tracer("repo.songs")
	ctx, span := tracer.Start(ctx, "songs.PlaylistSongIDs")
	defer span.End()
	span.SetAttributes(attribute.Bool("playlist.unanalyzed_only", unanalyzedOnly))

	q := `SELECT ps.song_id FROM playlist_songs ps WHERE ps.playlist_id=$1 ORDER BY ps.track_position`
	if unanalyzedOnly {
		q = `SELECT ps.song_id FROM playlist_songs ps
		     LEFT JOIN analysis_results ar ON ar.song_id = ps.song_id
		     WHERE ps.playlist_id=$1 AND ar.song_id IS NULL
		     ORDER BY ps.track_position`
	}
	rows, err := r.Pool.Query(ctx, q, playlistID)
	if err != nil {
		return nil, fmt.Errorf("op=song.playlist_songs playlist_id=%d: %w", playlistID, err)
	}
	defer rows.Close()
	return scanIDs(rows, "op=song.playlist_songs")
}

// UnanalyzedSongIDs lists up to limit songs that have no stored analysis.
func (r *SongRepo) UnanalyzedSongIDs(ctx domain.Context, limit int) ([]int64, error) {
	tracer := otel.Tracer("repo.songs")
	ctx, span := tracer.Start(ctx, "songs.UnanalyzedSongIDs")
	defer span.End()
	q := `SELECT s.id FROM songs s
	      LEFT JOIN analysis_results ar ON ar.song_id = s.id
	      WHERE ar.song_id IS NULL
	      ORDER BY s.id
	      LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=song.unanalyzed: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows, "op=song.unanalyzed")
}

// UserOwnsPlaylistWithSong reports whether any playlist owned by userID
// contains songID. Backs the analyze-song authorization check.
func (r *SongRepo) UserOwnsPlaylistWithSong(ctx domain.Context, userID, songID int64) (bool, error) {
	tracer := otel.Tracer("repo.songs")
	ctx, span := tracer.Start(ctx, "songs.UserOwnsPlaylistWithSong")
	defer span.End()
	q := `SELECT EXISTS(
	        SELECT 1 FROM playlists p
	        JOIN playlist_songs ps ON ps.playlist_id = p.id
	        WHERE p.owner_id=$1 AND ps.song_id=$2)`
	var owns bool
	if err := r.Pool.QueryRow(ctx, q, userID, songID).Scan(&owns); err != nil {
		return false, fmt.Errorf("op=song.owns user_id=%d song_id=%d: %w", userID, songID, err)
	}
	return owns, nil
}

// PlaylistOwner returns the owning user of a playlist.
func (r *SongRepo) PlaylistOwner(ctx domain.Context, playlistID int64) (int64, error) {
	tracer := otel.Tracer("repo.songs")
	ctx, span := tracer.Start(ctx, "songs.PlaylistOwner")
	defer span.End()
	q := `SELECT owner_id FROM playlists WHERE id=$1`
	var owner int64
	if err := r.Pool.QueryRow(ctx, q, playlistID).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=song.playlist_owner playlist_id=%d: %w", playlistID, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=song.playlist_owner playlist_id=%d: %w", playlistID, err)
	}
	return owner, nil
}

// HasAnalysis reports whether a stored analysis exists for the song.
func (r *SongRepo) HasAnalysis(ctx domain.Context, songID int64) (bool, error) {
	tracer := otel.Tracer("repo.songs")
	ctx, span := tracer.Start(ctx, "songs.HasAnalysis")
	defer span.End()
	q := `SELECT EXISTS(SELECT 1 FROM analysis_results WHERE song_id=$1)`
	var has bool
	if err := r.Pool.QueryRow(ctx, q, songID).Scan(&has); err != nil {
		return false, fmt.Errorf("op=song.has_analysis song_id=%d: %w", songID, err)
	}
	return has, nil
}

// SaveAnalysis upserts the analyzer result for a song. Last write wins; the
// needs_review flag marks results the quality gate graded poor.
func (r *SongRepo) SaveAnalysis(ctx domain.Context, songID int64, result map[string]any, needsReview bool) error {
	tracer := otel.Tracer("repo.songs")
	ctx, span := tracer.Start(ctx, "songs.SaveAnalysis")
	defer span.End()
	span.SetAttributes(attribute.Bool("analysis.needs_review", needsReview))

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=song.save_analysis song_id=%d: %w", songID, err)
	}
	q := `INSERT INTO analysis_results (song_id, result, needs_review, created_at, updated_at)
	      VALUES ($1, $2, $3, $4, $4)
	      ON CONFLICT (song_id) DO UPDATE
	      SET result = EXCLUDED.result,
	          needs_review = EXCLUDED.needs_review,
	          updated_at = EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, songID, payload, needsReview, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=song.save_analysis song_id=%d: %w", songID, err)
	}
	return nil
}

func scanIDs(rows pgx.Rows, op string) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}
