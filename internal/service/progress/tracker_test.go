package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/christian-cleanup/internal/domain"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewTracker(rdb, NewETACalculator()), mr
}

func TestTracker_StartUpdateComplete(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Start(ctx, "job-1", domain.JobTypePlaylist, 4)
	rec, err := tr.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "starting", rec.CurrentStep)
	assert.Equal(t, 4, rec.TotalItems)
	assert.Zero(t, rec.CurrentProgress)
	assert.False(t, rec.IsComplete)
	assert.Greater(t, rec.EstimatedDurationPerItem, 0.0)

	tr.Update(ctx, "job-1", 2, "analysis", "song 2 of 4")
	rec, err = tr.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.CompletedItems)
	assert.InDelta(t, 0.5, rec.CurrentProgress, 0.001)
	assert.Equal(t, "song 2 of 4", rec.CurrentMessage)

	tr.Complete(ctx, "job-1", true)
	assert.Zero(t, tr.ActiveCount())

	// The mirror still answers after completion.
	rec, err = tr.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "complete", rec.CurrentStep)
	assert.InDelta(t, 1.0, rec.CurrentProgress, 0.001)
	assert.True(t, rec.IsComplete)
	assert.Zero(t, rec.ETASeconds)
}

func TestTracker_UpdateClampsToTotal(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Start(ctx, "job-1", domain.JobTypeSong, 1)
	tr.Update(ctx, "job-1", 5, "analysis", "")
	rec, err := tr.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CompletedItems)
	assert.InDelta(t, 1.0, rec.CurrentProgress, 0.001)
}

func TestTracker_UnknownJobIgnored(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Update(ctx, "ghost", 1, "analysis", "")
	tr.Complete(ctx, "ghost", true)
	rec, err := tr.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTracker_MirrorSurvivesRestart(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	tr.Start(ctx, "job-1", domain.JobTypeBackground, 10)
	tr.Update(ctx, "job-1", 7, "analysis", "")

	// A fresh tracker against the same Redis sees the mirrored record.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fresh := NewTracker(rdb, NewETACalculator())
	rec, err := fresh.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 7, rec.CompletedItems)
	assert.Equal(t, domain.JobTypeBackground, rec.JobType)

	ttl := mr.TTL("progress:job-1")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 24*time.Hour)
}

func TestTracker_MirrorWireFormat(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	tr.Start(ctx, "job-1", domain.JobTypePlaylist, 4)
	tr.Update(ctx, "job-1", 1, "analysis", "song 1 of 4")
	tr.SetPercent(ctx, "job-1", 30, "lyrics_fetching")

	raw, err := mr.Get("progress:job-1")
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	assert.Equal(t, "job-1", m["job_id"])
	assert.Equal(t, "playlist_analysis", m["job_type"])
	assert.Equal(t, 4.0, m["total_items"])
	assert.Equal(t, 1.0, m["completed_items"])
	assert.InDelta(t, 0.25, m["current_progress"].(float64), 0.001, "item fraction, not a percentage")
	assert.Equal(t, "lyrics_fetching", m["current_step"])
	assert.InDelta(t, 0.3, m["step_progress"].(float64), 0.001, "step fraction, not a percentage")
	assert.Equal(t, "song 1 of 4", m["current_message"])
	assert.Equal(t, false, m["is_complete"])
	assert.Greater(t, m["eta_seconds"].(float64), 0.0)
	assert.Greater(t, m["estimated_duration_per_item"].(float64), 0.0)
	assert.Contains(t, m, "start_time")
}

func TestTracker_SubscriberReceivesUpdates(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	var got []Record
	tr.Subscribe("job-1", func(r Record) { got = append(got, r) })
	tr.Start(ctx, "job-1", domain.JobTypeSong, 1)
	tr.SetPercent(ctx, "job-1", 30, "lyrics_fetching")
	tr.Update(ctx, "job-1", 1, "complete", "")

	require.Len(t, got, 3)
	assert.Equal(t, "starting", got[0].CurrentStep)
	assert.Equal(t, "lyrics_fetching", got[1].CurrentStep)
	require.NotNil(t, got[1].StepProgress)
	assert.InDelta(t, 0.3, *got[1].StepProgress, 0.001)
	assert.InDelta(t, 1.0, got[2].CurrentProgress, 0.001)
	assert.Nil(t, got[2].StepProgress, "item advance clears the step fraction")
}

func TestTracker_PanickingSubscriberIsContained(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	calls := 0
	tr.Subscribe("job-1", func(Record) { panic("boom") })
	tr.Subscribe("job-1", func(Record) { calls++ })

	tr.Start(ctx, "job-1", domain.JobTypeSong, 1)
	tr.Update(ctx, "job-1", 1, "complete", "")
	assert.Equal(t, 2, calls, "healthy subscriber keeps receiving updates")
}

func TestTracker_CleanupStale(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Start(ctx, "old", domain.JobTypeSong, 1)
	tr.Start(ctx, "fresh", domain.JobTypeSong, 1)

	// Backdate one record past the cutoff.
	tr.mu.Lock()
	tr.active["old"].StartTime = time.Now().Add(-25 * time.Hour)
	tr.mu.Unlock()

	evicted := tr.CleanupStale(ctx, 24*time.Hour)
	assert.Equal(t, []string{"old"}, evicted)
	assert.Equal(t, 1, tr.ActiveCount())

	rec, err := tr.Get(ctx, "old")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "failed", rec.CurrentStep)
	assert.True(t, rec.IsComplete)
}

func TestETACalculator_DefaultsWhenEmpty(t *testing.T) {
	c := NewETACalculator()
	got := c.Estimate(domain.JobTypeSong, 0, 1, 0)
	assert.Equal(t, 30*time.Second, got)
	got = c.Estimate(domain.JobTypePlaylist, 0, 4, 0)
	assert.Equal(t, 100*time.Second, got)
	got = c.Estimate(domain.JobTypeBackground, 0, 10, 0)
	assert.Equal(t, 200*time.Second, got)
}

func TestETACalculator_HistoryAverageBeatsDefault(t *testing.T) {
	c := NewETACalculator()
	c.Record(domain.JobTypeSong, 10*time.Second)
	c.Record(domain.JobTypeSong, 20*time.Second)
	got := c.Estimate(domain.JobTypeSong, 0, 2, 0)
	assert.Equal(t, 30*time.Second, got, "2 items at the 15s history average")
}

func TestETACalculator_LiveRateWinsOnceDataExists(t *testing.T) {
	c := NewETACalculator()
	c.Record(domain.JobTypePlaylist, time.Hour) // history must be ignored
	got := c.Estimate(domain.JobTypePlaylist, 2, 10, 20*time.Second)
	assert.Equal(t, 80*time.Second, got, "8 remaining at the live 10s/item rate")
}

func TestETACalculator_DoneJobHasZeroETA(t *testing.T) {
	c := NewETACalculator()
	assert.Zero(t, c.Estimate(domain.JobTypeSong, 3, 3, time.Minute))
}

func TestDurationRing_WrapAround(t *testing.T) {
	r := newDurationRing(3)
	for i := 1; i <= 5; i++ {
		r.push(time.Duration(i) * time.Second)
	}
	assert.Equal(t, 3, r.len())
	assert.Equal(t, 4*time.Second, r.average(), "holds 3s, 4s, 5s after wrap")
}

func TestTracker_ETAUsesLiveRate(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Start(ctx, "job-1", domain.JobTypePlaylist, 10)

	tr.now = func() time.Time { return base.Add(20 * time.Second) }
	tr.Update(ctx, "job-1", 2, "analysis", "")

	got := tr.ETA("job-1")
	assert.Equal(t, 80*time.Second, got)
}
