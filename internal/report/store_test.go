package report

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/astro-report/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testutil.OpenTestDB(t, &Job{}), nil)
}

func sampleJob(key string) NewJob {
	return NewJob{
		IdempotencyKey:  key,
		UserID:          7,
		ReportType:      TypeYearAnalysis,
		Input:           Input{DOB: "1990-01-01", Name: "Asha"},
		PaymentIntentID: "pi_123",
	}
}

func sampleContent() Content {
	return Content{
		Title:    "Your Year Ahead",
		Sections: []Section{{ID: "overview", Title: "Overview", Body: "A steady year."}},
	}
}

func TestCreateProcessing_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.CreateProcessing(ctx, sampleJob("k1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusProcessing, first.Status)
	assert.True(t, strings.HasPrefix(first.ReportID, "RPT-"))
	assert.Nil(t, first.Content)
	assert.Nil(t, first.ErrorMessage)

	second, created, err := s.CreateProcessing(ctx, sampleJob("k1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ReportID, second.ReportID)

	var count int64
	require.NoError(t, s.db.Model(&Job{}).Where("idempotency_key = ?", "k1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateProcessing_ReturnsExistingTerminalRowUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j, _, err := s.CreateProcessing(ctx, sampleJob("k-done"))
	require.NoError(t, err)
	ok, err := s.MarkCompleted(ctx, j.IdempotencyKey, j.ReportID, sampleContent(), QualityHigh)
	require.NoError(t, err)
	require.True(t, ok)

	again, created, err := s.CreateProcessing(ctx, sampleJob("k-done"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, StatusCompleted, again.Status)
}

func TestMarkCompleted_ThenFailed_KeepsFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j, _, err := s.CreateProcessing(ctx, sampleJob("k2"))
	require.NoError(t, err)

	ok, err := s.MarkCompleted(ctx, j.IdempotencyKey, j.ReportID, sampleContent(), QualityHigh)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkFailed(ctx, j.IdempotencyKey, j.ReportID, CodeGenerationFailed, "late failure")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetByReportID(ctx, j.ReportID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Nil(t, got.ErrorCode)
	assert.Nil(t, got.ErrorMessage)
	content, err := got.DecodeContent()
	require.NoError(t, err)
	require.NotNil(t, content)
	assert.Equal(t, "Your Year Ahead", content.Title)
	require.NotNil(t, got.Quality)
	assert.Equal(t, QualityHigh, *got.Quality)
}

func TestMarkFailed_ThenCompleted_KeepsFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j, _, err := s.CreateProcessing(ctx, sampleJob("k3"))
	require.NoError(t, err)

	ok, err := s.MarkFailed(ctx, j.IdempotencyKey, j.ReportID, CodeGenerationFailed, "OpenAI API error")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkCompleted(ctx, j.IdempotencyKey, j.ReportID, sampleContent(), QualityHigh)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetByReportID(ctx, j.ReportID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, CodeGenerationFailed, *got.ErrorCode)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "OpenAI API error", *got.ErrorMessage)
	assert.Nil(t, got.Content)
}

func TestTerminalTransition_ConcurrentWritersOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j, _, err := s.CreateProcessing(ctx, sampleJob("k-race"))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			var err error
			if i%2 == 0 {
				ok, err = s.MarkCompleted(ctx, j.IdempotencyKey, j.ReportID, sampleContent(), QualityHigh)
			} else {
				ok, err = s.MarkFailed(ctx, j.IdempotencyKey, j.ReportID, CodeGenerationFailed, "boom")
			}
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMarkCompleted_UnknownReport(t *testing.T) {
	s := newTestStore(t)
	_, err := s.MarkCompleted(context.Background(), "nope", "RPT-NOPE", sampleContent(), QualityHigh)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeat_OnlyWhileProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j, _, err := s.CreateProcessing(ctx, sampleJob("k4"))
	require.NoError(t, err)

	ok, err := s.Heartbeat(ctx, j.IdempotencyKey, j.ReportID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetByReportID(ctx, j.ReportID)
	require.NoError(t, err)
	require.NotNil(t, got.HeartbeatAt)
	assert.Equal(t, StatusProcessing, got.Status)

	_, err = s.MarkFailed(ctx, j.IdempotencyKey, j.ReportID, CodeGenerationTimeout, "")
	require.NoError(t, err)

	ok, err = s.Heartbeat(ctx, j.IdempotencyKey, j.ReportID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListStaleProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale, _, err := s.CreateProcessing(ctx, sampleJob("stale"))
	require.NoError(t, err)
	done, _, err := s.CreateProcessing(ctx, sampleJob("done"))
	require.NoError(t, err)
	_, err = s.MarkCompleted(ctx, done.IdempotencyKey, done.ReportID, sampleContent(), QualityHigh)
	require.NoError(t, err)

	jobs, err := s.ListStaleProcessing(ctx, 10*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "fresh rows are not stale")

	base := time.Now().UTC()
	s.now = func() time.Time { return base.Add(time.Minute) }

	jobs, err = s.ListStaleProcessing(ctx, 10*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ReportID, jobs[0].ReportID)

	// a fresh heartbeat takes the row out of the stale set
	_, err = s.Heartbeat(ctx, stale.IdempotencyKey, stale.ReportID)
	require.NoError(t, err)
	jobs, err = s.ListStaleProcessing(ctx, 10*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClaimStale_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j, _, err := s.CreateProcessing(ctx, sampleJob("claim"))
	require.NoError(t, err)

	base := time.Now().UTC()
	s.now = func() time.Time { return base.Add(time.Minute) }

	ok, err := s.ClaimStale(ctx, j.ReportID, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimStale(ctx, j.ReportID, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second claim sees the fresh heartbeat")
}
