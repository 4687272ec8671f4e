package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecard/internal/models"
)

func openTestLedger(t *testing.T) *SQLite {
	t.Helper()
	l, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func artifact(id string, stage models.Stage) models.StageArtifact {
	return models.StageArtifact{
		Key:        id + ":" + strings.ToLower(string(stage)),
		MimeType:   "application/octet-stream",
		ByteLength: 3,
		SHA256:     "abc",
	}
}

func TestCreateAndAdvanceThroughAllStages(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	job, err := l.Create(ctx, "job-1", models.SourceBatch)
	require.NoError(t, err)
	assert.Equal(t, models.StageCreated, job.Stage)
	assert.Equal(t, models.StatusPending, job.Status)

	for _, from := range []models.Stage{models.StageCreated, models.StageTranscribing, models.StageNormalizing, models.StageRendering} {
		applied, err := l.Advance(ctx, "job-1", from, artifact("job-1", from))
		require.NoError(t, err)
		require.True(t, applied, "advance from %s", from)
	}

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, got.Stage)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.EqualValues(t, 4, got.Version)
	require.Len(t, got.Artifacts, 4)
	assert.Equal(t, models.StageCreated, got.Artifacts[0].Stage)
	assert.Equal(t, models.StageRendering, got.Artifacts[3].Stage)
	assert.Equal(t, "job-1:rendering", got.Artifacts[3].Key)

	_, err = l.Advance(ctx, "job-1", models.StageCompleted, artifact("job-1", models.StageCompleted))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStartCreatesRunningJobOnce(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	job, created, err := l.Start(ctx, "job-1", models.SourceLive, artifact("job-1", models.StageCreated))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StageTranscribing, job.Stage)
	assert.Equal(t, models.StatusRunning, job.Status)
	assert.EqualValues(t, 1, job.Version)
	up, ok := job.Artifact(models.StageCreated)
	require.True(t, ok)
	assert.Equal(t, "job-1:created", up.Key)

	again, created, err := l.Start(ctx, "job-1", models.SourceLive, artifact("job-1", models.StageCreated))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.Version, again.Version)

	audit, err := l.Audit(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "created", audit[0].Event)
	assert.Equal(t, "advanced", audit[1].Event)

	stale, err := l.ListStale(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1, "a started job is visible to the recovery sweep")
}

func TestAdvanceLoserIsNoop(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	_, err := l.Create(ctx, "job-1", models.SourceBatch)
	require.NoError(t, err)
	applied, err := l.Advance(ctx, "job-1", models.StageCreated, artifact("job-1", models.StageCreated))
	require.NoError(t, err)
	require.True(t, applied)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Advance(ctx, "job-1", models.StageTranscribing, artifact("job-1", models.StageTranscribing))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	// A stale advance from an earlier stage never rewinds the job.
	applied, err = l.Advance(ctx, "job-1", models.StageTranscribing, artifact("job-1", models.StageTranscribing))
	require.NoError(t, err)
	assert.False(t, applied)
	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageNormalizing, got.Stage)
}

func TestFailBlocksAdvanceUntilRetry(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	_, err := l.Create(ctx, "job-1", models.SourceLive)
	require.NoError(t, err)
	_, err = l.Advance(ctx, "job-1", models.StageCreated, artifact("job-1", models.StageCreated))
	require.NoError(t, err)

	applied, err := l.Fail(ctx, "job-1", models.StageTranscribing, "speech model rejected audio")
	require.NoError(t, err)
	require.True(t, applied)

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "FAILED(TRANSCRIBING)", got.State())
	require.NotNil(t, got.LastError)
	assert.Equal(t, "transcribing failed: speech model rejected audio", *got.LastError)

	applied, err = l.Advance(ctx, "job-1", models.StageTranscribing, artifact("job-1", models.StageTranscribing))
	require.NoError(t, err)
	assert.False(t, applied, "failed job must not advance")

	applied, err = l.Fail(ctx, "job-1", models.StageTranscribing, "again")
	require.NoError(t, err)
	assert.False(t, applied)

	retried, err := l.Retry(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageTranscribing, retried.Stage)
	assert.Equal(t, models.StatusRunning, retried.Status)
	assert.Nil(t, retried.LastError)
	_, ok := retried.Artifact(models.StageCreated)
	assert.True(t, ok, "upstream artifact survives retry")

	_, err = l.Retry(ctx, "job-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	applied, err = l.Advance(ctx, "job-1", models.StageTranscribing, artifact("job-1", models.StageTranscribing))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestFailRejectsTerminalStages(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	_, err := l.Create(ctx, "job-1", models.SourceText)
	require.NoError(t, err)
	_, err = l.Fail(ctx, "job-1", models.StageCreated, "nope")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = l.Fail(ctx, "job-1", models.StageCompleted, "nope")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestListStaleAndClaim(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	for _, id := range []string{"a", "b"} {
		_, err := l.Create(ctx, id, models.SourceBatch)
		require.NoError(t, err)
		_, err = l.Advance(ctx, id, models.StageCreated, artifact(id, models.StageCreated))
		require.NoError(t, err)
	}
	_, err := l.Create(ctx, "pending", models.SourceBatch)
	require.NoError(t, err)

	stale, err := l.ListStale(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2, "only running jobs are stale candidates")

	none, err := l.ListStale(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	job := stale[0]
	ok, err := l.Claim(ctx, job.ID, job.Version)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Claim(ctx, job.ID, job.Version)
	require.NoError(t, err)
	assert.False(t, ok, "second sweeper loses the claim")
}

func TestAuditAndNotFound(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	_, err := l.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Advance(ctx, "missing", models.StageCreated, artifact("missing", models.StageCreated))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Retry(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Create(ctx, "job-1", models.SourceBatch)
	require.NoError(t, err)
	require.NoError(t, l.AppendAudit(ctx, "job-1", "card_ready", "http://localhost/jobs/job-1/card"))
	entries, err := l.Audit(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "created", entries[0].Event)
	assert.Equal(t, "card_ready", entries[1].Event)

	jobs, err := l.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestFailureReasonTruncates(t *testing.T) {
	long := strings.Repeat("音", 400)
	reason := FailureReason(models.StageNormalizing, long)
	assert.LessOrEqual(t, len(reason), maxReasonLen+3)
	assert.True(t, strings.HasPrefix(reason, "normalizing failed: "))
	assert.Equal(t, "rendering failed: failed without error detail", FailureReason(models.StageRendering, "  "))
}
