package recovery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"voicecard/internal/artifacts"
	"voicecard/internal/ledger"
	"voicecard/internal/logging"
	"voicecard/internal/models"
)

type publishRecord struct{ topic, jobID, ref string }

type recordingPublisher struct {
	mu  sync.Mutex
	out []publishRecord
}

func (p *recordingPublisher) Publish(_ context.Context, topic, jobID, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, publishRecord{topic, jobID, ref})
	return nil
}

func setup(t *testing.T) (*ledger.SQLite, *artifacts.FSStore, *recordingPublisher, *Sweeper) {
	t.Helper()
	l, err := ledger.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	st, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)
	pub := &recordingPublisher{}
	s := New(l, st, pub, Options{StaleAfter: time.Minute}, nil)
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	return l, st, pub, s
}

func put(t *testing.T, st *artifacts.FSStore, id string, stage models.Stage, data string) artifacts.Ref {
	t.Helper()
	ref, err := st.Put(context.Background(), artifacts.Key(id, stage), []byte(data),
		artifacts.Metadata{Stage: stage, MimeType: "text/plain", Immutable: true})
	require.NoError(t, err)
	return ref
}

func TestSweepRepublishesInputWhenNoOutput(t *testing.T) {
	ctx := context.Background()
	l, st, pub, s := setup(t)

	raw := put(t, st, "job-1", models.StageCreated, "audio")
	_, err := l.Create(ctx, "job-1", models.SourceBatch)
	require.NoError(t, err)
	_, err = l.Advance(ctx, "job-1", models.StageCreated, raw.StageArtifact())
	require.NoError(t, err)

	res, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Claimed: 1, Republished: 1}, res)
	assert.Equal(t, []publishRecord{{models.TopicAudioIngested, "job-1", "job-1:created"}}, pub.out)

	job, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageTranscribing, job.Stage, "republishing never moves the ledger")
}

func TestSweepAdvancesFromStoredOutput(t *testing.T) {
	ctx := context.Background()
	l, st, pub, s := setup(t)

	_, err := l.Create(ctx, "job-1", models.SourceBatch)
	require.NoError(t, err)
	_, err = l.Advance(ctx, "job-1", models.StageCreated, put(t, st, "job-1", models.StageCreated, "audio").StageArtifact())
	require.NoError(t, err)
	_, err = l.Advance(ctx, "job-1", models.StageTranscribing, put(t, st, "job-1", models.StageTranscribing, "盐适量").StageArtifact())
	require.NoError(t, err)
	// Crash after writing the normalized document, before the ledger moved.
	put(t, st, "job-1", models.StageNormalizing, "# doc")

	res, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Advanced)
	assert.Equal(t, []publishRecord{{models.TopicDocumentNormalized, "job-1", "job-1:normalizing"}}, pub.out)

	job, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageRendering, job.Stage)
	_, ok := job.Artifact(models.StageNormalizing)
	assert.True(t, ok)
}

func TestSweepSkipsFreshFailedAndPendingJobs(t *testing.T) {
	ctx := context.Background()
	l, st, pub, s := setup(t)

	_, err := l.Create(ctx, "pending", models.SourceBatch)
	require.NoError(t, err)
	_, err = l.Create(ctx, "failed", models.SourceBatch)
	require.NoError(t, err)
	_, err = l.Advance(ctx, "failed", models.StageCreated, put(t, st, "failed", models.StageCreated, "a").StageArtifact())
	require.NoError(t, err)
	_, err = l.Fail(ctx, "failed", models.StageTranscribing, "bad audio")
	require.NoError(t, err)

	res, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	assert.Empty(t, pub.out)

	s.now = time.Now
	_, err = l.Create(ctx, "fresh", models.SourceBatch)
	require.NoError(t, err)
	_, err = l.Advance(ctx, "fresh", models.StageCreated, put(t, st, "fresh", models.StageCreated, "a").StageArtifact())
	require.NoError(t, err)
	res, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned, "recently updated jobs are not stale")
}

func TestSweepLogsJobContext(t *testing.T) {
	ctx := context.Background()
	l, st, _, s := setup(t)
	core, logs := observer.New(zap.InfoLevel)
	s.log = zap.New(core)

	_, err := l.Create(ctx, "job-7", models.SourceLive)
	require.NoError(t, err)
	_, err = l.Advance(ctx, "job-7", models.StageCreated, put(t, st, "job-7", models.StageCreated, "a").StageArtifact())
	require.NoError(t, err)

	_, err = s.SweepOnce(ctx)
	require.NoError(t, err)

	entries := logs.FilterMessage("republished input event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "job-7", fields[logging.FieldJobID])
	assert.Equal(t, "TRANSCRIBING", fields[logging.FieldStage])
	assert.Equal(t, models.TopicAudioIngested, fields[logging.FieldTopic])
}
