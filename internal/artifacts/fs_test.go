package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecard/internal/models"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	st, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestFSStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	key := Key("job-1", models.StageTranscribing)
	data := []byte("盐适量")

	ref, err := st.Put(ctx, key, data, Metadata{Stage: models.StageTranscribing, MimeType: "text/plain", Immutable: true})
	require.NoError(t, err)
	assert.Equal(t, "job-1:transcribing", ref.Key)
	assert.Equal(t, int64(len(data)), ref.ByteLength)

	got, gotRef, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, ref.SHA256, gotRef.SHA256)

	ok, err := st.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFSStoreIdempotentAndConflict(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	key := Key("job-2", models.StageRendering)
	meta := Metadata{Stage: models.StageRendering, MimeType: "image/png", Immutable: true}

	first, err := st.Put(ctx, key, []byte("P"), meta)
	require.NoError(t, err)
	second, err := st.Put(ctx, key, []byte("P"), meta)
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "identical put must not rewrite")

	_, err = st.Put(ctx, key, []byte("Q"), meta)
	assert.ErrorIs(t, err, ErrConflict)

	got, _, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("P"), got)
}

func TestFSStoreMutableOverwrite(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	key := Key("job-3", models.StageNormalizing)
	meta := Metadata{Stage: models.StageNormalizing, MimeType: "text/markdown"}

	_, err := st.Put(ctx, key, []byte("v1"), meta)
	require.NoError(t, err)
	_, err = st.Put(ctx, key, []byte("v2"), meta)
	require.NoError(t, err)

	got, _, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	bins, err := filepath.Glob(filepath.Join(st.root, "job-3", "normalizing.*.bin"))
	require.NoError(t, err)
	assert.Len(t, bins, 1, "the replaced version is removed")
}

func TestFSStoreUncommittedOverwriteKeepsOldVersion(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	key := Key("job-5", models.StageRendering)
	meta := Metadata{Stage: models.StageRendering, MimeType: "image/png"}

	_, err := st.Put(ctx, key, []byte("old"), meta)
	require.NoError(t, err)

	// A crash after the new content lands but before the sidecar is swapped.
	base, _, _, err := st.paths(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dataPath(base, Digest([]byte("new"))), []byte("new"), 0o644))

	got, ref, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got)
	assert.Equal(t, Digest([]byte("old")), ref.SHA256)
}

func TestFSStoreGetDuringOverwrites(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	key := Key("job-6", models.StageRendering)
	meta := Metadata{Stage: models.StageRendering, MimeType: "image/png"}
	_, err := st.Put(ctx, key, []byte("v0"), meta)
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 1; i <= 50; i++ {
			_, err := st.Put(ctx, key, []byte(fmt.Sprintf("v%d", i)), meta)
			assert.NoError(t, err)
		}
	}()
	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		data, ref, err := st.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, ref.SHA256, Digest(data))
	}
}

func TestFSStoreNotFoundAndBadKey(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, _, err := st.Get(ctx, "missing:created")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := st.Exists(ctx, "missing:created")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.Put(ctx, "../escape:created", []byte("x"), Metadata{})
	assert.Error(t, err)
}

func TestFSStoreConcurrentSameContentConverges(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	key := Key("job-4", models.StageCreated)
	meta := Metadata{Stage: models.StageCreated, MimeType: "audio/mpeg", Immutable: true}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Put(ctx, key, []byte("audio-bytes"), meta)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, _, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), got)
}
