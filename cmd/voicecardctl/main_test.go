package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecard/internal/artifacts"
	"voicecard/internal/config"
	"voicecard/internal/gateway"
	"voicecard/internal/ledger"
	"voicecard/internal/ratelimit"
	"voicecard/internal/router"
)

func startGateway(t *testing.T) string {
	t.Helper()
	l, err := ledger.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	st, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := router.New(rdb, router.Options{}, nil)
	cfg := config.Config{IngestMaxBytes: 1 << 20, RecordingTTL: time.Minute}
	svc := gateway.New(cfg, l, st, r, r, rdb, nil)
	srv := httptest.NewServer(gateway.NewServer(svc, ratelimit.NewTokenBucket(rdb, 0, 0)).Router())
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIngestListStatusFetch(t *testing.T) {
	server := startGateway(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "recipe.txt")
	require.NoError(t, os.WriteFile(input, []byte("盐适量"), 0o644))

	out, err := run(t, "--server", server, "--json", "ingest", input)
	require.NoError(t, err)
	assert.Contains(t, out, `"source": "text"`)

	out, err = run(t, "--server", server, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TRANSCRIBING")
	assert.Contains(t, out, "text")

	_, err = run(t, "--server", server, "fetch", "missing")
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	out, err = run(t, "--server", server, "dlq")
	require.NoError(t, err)
	assert.Contains(t, out, "DLQ is empty")
}

func TestFailThenFetchReportsReason(t *testing.T) {
	server := startGateway(t)
	input := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, os.WriteFile(input, []byte("RIFF"), 0o644))

	client := gateway.NewClient(server, nil)
	_, err := run(t, "--server", server, "ingest", input)
	require.NoError(t, err)
	jobs, err := client.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	id := jobs[0].ID

	_, err = run(t, "--server", server, "fetch", id, "-o", filepath.Join(t.TempDir(), "card.png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")

	out, err := run(t, "--server", server, "fail", id, "--reason", "bad upload")
	require.NoError(t, err)
	assert.Contains(t, out, "FAILED(TRANSCRIBING)")

	_, err = run(t, "--server", server, "fetch", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcribing failed: bad upload")

	out, err = run(t, "--server", server, "status", id)
	require.NoError(t, err)
	assert.Contains(t, out, "last error: transcribing failed: bad upload")
	assert.Contains(t, out, "failed")

	out, err = run(t, "--server", server, "retry", id)
	require.NoError(t, err)
	assert.Contains(t, out, "TRANSCRIBING")
}

func TestGuessMime(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", guessMime("a.TXT"))
	assert.Equal(t, "audio/webm", guessMime("take.webm"))
	assert.Equal(t, "application/octet-stream", guessMime("blob"))
}
