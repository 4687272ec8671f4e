package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsValidate(t *testing.T) {
	t.Setenv("VOICECARD_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.LedgerDriver)
	assert.Equal(t, "fs", cfg.ArtifactBackend)
	assert.Equal(t, 2*time.Minute, cfg.TimeoutFor("RENDERING"))
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicecard.toml")
	body := `
queue_depth = 7
stage_timeout_transcribing = "45s"
public_base_url = "https://cards.example.com/"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("VOICECARD_CONFIG", path)
	t.Setenv("QUEUE_DEPTH", "9")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9, cfg.QueueDepth, "env overrides file")
	assert.Equal(t, 45*time.Second, cfg.TimeoutFor("transcribing"))
	assert.Equal(t, cfg.StageTimeout, cfg.TimeoutFor("NORMALIZING"))
	assert.Equal(t, "https://cards.example.com", cfg.PublicBaseURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("VOICECARD_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)

	cfg.LedgerDriver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg.LedgerDriver = "sqlite"
	cfg.ArtifactBackend = "s3"
	cfg.S3Bucket = ""
	assert.Error(t, cfg.Validate(), "s3 backend needs a bucket")

	cfg.S3Bucket = "cards"
	cfg.BackoffMax = cfg.BackoffInitial / 2
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("VOICECARD_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateTranscribeBackend(t *testing.T) {
	t.Setenv("VOICECARD_CONFIG", "")
	t.Setenv("TRANSCRIBE_BACKEND", "LOCAL")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.TranscribeBackend)
	require.NoError(t, cfg.Validate())

	cfg.WhisperModelPath = ""
	assert.Error(t, cfg.Validate(), "local backend needs a model file")

	cfg.TranscribeBackend = "cloud"
	assert.Error(t, cfg.Validate())
}
