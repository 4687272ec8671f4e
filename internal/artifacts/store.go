package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"voicecard/internal/config"
	"voicecard/internal/models"
)

var (
	// ErrNotFound is returned when no artifact exists under a key.
	ErrNotFound = errors.New("artifact not found")
	// ErrConflict is returned when different bytes are written under an immutable key.
	ErrConflict = errors.New("artifact conflict")
)

// Metadata describes an artifact at write time.
type Metadata struct {
	Stage     models.Stage
	MimeType  string
	Immutable bool
}

// Ref identifies a durable artifact and carries its recorded metadata.
type Ref struct {
	Key        string       `json:"key"`
	Stage      models.Stage `json:"stage"`
	MimeType   string       `json:"mime_type"`
	ByteLength int64        `json:"byte_length"`
	SHA256     string       `json:"sha256"`
	Immutable  bool         `json:"immutable"`
	CreatedAt  time.Time    `json:"created_at"`
}

// StageArtifact converts the ref into the ledger's pointer record.
func (r Ref) StageArtifact() models.StageArtifact {
	return models.StageArtifact{
		Stage:      r.Stage,
		Key:        r.Key,
		MimeType:   r.MimeType,
		ByteLength: r.ByteLength,
		SHA256:     r.SHA256,
		RecordedAt: time.Now().UTC(),
	}
}

// Store is durable key/value persistence for stage artifacts. Put returns only after the
// write is durable; identical rewrites are no-ops.
type Store interface {
	Put(ctx context.Context, key string, data []byte, meta Metadata) (Ref, error)
	Get(ctx context.Context, key string) ([]byte, Ref, error)
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (Ref, error)
}

// Key is the composite artifact key for the output of stage within a job.
func Key(jobID string, stage models.Stage) string {
	return jobID + ":" + strings.ToLower(string(stage))
}

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// resolve decides what a Put does given the artifact already stored under key.
// It returns true when the existing artifact satisfies the write.
func resolve(existing Ref, digest string, meta Metadata) (bool, error) {
	if existing.SHA256 == digest {
		return true, nil
	}
	if existing.Immutable || meta.Immutable {
		return false, fmt.Errorf("%w: %s already holds different content", ErrConflict, existing.Key)
	}
	return false, nil
}

// Open builds the backend selected by cfg.ArtifactBackend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.ArtifactBackend {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "fs", "":
		return NewFSStore(cfg.ArtifactDir)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}
