package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicecard/internal/models"
)

var (
	ErrRecordingNotFound = errors.New("recording not found or expired")
	ErrChunkConflict     = errors.New("chunk already stored with different bytes")
)

// SequenceGapError means a live recording was finished with a missing chunk.
type SequenceGapError struct {
	Missing int
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("recording is missing chunk %d", e.Missing)
}

// Recording is an open live-capture session. Chunks are staged in Redis until finish.
type Recording struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

const (
	chunkPrefix = "chunk:"
	fieldBytes  = "bytes"
	fieldJob    = "job"
)

func recordingKey(id string) string { return "recording:" + id }

func (s *Service) OpenRecording(ctx context.Context) (Recording, error) {
	id := uuid.NewString()
	if err := s.rdb.HSet(ctx, recordingKey(id), fieldBytes, 0).Err(); err != nil {
		return Recording{}, fmt.Errorf("open recording: %w", err)
	}
	if err := s.rdb.PExpire(ctx, recordingKey(id), s.recordingTTL).Err(); err != nil {
		return Recording{}, fmt.Errorf("open recording: %w", err)
	}
	return Recording{ID: id, ExpiresAt: time.Now().Add(s.recordingTTL)}, nil
}

// AppendChunk stores chunk seq of a recording. Re-sending identical bytes for a seq is a
// no-op; different bytes are rejected.
func (s *Service) AppendChunk(ctx context.Context, id string, seq int, data []byte) error {
	if seq < 0 {
		return fmt.Errorf("invalid chunk sequence %d", seq)
	}
	if len(data) == 0 {
		return ErrEmptyInput
	}
	res, err := appendChunkScript.Run(ctx, s.rdb, []string{recordingKey(id)},
		chunkField(seq), data, s.maxBytes, s.recordingTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	switch res {
	case -1:
		return ErrRecordingNotFound
	case -2:
		return ErrChunkConflict
	case -3:
		return ErrTooLarge
	case -4:
		return fmt.Errorf("%w: recording already finished", ErrChunkConflict)
	}
	return nil
}

// FinishRecording concatenates chunks 0..n-1 and ingests them as one live job. Every
// finish of the same recording, concurrent or repeated, returns the same job.
func (s *Service) FinishRecording(ctx context.Context, id, mimeType string) (models.Job, error) {
	mediaType, err := checkMediaType(mimeType, models.SourceLive)
	if err != nil {
		return models.Job{}, err
	}
	key := recordingKey(id)
	for range maxFinishReads {
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return models.Job{}, fmt.Errorf("load recording: %w", err)
		}
		if len(fields) == 0 {
			return models.Job{}, ErrRecordingNotFound
		}
		jobID := fields[fieldJob]
		if jobID == "" {
			// Validate before claiming so a gap leaves the session open for the missing chunk.
			if _, err := assemble(fields); err != nil {
				return models.Job{}, err
			}
			won, err := s.claimRecording(ctx, key, fields[fieldBytes])
			if err != nil {
				return models.Job{}, err
			}
			if won == "" {
				// Chunks changed or another finish claimed first; read again.
				continue
			}
			jobID = won
		}
		if !hasChunks(fields) {
			// Chunks are only dropped once the job exists.
			return s.job(ctx, jobID)
		}
		audio, err := assemble(fields)
		if err != nil {
			return models.Job{}, err
		}
		job, err := s.start(ctx, jobID, audio, mediaType, models.SourceLive)
		if err != nil {
			return models.Job{}, err
		}
		s.dropChunks(ctx, key, fields)
		return job, nil
	}
	return models.Job{}, fmt.Errorf("%w: recording changed while finishing", ErrChunkConflict)
}

const maxFinishReads = 5

// claimRecording pins a fresh job id on the recording if its byte count still matches
// what the caller assembled. It returns "" when the caller must re-read the session.
func (s *Service) claimRecording(ctx context.Context, key, seenBytes string) (string, error) {
	res, err := claimRecordingScript.Run(ctx, s.rdb, []string{key}, uuid.NewString(), seenBytes).Slice()
	if err != nil {
		return "", fmt.Errorf("claim recording: %w", err)
	}
	code, _ := res[0].(int64)
	switch code {
	case -1:
		return "", ErrRecordingNotFound
	case 1:
		id, _ := res[1].(string)
		return id, nil
	}
	return "", nil
}

func (s *Service) dropChunks(ctx context.Context, key string, fields map[string]string) {
	var chunks []string
	for f := range fields {
		if strings.HasPrefix(f, chunkPrefix) {
			chunks = append(chunks, f)
		}
	}
	if err := s.rdb.HDel(ctx, key, chunks...).Err(); err != nil {
		s.log.Warn("drop recording chunks", zap.String("recording", strings.TrimPrefix(key, "recording:")), zap.Error(err))
	}
}

func hasChunks(fields map[string]string) bool {
	for f := range fields {
		if strings.HasPrefix(f, chunkPrefix) {
			return true
		}
	}
	return false
}

func assemble(fields map[string]string) ([]byte, error) {
	seqs := make([]int, 0, len(fields))
	for f := range fields {
		if !strings.HasPrefix(f, chunkPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(f, chunkPrefix))
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	if len(seqs) == 0 {
		return nil, ErrEmptyInput
	}
	sort.Ints(seqs)
	var buf bytes.Buffer
	for i, n := range seqs {
		if n != i {
			return nil, &SequenceGapError{Missing: i}
		}
		buf.WriteString(fields[chunkField(n)])
	}
	return buf.Bytes(), nil
}

func chunkField(seq int) string { return fmt.Sprintf("%s%08d", chunkPrefix, seq) }

var appendChunkScript = redis.NewScript(`
local key = KEYS[1]
local field = ARGV[1]
local data = ARGV[2]
local maxBytes = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HEXISTS', key, 'job') == 1 then return -4 end
local existing = redis.call('HGET', key, field)
if existing then
  if existing == data then return 0 end
  return -2
end
local total = tonumber(redis.call('HGET', key, 'bytes') or '0') + string.len(data)
if total > maxBytes then return -3 end
redis.call('HSET', key, field, data, 'bytes', total)
redis.call('PEXPIRE', key, ttl)
return 1
`)

var claimRecordingScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return {-1, ''} end
local job = redis.call('HGET', key, 'job')
if job then return {0, job} end
if redis.call('HGET', key, 'bytes') ~= ARGV[2] then return {-2, ''} end
redis.call('HSET', key, 'job', ARGV[1])
return {1, ARGV[1]}
`)
