package models

import (
	"fmt"
	"time"
)

// Stage enumerates the ordered pipeline positions persisted in the ledger.
type Stage string

const (
	StageCreated      Stage = "CREATED"
	StageTranscribing Stage = "TRANSCRIBING"
	StageNormalizing  Stage = "NORMALIZING"
	StageRendering    Stage = "RENDERING"
	StageCompleted    Stage = "COMPLETED"
)

// StageOrder is the fixed total order every job walks through.
var StageOrder = []Stage{StageCreated, StageTranscribing, StageNormalizing, StageRendering, StageCompleted}

// Index returns the position of s in StageOrder, or -1 for unknown stages.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s. COMPLETED and unknown stages have no successor.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[i+1], true
}

// Prev returns the stage that produced the input of s.
func (s Stage) Prev() (Stage, bool) {
	i := s.Index()
	if i <= 0 {
		return "", false
	}
	return StageOrder[i-1], true
}

// InProgress reports whether a job sitting at s is being worked on by a stage handler.
func (s Stage) InProgress() bool {
	switch s {
	case StageTranscribing, StageNormalizing, StageRendering:
		return true
	default:
		return false
	}
}

func (s Stage) Valid() bool { return s.Index() >= 0 }

// JobStatus enumerates lifecycle states persisted in the ledger.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Ingestion sources.
const (
	SourceBatch = "batch"
	SourceLive  = "live"
	SourceText  = "text"
)

// Job is one end-to-end voice-to-card conversion tracked by the ledger.
type Job struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Stage     Stage           `json:"stage"`
	Status    string          `json:"status"`
	LastError *string         `json:"last_error,omitempty"`
	Version   int64           `json:"version"`
	Artifacts []StageArtifact `json:"artifacts,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// State renders the job position the way operators read it, e.g. FAILED(TRANSCRIBING).
func (j Job) State() string {
	if j.Status == StatusFailed {
		return fmt.Sprintf("FAILED(%s)", j.Stage)
	}
	return string(j.Stage)
}

// Artifact returns the artifact recorded for the producing stage.
func (j Job) Artifact(stage Stage) (StageArtifact, bool) {
	for _, a := range j.Artifacts {
		if a.Stage == stage {
			return a, true
		}
	}
	return StageArtifact{}, false
}

// StageArtifact points from the ledger into the artifact store.
type StageArtifact struct {
	Stage      Stage     `json:"stage"`
	Key        string    `json:"key"`
	MimeType   string    `json:"mime_type"`
	ByteLength int64     `json:"byte_length"`
	SHA256     string    `json:"sha256"`
	RecordedAt time.Time `json:"recorded_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
