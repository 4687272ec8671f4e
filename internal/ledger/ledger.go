package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"voicecard/internal/config"
	"voicecard/internal/models"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when an operator action does not apply to the job's state.
	ErrInvalidTransition = errors.New("invalid transition")
)

// maxReasonLen bounds last_error so operator-facing messages stay short.
const maxReasonLen = 512

// Ledger is the single source of truth for job progress. Every mutation is a conditional
// update on the expected current state; losing writers get applied=false, not an error.
type Ledger interface {
	Create(ctx context.Context, id, source string) (models.Job, error)
	// Start creates the job and records upload as its CREATED output in one transaction,
	// leaving it running at TRANSCRIBING. created is false when id already exists.
	Start(ctx context.Context, id, source string, upload models.StageArtifact) (job models.Job, created bool, err error)
	Get(ctx context.Context, id string) (models.Job, error)
	List(ctx context.Context, limit int) ([]models.Job, error)
	// Advance records out as the artifact produced by from and moves the job to the next stage.
	Advance(ctx context.Context, id string, from models.Stage, out models.StageArtifact) (bool, error)
	// Fail moves a running job at stage into FAILED(stage).
	Fail(ctx context.Context, id string, stage models.Stage, reason string) (bool, error)
	// Retry flips FAILED(stage) back to running at the same stage.
	Retry(ctx context.Context, id string) (models.Job, error)
	// Claim bumps version and updated_at if the job still holds version.
	Claim(ctx context.Context, id string, version int64) (bool, error)
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	AppendAudit(ctx context.Context, id, event, detail string) error
	Audit(ctx context.Context, id string) ([]models.AuditLog, error)
	Close() error
}

// Open connects to the ledger backend selected by cfg.LedgerDriver and applies migrations.
func Open(ctx context.Context, cfg config.Config) (Ledger, error) {
	switch cfg.LedgerDriver {
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresDSN)
	case "sqlite", "":
		return OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}
}

// ActiveStatus is the status a job must hold at stage for a handler to move it forward.
func ActiveStatus(stage models.Stage) string {
	if stage == models.StageCreated {
		return models.StatusPending
	}
	return models.StatusRunning
}

// Deliverable reports whether work for stage still applies to job.
func Deliverable(job models.Job, stage models.Stage) bool {
	return job.Stage == stage && job.Status == ActiveStatus(stage)
}

// advanceTarget returns the stage and status a successful completion of from leads to.
func advanceTarget(from models.Stage) (models.Stage, string, error) {
	next, ok := from.Next()
	if !ok {
		return "", "", fmt.Errorf("%w: no stage after %s", ErrInvalidTransition, from)
	}
	if next == models.StageCompleted {
		return next, models.StatusCompleted, nil
	}
	return next, models.StatusRunning, nil
}

func checkFailable(stage models.Stage) error {
	if !stage.InProgress() {
		return fmt.Errorf("%w: %s is not an in-progress stage", ErrInvalidTransition, stage)
	}
	return nil
}

// FailureReason formats the operator-facing failure message stored in last_error.
func FailureReason(stage models.Stage, msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "failed without error detail"
	}
	reason := fmt.Sprintf("%s failed: %s", strings.ToLower(string(stage)), msg)
	if len(reason) > maxReasonLen {
		cut := maxReasonLen
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut] + "..."
	}
	return reason
}

func sortArtifacts(arts []models.StageArtifact) {
	sort.Slice(arts, func(i, j int) bool { return arts[i].Stage.Index() < arts[j].Stage.Index() })
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
