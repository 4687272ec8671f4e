package stage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"voicecard/internal/ledger"
	"voicecard/internal/logging"
	"voicecard/internal/models"
)

// EventCardReady is the audit event recorded once a card can be downloaded.
const EventCardReady = "card_ready"

// AuditLedger is what the notifier needs from the ledger.
type AuditLedger interface {
	Get(ctx context.Context, id string) (models.Job, error)
	AppendAudit(ctx context.Context, id, event, detail string) error
	Audit(ctx context.Context, id string) ([]models.AuditLog, error)
}

// Notifier consumes the terminal topic and records the download URL of finished cards.
type Notifier struct {
	ledger  AuditLedger
	baseURL string
	log     *zap.Logger
}

func NewNotifier(l AuditLedger, publicBaseURL string, log *zap.Logger) *Notifier {
	return &Notifier{ledger: l, baseURL: publicBaseURL, log: logging.OrNop(log).Named("notifier")}
}

func (n *Notifier) Handle(ctx context.Context, ev models.Event) error {
	job, err := n.ledger.Get(ctx, ev.JobID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", ev.JobID, err)
	}
	if job.Status != models.StatusCompleted {
		return nil
	}
	entries, err := n.ledger.Audit(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load audit %s: %w", job.ID, err)
	}
	for _, e := range entries {
		if e.Event == EventCardReady {
			return nil
		}
	}
	url := CardURL(n.baseURL, job.ID)
	if err := n.ledger.AppendAudit(ctx, job.ID, EventCardReady, url); err != nil {
		return fmt.Errorf("record card ready: %w", err)
	}
	n.log.Info("card ready", zap.String(logging.FieldJobID, job.ID), zap.String("download_url", url))
	return nil
}

// LedgerGate lets the router drop events whose job already moved past the consuming stage.
type LedgerGate struct {
	Ledger interface {
		Get(ctx context.Context, id string) (models.Job, error)
	}
}

func (g LedgerGate) Deliverable(ctx context.Context, ev models.Event) (bool, error) {
	stage, ok := ConsumerOf(ev.Topic)
	if !ok {
		return true, nil
	}
	job, err := g.Ledger.Get(ctx, ev.JobID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if stage == models.StageCompleted {
		return job.Status == models.StatusCompleted, nil
	}
	return ledger.Deliverable(job, stage), nil
}
