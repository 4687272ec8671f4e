package stage

import (
	"errors"
	"fmt"

	"voicecard/internal/models"
)

// TransientError marks a failure worth retrying within the stage's attempt budget.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that no retry can fix; the job fails immediately.
// Reason, when set, is safe to show to the uploader.
type PermanentError struct {
	Err    error
	Reason string
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a non-retryable error.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Rejected is a non-retryable error whose reason may be shown to the uploader as is.
func Rejected(reason string, err error) error {
	if err == nil {
		err = errors.New(reason)
	}
	return &PermanentError{Err: err, Reason: reason}
}

// IsPermanent reports whether err is classified permanent. Unclassified errors and
// timeouts are transient.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// exhaustedError ends a run of transient failures.
type exhaustedError struct {
	attempts int
	timedOut bool
	err      error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.attempts, e.err)
}

func (e *exhaustedError) Unwrap() error { return e.err }

var errInputMissing = errors.New("input artifact missing")

var collaboratorNames = map[models.Stage]string{
	models.StageTranscribing: "transcription service",
	models.StageNormalizing:  "recipe normalizer",
	models.StageRendering:    "card renderer",
}

var rejectedInput = map[models.Stage]string{
	models.StageTranscribing: "audio could not be transcribed",
	models.StageNormalizing:  "transcript could not be turned into a recipe",
	models.StageRendering:    "recipe could not be rendered as a card",
}

// PublicReason maps a stage failure to the message recorded on the job. Collaborator
// payloads and error chains stay out of it.
func PublicReason(st models.Stage, err error) string {
	var p *PermanentError
	if errors.As(err, &p) {
		if p.Reason != "" {
			return p.Reason
		}
		if msg, ok := rejectedInput[st]; ok {
			return msg
		}
		return "input was rejected"
	}
	if errors.Is(err, errInputMissing) {
		return "stage input is missing"
	}
	name, ok := collaboratorNames[st]
	if !ok {
		name = "stage collaborator"
	}
	var x *exhaustedError
	if errors.As(err, &x) {
		if x.timedOut {
			return fmt.Sprintf("%s timed out after %d attempts", name, x.attempts)
		}
		return fmt.Sprintf("%s unavailable after %d attempts", name, x.attempts)
	}
	return name + " unavailable"
}
