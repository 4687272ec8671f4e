package models

import "time"

// Topic names carried by the event router.
const (
	TopicAudioIngested      = "audio.ingested"
	TopicTextTranscribed    = "text.transcribed"
	TopicDocumentNormalized = "document.normalized"
	TopicCardRendered       = "card.rendered"
)

// Event is the closed envelope passed between stages. Stage payloads stay in the
// artifact store; the event only points at them.
type Event struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	JobID       string    `json:"job_id"`
	ArtifactRef string    `json:"artifact_ref"`
	Attempt     int       `json:"attempt"`
	PublishedAt time.Time `json:"published_at"`
}
