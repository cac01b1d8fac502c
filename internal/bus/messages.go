package bus

import "time"

// Transcript is a transcript line broadcast on the bus as it is
// produced during a live session.
type Transcript struct {
	Sequence  int       `json:"sequence"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent announces session lifecycle transitions.
type SessionEvent struct {
	RecordingID string    `json:"recording_id"`
	State       string    `json:"state"`
	Timestamp   time.Time `json:"timestamp"`
}

// UploadEvent announces terminal upload outcomes.
type UploadEvent struct {
	RecordingID string    `json:"recording_id"`
	Status      string    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectTranscript = "recording.transcript"
	SubjectSession    = "recording.session"
	SubjectUpload     = "recording.upload"
)
