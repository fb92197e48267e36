// Package protocol defines the messages exchanged with the job service.
package protocol

import "time"

const (
	SubjectJobRequest  = "audiobook.request"
	SubjectJobProgress = "audiobook.progress"
	SubjectJobDone     = "audiobook.done"

	// StreamJobDone retains completion messages for late readers.
	StreamJobDone = "AUDIOBOOK_DONE"

	SubjectNodeAnnounce        = "audiobook.node.announce"
	SubjectNodeHeartbeatPrefix = "audiobook.node.heartbeat"
)

// JobRequest asks the service to synthesize one document. Empty fields fall
// back to the service configuration.
type JobRequest struct {
	JobID                 string `json:"job_id"`
	DocumentPath          string `json:"document_path"`
	VoiceSamplePath       string `json:"voice_sample_path,omitempty"`
	Language              string `json:"language,omitempty"`
	VoiceMode             string `json:"voice_mode,omitempty"`
	MaxChunkChars         int    `json:"max_chunk_chars,omitempty"`
	InterSegmentSilenceMS *int   `json:"inter_segment_silence_ms,omitempty"`
	OutputPath            string `json:"output_path,omitempty"`
	Format                string `json:"format,omitempty"`
}

// JobProgress is published after every chunk.
type JobProgress struct {
	JobID     string    `json:"job_id"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JobStatus reports the outcome of a job, or its rejection.
type JobStatus struct {
	JobID        string    `json:"job_id"`
	Completed    bool      `json:"completed"`
	Rejected     bool      `json:"rejected,omitempty"`
	OutputPath   string    `json:"output_path,omitempty"`
	MIME         string    `json:"mime,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	FailedChunks []int     `json:"failed_chunks,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
