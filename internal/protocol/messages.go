package protocol

import "time"

const (
	SubjectSynthesize = "narration.synthesize"
	SubjectStatus     = "narration.status"
	SubjectCompleted  = "narration.completed"
	SubjectFailed     = "narration.failed"
)

// SynthesizeRequest asks the narrator to produce one artifact.
type SynthesizeRequest struct {
	RequestID        string `json:"request_id,omitempty"`
	Text             string `json:"text"`
	VoiceID          string `json:"voice_id"`
	VoiceClass       string `json:"voice_class"`
	WantsTimingMarks bool   `json:"wants_timing_marks,omitempty"`
}

// TimingMark is a mark on the artifact timeline.
type TimingMark struct {
	TimeSeconds float64 `json:"time_seconds"`
	Type        string  `json:"type"`
	Value       string  `json:"value"`
}

// ArtifactInfo describes a finished artifact. Audio is set only when the
// artifact was not persisted to an object store.
type ArtifactInfo struct {
	Bucket          string       `json:"bucket,omitempty"`
	Object          string       `json:"object,omitempty"`
	Format          string       `json:"format"`
	DurationSeconds float64      `json:"duration_seconds"`
	ByteSize        int          `json:"byte_size"`
	ChunkCount      int          `json:"chunk_count"`
	Marks           []TimingMark `json:"marks,omitempty"`
	Audio           []byte       `json:"audio,omitempty"`
}

// SynthesizeReply answers a SynthesizeRequest.
type SynthesizeReply struct {
	RequestID string        `json:"request_id"`
	OK        bool          `json:"ok"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Artifact  *ArtifactInfo `json:"artifact,omitempty"`
}

// StatusRequest asks for admission status. An empty class means all classes.
type StatusRequest struct {
	VoiceClass string `json:"voice_class,omitempty"`
}

// ClassStatus is the admission state of one voice class.
type ClassStatus struct {
	Class              string `json:"class"`
	CurrentLoad        int    `json:"current_load"`
	QueueDepth         int    `json:"queue_depth"`
	Ceiling            int    `json:"ceiling"`
	InFlight           int    `json:"in_flight"`
	Admitted           int64  `json:"admitted_total"`
	MaxCharsPerRequest int    `json:"max_chars_per_request"`
}

// StatusReply answers a StatusRequest.
type StatusReply struct {
	Classes   []ClassStatus `json:"classes,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// NarrationEvent is published when a request completes or fails.
type NarrationEvent struct {
	RequestID       string    `json:"request_id"`
	VoiceClass      string    `json:"voice_class"`
	ChunkCount      int       `json:"chunk_count,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Bucket          string    `json:"bucket,omitempty"`
	Object          string    `json:"object,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
