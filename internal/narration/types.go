package narration

import (
	"context"
	"time"
)

// Gate blocks until one more backend call for the same voice class may
// start. Retries pass through it so they count against the class ceiling.
type Gate func(ctx context.Context) error

// VoiceClassLimits describes the backend contract for one voice class.
type VoiceClassLimits struct {
	Class                string `json:"class"`
	MaxRequestsPerSecond int    `json:"max_requests_per_second"`
	MaxCharsPerRequest   int    `json:"max_chars_per_request"`
}

// Request is a single narration job handed to the orchestrator.
type Request struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	VoiceID          string `json:"voice_id"`
	VoiceClass       string `json:"voice_class"`
	WantsTimingMarks bool   `json:"wants_timing_marks"`
}

// Chunk is a ceiling-compliant slice of a request's text.
type Chunk struct {
	SequenceIndex   int    `json:"sequence_index"`
	Text            string `json:"text"`
	ParentRequestID string `json:"parent_request_id"`
}

// TimingMark is a word or sentence boundary reported by the backend,
// relative to the start of the audio it belongs to.
type TimingMark struct {
	Time  time.Duration `json:"time"`
	Type  string        `json:"type"`
	Value string        `json:"value"`
}

// ChunkResult is the synthesized output for one chunk.
type ChunkResult struct {
	SequenceIndex            int
	Audio                    []byte
	EstimatedDurationSeconds float64
	Marks                    []TimingMark
}

// Artifact is the reassembled audio for a whole request.
type Artifact struct {
	RequestID            string
	VoiceID              string
	VoiceClass           string
	Format               string
	Audio                []byte
	TotalDurationSeconds float64
	TotalByteSize        int
	ChunkCount           int
	Marks                []TimingMark
}
