// Package synth performs the backend call for one admitted chunk.
package synth

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
)

// Request is what a backend receives for one chunk.
type Request struct {
	Text         string
	VoiceID      string
	VoiceClass   string
	OutputFormat string
	WantsMarks   bool
}

// Result is one backend response. DurationSeconds is zero when the backend
// does not report it.
type Result struct {
	Audio           []byte
	DurationSeconds float64
	Marks           []narration.TimingMark
}

// Backend is a speech synthesis backend. Errors should wrap
// narration.ErrBackendThrottled, narration.ErrPayloadTooLarge or
// narration.ErrBackendError so the invoker can apply its retry policy.
type Backend interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// NewBackend builds the backend selected by cfg.Mode.
func NewBackend(cfg config.SynthConfig) (Backend, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockBackend(time.Duration(cfg.MockLatencyMS)*time.Millisecond, cfg.WordsPerSecond), nil
	case "exec":
		return NewExecBackend(cfg.Command)
	case "http":
		return NewHTTPBackend(cfg.Endpoint, cfg.APIKey, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported synth mode %q", cfg.Mode)
	}
}

// wireRequest is the JSON body sent to exec and http backends.
type wireRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voice_id"`
	VoiceClass   string `json:"voice_class"`
	OutputFormat string `json:"output_format"`
	TimingMarks  bool   `json:"timing_marks,omitempty"`
}

type wireMark struct {
	TimeSeconds float64 `json:"time_seconds"`
	Type        string  `json:"type"`
	Value       string  `json:"value"`
}

// wireResponse is the JSON body returned by exec and http backends.
type wireResponse struct {
	AudioBase64     string     `json:"audio_base64"`
	DurationSeconds float64    `json:"duration_seconds"`
	Marks           []wireMark `json:"marks,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	Error           string     `json:"error,omitempty"`
}

func newWireRequest(req Request) wireRequest {
	return wireRequest{
		Text:         req.Text,
		VoiceID:      req.VoiceID,
		VoiceClass:   req.VoiceClass,
		OutputFormat: req.OutputFormat,
		TimingMarks:  req.WantsMarks,
	}
}

func (w wireResponse) result() (Result, error) {
	if w.ErrorKind != "" || w.Error != "" {
		return Result{}, kindError(w.ErrorKind, w.Error)
	}
	audio, err := base64.StdEncoding.DecodeString(w.AudioBase64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: decode audio: %v", narration.ErrBackendError, err)
	}
	res := Result{Audio: audio, DurationSeconds: w.DurationSeconds}
	for _, m := range w.Marks {
		res.Marks = append(res.Marks, narration.TimingMark{
			Time:  time.Duration(m.TimeSeconds * float64(time.Second)),
			Type:  m.Type,
			Value: m.Value,
		})
	}
	return res, nil
}

// kindError maps a backend-reported error kind onto the error taxonomy.
func kindError(kind, msg string) error {
	if msg == "" {
		msg = kind
	}
	switch kind {
	case "throttled":
		return fmt.Errorf("%w: %s", narration.ErrBackendThrottled, msg)
	case "too_large":
		return fmt.Errorf("%w: %s", narration.ErrPayloadTooLarge, msg)
	default:
		return fmt.Errorf("%w: %s", narration.ErrBackendError, msg)
	}
}
