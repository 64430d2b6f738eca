package synth

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/narration"
)

type mockBackend struct {
	latency        time.Duration
	wordsPerSecond float64
}

// NewMockBackend returns a backend that echoes the text as audio bytes after
// latency. Word marks are spaced at wordsPerSecond.
func NewMockBackend(latency time.Duration, wordsPerSecond float64) Backend {
	if wordsPerSecond <= 0 {
		wordsPerSecond = DefaultWordsPerSecond
	}
	return &mockBackend{latency: latency, wordsPerSecond: wordsPerSecond}
}

func (m *mockBackend) Synthesize(ctx context.Context, req Request) (Result, error) {
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(m.latency):
		}
	}
	res := Result{Audio: []byte(req.Text)}
	if req.WantsMarks {
		step := time.Duration(float64(time.Second) / m.wordsPerSecond)
		for i, w := range strings.Fields(req.Text) {
			res.Marks = append(res.Marks, narration.TimingMark{Time: time.Duration(i) * step, Type: "word", Value: w})
		}
	}
	return res, nil
}
