// Package aggregate joins chunk results into a single narration artifact.
package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/narration"
)

var (
	// ErrNoResults is returned when there is nothing to join.
	ErrNoResults = errors.New("no chunk results")
	// ErrIncomplete is returned when indexes are missing or repeated.
	ErrIncomplete = errors.New("chunk results incomplete")
)

// Aggregate orders results by sequence index and concatenates them. Indexes
// must cover 0..n-1 exactly once; input order does not matter and the input
// slice is not modified. Timing marks are shifted by the duration of every
// preceding chunk.
func Aggregate(requestID string, results []narration.ChunkResult) (narration.Artifact, error) {
	if len(results) == 0 {
		return narration.Artifact{}, ErrNoResults
	}
	ordered := append([]narration.ChunkResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SequenceIndex < ordered[j].SequenceIndex
	})

	size := 0
	for i, r := range ordered {
		if r.SequenceIndex != i {
			if r.SequenceIndex < i {
				return narration.Artifact{}, fmt.Errorf("%w: chunk %d appears more than once", ErrIncomplete, r.SequenceIndex)
			}
			return narration.Artifact{}, fmt.Errorf("%w: chunk %d missing", ErrIncomplete, i)
		}
		size += len(r.Audio)
	}

	art := narration.Artifact{
		RequestID:  requestID,
		Audio:      make([]byte, 0, size),
		ChunkCount: len(ordered),
	}
	var offset float64
	for _, r := range ordered {
		art.Audio = append(art.Audio, r.Audio...)
		shift := time.Duration(offset * float64(time.Second))
		for _, m := range r.Marks {
			m.Time += shift
			art.Marks = append(art.Marks, m)
		}
		offset += r.EstimatedDurationSeconds
	}
	art.TotalDurationSeconds = offset
	art.TotalByteSize = len(art.Audio)
	return art, nil
}
