// Package artifacts persists finished narration audio.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/nats-io/nats.go"
)

// Object metadata headers.
const (
	HeaderRequestID  = "Narration-Request-Id"
	HeaderVoiceClass = "Narration-Voice-Class"
	HeaderVoiceID    = "Narration-Voice-Id"
	HeaderDuration   = "Narration-Duration-Seconds"
	HeaderChunkCount = "Narration-Chunk-Count"
	HeaderFormat     = "Narration-Format"
)

// Location says where an artifact ended up. Inline means the caller must
// carry the audio itself.
type Location struct {
	Bucket string
	Object string
	Inline bool
}

// Sink stores artifacts.
type Sink interface {
	Store(ctx context.Context, art narration.Artifact) (Location, error)
}

// ObjectName is the object key of an artifact.
func ObjectName(requestID, format string) string {
	if format == "" {
		return requestID
	}
	return requestID + "." + format
}

// ObjectStoreSink writes artifacts to a JetStream object store bucket.
type ObjectStoreSink struct {
	obs    nats.ObjectStore
	bucket string
	log    *slog.Logger
}

// NewObjectStoreSink stores into obs, which is named bucket.
func NewObjectStoreSink(obs nats.ObjectStore, bucket string, log *slog.Logger) *ObjectStoreSink {
	return &ObjectStoreSink{obs: obs, bucket: bucket, log: log.With(slog.String("component", "artifact-sink"))}
}

func (s *ObjectStoreSink) Store(ctx context.Context, art narration.Artifact) (Location, error) {
	name := ObjectName(art.RequestID, art.Format)
	meta := &nats.ObjectMeta{
		Name:        name,
		Description: fmt.Sprintf("narration %s (%d chunks)", art.RequestID, art.ChunkCount),
		Headers: nats.Header{
			HeaderRequestID:  []string{art.RequestID},
			HeaderVoiceClass: []string{art.VoiceClass},
			HeaderVoiceID:    []string{art.VoiceID},
			HeaderDuration:   []string{strconv.FormatFloat(art.TotalDurationSeconds, 'f', 3, 64)},
			HeaderChunkCount: []string{strconv.Itoa(art.ChunkCount)},
			HeaderFormat:     []string{art.Format},
		},
	}
	info, err := s.obs.Put(meta, bytes.NewReader(art.Audio), nats.Context(ctx))
	if err != nil {
		return Location{}, fmt.Errorf("put artifact %s: %w", name, err)
	}
	s.log.Debug("artifact stored",
		slog.String("bucket", s.bucket),
		slog.String("object", name),
		slog.Uint64("bytes", info.Size))
	return Location{Bucket: s.bucket, Object: name}, nil
}

// Fetch reads an artifact back with its metadata headers.
func Fetch(ctx context.Context, obs nats.ObjectStore, object string) ([]byte, nats.Header, error) {
	info, err := obs.GetInfo(object, nats.Context(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("stat artifact %s: %w", object, err)
	}
	data, err := obs.GetBytes(object, nats.Context(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("get artifact %s: %w", object, err)
	}
	return data, info.Headers, nil
}

// Discard keeps nothing; callers return the audio inline.
type Discard struct{}

func (Discard) Store(ctx context.Context, art narration.Artifact) (Location, error) {
	return Location{Inline: true}, nil
}
