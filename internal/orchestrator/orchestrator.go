// Package orchestrator turns one narration request into one artifact: it
// validates, chunks, submits every chunk to its class queue, waits for all
// results and joins them in order.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/admission"
	"github.com/loqalabs/loqa-narrator/internal/aggregate"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/voiceclass"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Journal records the request lifecycle. *eventstore.Store implements it.
type Journal interface {
	AppendRequest(ctx context.Context, req eventstore.Request) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	FinishRequest(ctx context.Context, requestID, status string, chunkCount int) error
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	registry  *voiceclass.Registry
	scheduler *admission.Scheduler
	journal   Journal
	format    string
	log       *slog.Logger
	tracer    trace.Tracer
	duration  metric.Float64Histogram
	chunks    metric.Int64Histogram
}

// New wires an orchestrator. journal may be nil.
func New(registry *voiceclass.Registry, scheduler *admission.Scheduler, journal Journal, format string, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		registry:  registry,
		scheduler: scheduler,
		journal:   journal,
		format:    format,
		log:       log.With(slog.String("component", "orchestrator")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-narrator/orchestrator"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/orchestrator")
	var err error
	if o.duration, err = meter.Float64Histogram("narrator.narration.duration", metric.WithDescription("Time from request to finished artifact"), metric.WithUnit("s")); err != nil {
		o.log.Warn("failed to create duration histogram", slogError(err))
	}
	if o.chunks, err = meter.Int64Histogram("narrator.narration.chunks", metric.WithDescription("Chunks per narration request")); err != nil {
		o.log.Warn("failed to create chunk histogram", slogError(err))
	}
	return o
}

type indexedOutcome struct {
	index int
	admission.Outcome
}

// Synthesize produces the artifact for req. Chunk failures surface as a
// *narration.FailureError; no partial artifact is ever returned.
func (o *Orchestrator) Synthesize(ctx context.Context, req narration.Request) (narration.Artifact, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, span := o.tracer.Start(ctx, "narration.synthesize", trace.WithAttributes(
		attribute.String("narration.request_id", req.ID),
		attribute.String("narration.voice_class", req.VoiceClass),
		attribute.Int("narration.text_chars", utf8.RuneCountInString(req.Text)),
	))
	defer span.End()

	start := time.Now()
	art, err := o.synthesize(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = narration.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	attrs := metric.WithAttributes(attribute.String("voice_class", req.VoiceClass), attribute.String("outcome", outcome))
	if o.duration != nil {
		o.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		return narration.Artifact{}, err
	}
	if o.chunks != nil {
		o.chunks.Record(ctx, int64(art.ChunkCount), attrs)
	}
	span.SetAttributes(attribute.Int("narration.chunk_count", art.ChunkCount))
	return art, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, req narration.Request) (narration.Artifact, error) {
	if strings.TrimSpace(req.Text) == "" {
		return narration.Artifact{}, narration.NewValidationError("text", "must not be empty")
	}
	limits, err := o.registry.Lookup(req.VoiceClass)
	if err != nil {
		return narration.Artifact{}, narration.NewValidationError("voice_class", fmt.Sprintf("unknown class %q", req.VoiceClass))
	}

	logger := o.log.With(slog.String("request_id", req.ID), slog.String("voice_class", req.VoiceClass))
	o.recordRequest(ctx, req)

	report := chunker.SplitWithReport(req.Text, limits.MaxCharsPerRequest)
	n := len(report.Chunks)
	o.recordEvent(ctx, req.ID, eventstore.EventChunked, map[string]any{
		"chunk_count":         n,
		"max_chars":           limits.MaxCharsPerRequest,
		"oversized_sentences": report.OversizedSentences,
	})
	if report.Degraded() {
		logger.Warn("text split inside words", slog.Int("hard_cuts", report.HardCuts))
		o.recordEvent(ctx, req.ID, eventstore.EventDegradedSplit, map[string]any{"hard_cuts": report.HardCuts})
	}
	logger.Debug("narration chunked", slog.Int("chunks", n))

	tickets := make([]*admission.Ticket, 0, n)
	cancelAll := func() {
		for _, tk := range tickets {
			tk.Cancel()
		}
	}
	for i, text := range report.Chunks {
		tk, err := o.scheduler.Submit(ctx, req.VoiceClass, admission.Job{
			Chunk:      narration.Chunk{SequenceIndex: i, Text: text, ParentRequestID: req.ID},
			VoiceID:    req.VoiceID,
			WantsMarks: req.WantsTimingMarks,
			Unpaced:    n == 1,
		})
		if err != nil {
			cancelAll()
			return narration.Artifact{}, o.fail(ctx, logger, req.ID, n, i, err)
		}
		tickets = append(tickets, tk)
	}

	done := make(chan indexedOutcome, n)
	for i, tk := range tickets {
		go func(i int, tk *admission.Ticket) {
			done <- indexedOutcome{index: i, Outcome: <-tk.Done()}
		}(i, tk)
	}

	results := make([]narration.ChunkResult, n)
	for remaining := n; remaining > 0; remaining-- {
		select {
		case out := <-done:
			if out.Err != nil {
				cancelAll()
				return narration.Artifact{}, o.fail(ctx, logger, req.ID, n, out.index, out.Err)
			}
			res := out.Result
			res.SequenceIndex = out.index
			results[out.index] = res
		case <-ctx.Done():
			cancelAll()
			err := fmt.Errorf("narration %s: %w", req.ID, ctx.Err())
			o.finish(context.WithoutCancel(ctx), logger, req.ID, eventstore.StatusFailed, n, eventstore.EventFailed, map[string]any{"error_kind": "cancelled"})
			return narration.Artifact{}, err
		}
	}

	art, err := aggregate.Aggregate(req.ID, results)
	if err != nil {
		return narration.Artifact{}, o.fail(ctx, logger, req.ID, n, 0, err)
	}
	art.VoiceID = req.VoiceID
	art.VoiceClass = req.VoiceClass
	art.Format = o.format

	o.finish(ctx, logger, req.ID, eventstore.StatusCompleted, n, eventstore.EventCompleted, map[string]any{
		"chunk_count":      art.ChunkCount,
		"byte_size":        art.TotalByteSize,
		"duration_seconds": art.TotalDurationSeconds,
	})
	logger.Info("narration completed",
		slog.Int("chunks", art.ChunkCount),
		slog.Int("bytes", art.TotalByteSize),
		slog.Float64("duration_seconds", art.TotalDurationSeconds))
	return art, nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, requestID string, chunkCount, failedChunk int, cause error) error {
	err := &narration.FailureError{RequestID: requestID, ChunkCount: chunkCount, FailedChunk: failedChunk, Cause: cause}
	logger.Warn("narration failed",
		slog.Int("failed_chunk", failedChunk),
		slog.Int("chunks", chunkCount),
		slog.String("kind", narration.Kind(cause)),
		slogError(cause))
	o.finish(context.WithoutCancel(ctx), logger, requestID, eventstore.StatusFailed, chunkCount, eventstore.EventFailed, map[string]any{
		"failed_chunk": failedChunk,
		"error_kind":   narration.Kind(err),
		"cause_kind":   narration.Kind(cause),
		"error":        cause.Error(),
	})
	return err
}

// RateLimitStatus reports the admission state of class without blocking.
func (o *Orchestrator) RateLimitStatus(class string) (admission.Status, error) {
	st, err := o.scheduler.Status(class)
	if err != nil {
		return admission.Status{}, narration.NewValidationError("voice_class", fmt.Sprintf("unknown class %q", class))
	}
	return st, nil
}

// RateLimitStatusAll reports every class in sorted order.
func (o *Orchestrator) RateLimitStatusAll() []admission.Status {
	return o.scheduler.StatusAll()
}

// Limits returns the static limits of every class.
func (o *Orchestrator) Limits() []narration.VoiceClassLimits {
	return o.registry.All()
}

func (o *Orchestrator) recordRequest(ctx context.Context, req narration.Request) {
	if o.journal == nil {
		return
	}
	if err := o.journal.AppendRequest(ctx, eventstore.Request{
		RequestID:  req.ID,
		VoiceID:    req.VoiceID,
		VoiceClass: req.VoiceClass,
		TextChars:  utf8.RuneCountInString(req.Text),
		Status:     eventstore.StatusPending,
	}); err != nil {
		o.log.Warn("failed to record request", slog.String("request_id", req.ID), slogError(err))
		return
	}
	o.recordEvent(ctx, req.ID, eventstore.EventAccepted, map[string]any{"voice_id": req.VoiceID, "wants_timing_marks": req.WantsTimingMarks})
}

func (o *Orchestrator) recordEvent(ctx context.Context, requestID, typ string, payload map[string]any) {
	if o.journal == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		o.log.Warn("failed to encode event payload", slog.String("event", typ), slogError(err))
		return
	}
	evt := eventstore.Event{RequestID: requestID, Type: typ, Payload: data}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	if err := o.journal.AppendEvent(ctx, evt); err != nil {
		o.log.Warn("failed to record event", slog.String("request_id", requestID), slog.String("event", typ), slogError(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, requestID, status string, chunkCount int, typ string, payload map[string]any) {
	if o.journal == nil {
		return
	}
	o.recordEvent(ctx, requestID, typ, payload)
	if err := o.journal.FinishRequest(ctx, requestID, status, chunkCount); err != nil {
		logger.Warn("failed to finish request record", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
