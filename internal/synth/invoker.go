package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/voiceclass"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultWordsPerSecond is the narration speed used to estimate duration
// when a backend does not report one.
const DefaultWordsPerSecond = 2.5

// RetryPolicy controls how often a chunk is retried.
type RetryPolicy struct {
	// ThrottleMaxAttempts bounds attempts while the backend keeps throttling.
	ThrottleMaxAttempts int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	BackoffMultiplier   float64
	// BackendErrorAttempts bounds attempts on transport or 5xx failures.
	BackendErrorAttempts int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ThrottleMaxAttempts:  4,
		InitialBackoff:       200 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
		BackoffMultiplier:    2.0,
		BackendErrorAttempts: 2,
	}
}

// Backoff returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	backoff := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt)))
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// Options configures an Invoker.
type Options struct {
	OutputFormat   string
	Timeout        time.Duration
	WordsPerSecond float64
	Retry          RetryPolicy
}

// OptionsFromConfig converts the synth config section.
func OptionsFromConfig(cfg config.SynthConfig) Options {
	opts := Options{
		OutputFormat:   cfg.OutputFormat,
		Timeout:        time.Duration(cfg.TimeoutMS) * time.Millisecond,
		WordsPerSecond: cfg.WordsPerSecond,
		Retry:          DefaultRetryPolicy(),
	}
	if cfg.ThrottleMaxAttempts > 0 {
		opts.Retry.ThrottleMaxAttempts = cfg.ThrottleMaxAttempts
	}
	if cfg.ThrottleInitialBackoffMS > 0 {
		opts.Retry.InitialBackoff = time.Duration(cfg.ThrottleInitialBackoffMS) * time.Millisecond
	}
	if cfg.ThrottleMaxBackoffMS > 0 {
		opts.Retry.MaxBackoff = time.Duration(cfg.ThrottleMaxBackoffMS) * time.Millisecond
	}
	if cfg.BackendErrorAttempts > 0 {
		opts.Retry.BackendErrorAttempts = cfg.BackendErrorAttempts
	}
	return opts
}

// Invoker calls the backend for one chunk and applies the retry policy.
type Invoker struct {
	backend  Backend
	registry *voiceclass.Registry
	opts     Options
	log      *slog.Logger
	tracer   trace.Tracer
	attempts metric.Int64Counter
	latency  metric.Float64Histogram
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewInvoker wires backend to the class ceilings in registry.
func NewInvoker(backend Backend, registry *voiceclass.Registry, opts Options, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	if opts.WordsPerSecond <= 0 {
		opts.WordsPerSecond = DefaultWordsPerSecond
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = "mp3"
	}
	if opts.Retry.ThrottleMaxAttempts <= 0 {
		opts.Retry.ThrottleMaxAttempts = 1
	}
	if opts.Retry.BackendErrorAttempts <= 0 {
		opts.Retry.BackendErrorAttempts = 1
	}
	inv := &Invoker{
		backend:  backend,
		registry: registry,
		opts:     opts,
		log:      log.With(slog.String("component", "synth")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-narrator/synth"),
		sleep:    sleepContext,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/synth")
	var err error
	if inv.attempts, err = meter.Int64Counter("narrator.synth.attempts", metric.WithDescription("Backend calls by outcome")); err != nil {
		inv.log.Warn("failed to create attempts counter", slog.String("error", err.Error()))
	}
	if inv.latency, err = meter.Float64Histogram("narrator.synth.latency", metric.WithDescription("Backend call latency"), metric.WithUnit("s")); err != nil {
		inv.log.Warn("failed to create latency histogram", slog.String("error", err.Error()))
	}
	return inv
}

// OutputFormat is the audio container requested from the backend.
func (i *Invoker) OutputFormat() string { return i.opts.OutputFormat }

// Invoke synthesizes chunk. Every retry waits on gate, when set, before it
// calls the backend again. Errors are *narration.ChunkError values wrapping
// the last backend error.
func (i *Invoker) Invoke(ctx context.Context, chunk narration.Chunk, voiceID, voiceClass string, wantsMarks bool, gate narration.Gate) (narration.ChunkResult, error) {
	fail := func(attempts int, err error) (narration.ChunkResult, error) {
		return narration.ChunkResult{}, &narration.ChunkError{
			RequestID:     chunk.ParentRequestID,
			SequenceIndex: chunk.SequenceIndex,
			Attempts:      attempts,
			Err:           err,
		}
	}

	limits, err := i.registry.Lookup(voiceClass)
	if err != nil {
		return fail(0, err)
	}
	if n := utf8.RuneCountInString(chunk.Text); n > limits.MaxCharsPerRequest {
		return fail(0, fmt.Errorf("%w: chunk has %d chars, class %s allows %d", narration.ErrPayloadTooLarge, n, voiceClass, limits.MaxCharsPerRequest))
	}

	req := Request{
		Text:         chunk.Text,
		VoiceID:      voiceID,
		VoiceClass:   voiceClass,
		OutputFormat: i.opts.OutputFormat,
		WantsMarks:   wantsMarks,
	}

	var throttled, failed, attempt int
	for {
		attempt++
		res, err := i.call(ctx, req, chunk, attempt)
		if err == nil {
			return i.result(chunk, res, wantsMarks), nil
		}

		var wait time.Duration
		switch {
		case errors.Is(err, narration.ErrPayloadTooLarge):
			return fail(attempt, err)
		case errors.Is(err, narration.ErrBackendThrottled):
			throttled++
			if throttled >= i.opts.Retry.ThrottleMaxAttempts {
				return fail(attempt, err)
			}
			wait = i.opts.Retry.Backoff(throttled - 1)
		default:
			if !errors.Is(err, narration.ErrBackendError) {
				err = fmt.Errorf("%w: %w", narration.ErrBackendError, err)
			}
			failed++
			if failed >= i.opts.Retry.BackendErrorAttempts {
				return fail(attempt, err)
			}
			wait = i.opts.Retry.InitialBackoff
		}

		i.log.Debug("retrying chunk",
			slog.String("request_id", chunk.ParentRequestID),
			slog.Int("sequence", chunk.SequenceIndex),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
		if err := i.sleep(ctx, wait); err != nil {
			return fail(attempt, fmt.Errorf("%w: %w", narration.ErrBackendError, err))
		}
		if gate != nil {
			if err := gate(ctx); err != nil {
				return fail(attempt, fmt.Errorf("%w: readmit: %w", narration.ErrBackendError, err))
			}
		}
	}
}

func (i *Invoker) call(ctx context.Context, req Request, chunk narration.Chunk, attempt int) (Result, error) {
	ctx, span := i.tracer.Start(ctx, "synth.backend",
		trace.WithAttributes(
			attribute.String("narration.request_id", chunk.ParentRequestID),
			attribute.Int("narration.sequence", chunk.SequenceIndex),
			attribute.String("narration.voice_class", req.VoiceClass),
			attribute.Int("narration.attempt", attempt),
		))
	defer span.End()

	if i.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := i.backend.Synthesize(ctx, req)
	elapsed := time.Since(start).Seconds()

	outcome := "ok"
	if err != nil {
		outcome = narration.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	attrs := metric.WithAttributes(attribute.String("voice_class", req.VoiceClass), attribute.String("outcome", outcome))
	if i.attempts != nil {
		i.attempts.Add(ctx, 1, attrs)
	}
	if i.latency != nil {
		i.latency.Record(ctx, elapsed, attrs)
	}
	return res, err
}

func (i *Invoker) result(chunk narration.Chunk, res Result, wantsMarks bool) narration.ChunkResult {
	out := narration.ChunkResult{
		SequenceIndex:            chunk.SequenceIndex,
		Audio:                    res.Audio,
		EstimatedDurationSeconds: res.DurationSeconds,
	}
	if out.EstimatedDurationSeconds <= 0 {
		out.EstimatedDurationSeconds = EstimateDuration(chunk.Text, i.opts.WordsPerSecond)
	}
	if wantsMarks {
		out.Marks = res.Marks
	}
	return out
}

// EstimateDuration approximates spoken length from the word count.
func EstimateDuration(text string, wordsPerSecond float64) float64 {
	if wordsPerSecond <= 0 {
		wordsPerSecond = DefaultWordsPerSecond
	}
	return float64(len(strings.Fields(text))) / wordsPerSecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
