package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/admission"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/voiceclass"
)

type memJournal struct {
	mu       sync.Mutex
	requests map[string]eventstore.Request
	events   []eventstore.Event
}

func newMemJournal() *memJournal {
	return &memJournal{requests: make(map[string]eventstore.Request)}
}

func (m *memJournal) AppendRequest(ctx context.Context, req eventstore.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.RequestID] = req
	return nil
}

func (m *memJournal) AppendEvent(ctx context.Context, evt eventstore.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memJournal) FinishRequest(ctx context.Context, requestID, status string, chunkCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.requests[requestID]
	r.Status = status
	r.ChunkCount = chunkCount
	m.requests[requestID] = r
	return nil
}

func (m *memJournal) types(requestID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.RequestID == requestID {
			out = append(out, e.Type)
		}
	}
	return out
}

// echoInvoker returns the chunk text as audio after a per-chunk delay.
type echoInvoker struct {
	delay func(seq int) time.Duration
	fail  map[int]error
	calls atomic.Int64
}

func (e *echoInvoker) Invoke(ctx context.Context, chunk narration.Chunk, voiceID, voiceClass string, wantsMarks bool, gate narration.Gate) (narration.ChunkResult, error) {
	e.calls.Add(1)
	if e.delay != nil {
		time.Sleep(e.delay(chunk.SequenceIndex))
	}
	if err, ok := e.fail[chunk.SequenceIndex]; ok {
		return narration.ChunkResult{}, &narration.ChunkError{RequestID: chunk.ParentRequestID, SequenceIndex: chunk.SequenceIndex, Attempts: 2, Err: err}
	}
	return narration.ChunkResult{SequenceIndex: chunk.SequenceIndex, Audio: []byte(chunk.Text), EstimatedDurationSeconds: 1}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, limits narration.VoiceClassLimits, inv admission.Invoker) (*Orchestrator, *memJournal, *admission.Scheduler) {
	t.Helper()
	reg, err := voiceclass.New(limits)
	if err != nil {
		t.Fatal(err)
	}
	sched := admission.NewScheduler(reg, admission.Options{MinBackoff: 5 * time.Millisecond, SafetyMargin: 5 * time.Millisecond}, inv, testLogger())
	t.Cleanup(sched.Close)
	journal := newMemJournal()
	return New(reg, sched, journal, "mp3", testLogger()), journal, sched
}

const story = "The fox ran. The owl flew away. A river sang softly. Night came at last. Everyone slept."

func TestSynthesizeSingleChunkWithMockBackend(t *testing.T) {
	limits := narration.VoiceClassLimits{Class: "premium", MaxRequestsPerSecond: 2, MaxCharsPerRequest: 3000}
	reg, _ := voiceclass.New(limits)
	inv := synth.NewInvoker(synth.NewMockBackend(0, 2.5), reg, synth.Options{OutputFormat: "mp3"}, testLogger())
	o, journal, _ := newTestOrchestrator(t, limits, inv)

	text := strings.Repeat("a", 45) + " end."
	art, err := o.Synthesize(context.Background(), narration.Request{ID: "r1", Text: text, VoiceID: "v", VoiceClass: "premium"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if art.ChunkCount != 1 || string(art.Audio) != text {
		t.Fatalf("expected one chunk echoing the input, got %+v", art)
	}
	if art.RequestID != "r1" || art.Format != "mp3" || art.VoiceClass != "premium" || art.VoiceID != "v" {
		t.Fatalf("unexpected artifact metadata %+v", art)
	}
	if art.TotalDurationSeconds != 0.8 {
		t.Fatalf("expected 2 words at 2.5 wps, got %v", art.TotalDurationSeconds)
	}
	want := []string{eventstore.EventAccepted, eventstore.EventChunked, eventstore.EventCompleted}
	if got := journal.types("r1"); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	if journal.requests["r1"].Status != eventstore.StatusCompleted {
		t.Fatalf("expected completed request, got %+v", journal.requests["r1"])
	}
}

func TestSynthesizeKeepsOrderUnderOutOfOrderCompletion(t *testing.T) {
	limits := narration.VoiceClassLimits{Class: "economy", MaxRequestsPerSecond: 50, MaxCharsPerRequest: 20}
	inv := &echoInvoker{delay: func(seq int) time.Duration { return time.Duration(50-seq*10) * time.Millisecond }}
	o, _, _ := newTestOrchestrator(t, limits, inv)

	art, err := o.Synthesize(context.Background(), narration.Request{Text: story, VoiceClass: "economy"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	chunks := chunker.Split(story, 20)
	if art.ChunkCount != len(chunks) || len(chunks) < 4 {
		t.Fatalf("expected %d chunks, got %d", len(chunks), art.ChunkCount)
	}
	if string(art.Audio) != strings.Join(chunks, "") {
		t.Fatalf("audio out of order: %q", art.Audio)
	}
	if art.RequestID == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestSynthesizeOneFailedChunkFailsRequest(t *testing.T) {
	limits := narration.VoiceClassLimits{Class: "economy", MaxRequestsPerSecond: 50, MaxCharsPerRequest: 35}
	inv := &echoInvoker{fail: map[int]error{1: narration.ErrBackendError}}
	o, journal, _ := newTestOrchestrator(t, limits, inv)

	text := "First sentence is here. Second sentence is here. Third sentence is here."
	if n := len(chunker.Split(text, 35)); n != 3 {
		t.Fatalf("fixture must split into 3 chunks, got %d", n)
	}
	art, err := o.Synthesize(context.Background(), narration.Request{ID: "d", Text: text, VoiceClass: "economy"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if art.Audio != nil || art.ChunkCount != 0 {
		t.Fatalf("no partial artifact may be returned, got %+v", art)
	}
	if !errors.Is(err, narration.ErrSynthesisFailed) || !errors.Is(err, narration.ErrPartialFailure) {
		t.Fatalf("expected partial synthesis failure, got %v", err)
	}
	if !errors.Is(err, narration.ErrBackendError) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	var fe *narration.FailureError
	if !errors.As(err, &fe) || fe.FailedChunk != 1 || fe.ChunkCount != 3 {
		t.Fatalf("unexpected failure detail %#v", err)
	}
	if journal.requests["d"].Status != eventstore.StatusFailed {
		t.Fatalf("expected failed request record, got %+v", journal.requests["d"])
	}
	types := journal.types("d")
	if types[len(types)-1] != eventstore.EventFailed {
		t.Fatalf("expected failed event last, got %v", types)
	}
}

func TestSynthesizeSingleChunkFailureIsNotPartial(t *testing.T) {
	limits := narration.VoiceClassLimits{Class: "premium", MaxRequestsPerSecond: 5, MaxCharsPerRequest: 3000}
	inv := &echoInvoker{fail: map[int]error{0: narration.ErrBackendThrottled}}
	o, _, _ := newTestOrchestrator(t, limits, inv)

	_, err := o.Synthesize(context.Background(), narration.Request{Text: "Hello there.", VoiceClass: "premium"})
	if !errors.Is(err, narration.ErrSynthesisFailed) {
		t.Fatalf("expected synthesis failure, got %v", err)
	}
	if errors.Is(err, narration.ErrPartialFailure) {
		t.Fatalf("single-chunk failure must not be partial")
	}
	if narration.Kind(err) != "synthesis_failed" {
		t.Fatalf("unexpected kind %q", narration.Kind(err))
	}
}

func TestSynthesizeValidation(t *testing.T) {
	limits := narration.VoiceClassLimits{Class: "premium", MaxRequestsPerSecond: 5, MaxCharsPerRequest: 3000}
	inv := &echoInvoker{}
	o, _, _ := newTestOrchestrator(t, limits, inv)

	cases := []narration.Request{
		{Text: "   ", VoiceClass: "premium"},
		{Text: "Hello.", VoiceClass: "neural"},
	}
	for _, req := range cases {
		_, err := o.Synthesize(context.Background(), req)
		if !errors.Is(err, narration.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
	if inv.calls.Load() != 0 {
		t.Fatal("invalid requests must not reach the backend")
	}
}

func TestSynthesizeCancellationDropsQueuedChunks(t *testing.T) {
	limits := narration.VoiceClassLimits{Class: "premium", MaxRequestsPerSecond: 1, MaxCharsPerRequest: 20}
	inv := &echoInvoker{}
	o, _, _ := newTestOrchestrator(t, limits, inv)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := o.Synthesize(ctx, narration.Request{Text: story, VoiceClass: "premium"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	st, err := o.RateLimitStatus("premium")
	if err != nil {
		t.Fatal(err)
	}
	if st.QueueDepth != 0 {
		t.Fatalf("expected queued chunks removed, depth %d", st.QueueDepth)
	}
	if n := inv.calls.Load(); n > 1 {
		t.Fatalf("expected at most one admitted call, got %d", n)
	}
}

func TestSynthesizeConcurrentRequestsShareClassCeiling(t *testing.T) {
	limits := narration.VoiceClassLimits{Class: "premium", MaxRequestsPerSecond: 2, MaxCharsPerRequest: 3000}
	inv := &echoInvoker{}
	o, _, _ := newTestOrchestrator(t, limits, inv)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Synthesize(context.Background(), narration.Request{Text: "Short line.", VoiceClass: "premium"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("synthesize: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Fatalf("five requests at 2 rps finished in %v", elapsed)
	}
}

func TestRateLimitStatus(t *testing.T) {
	limits := narration.VoiceClassLimits{Class: "premium", MaxRequestsPerSecond: 2, MaxCharsPerRequest: 3000}
	o, _, _ := newTestOrchestrator(t, limits, &echoInvoker{})

	st, err := o.RateLimitStatus("premium")
	if err != nil {
		t.Fatal(err)
	}
	if st.Class != "premium" || st.Ceiling != 2 || st.CurrentLoad != 0 || st.QueueDepth != 0 {
		t.Fatalf("unexpected idle status %+v", st)
	}
	if _, err := o.RateLimitStatus("nope"); !errors.Is(err, narration.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if all := o.RateLimitStatusAll(); len(all) != 1 {
		t.Fatalf("expected one class, got %d", len(all))
	}
}

// flakyBackend fails the first call for each distinct text with a backend
// error and records when every call starts.
type flakyBackend struct {
	mu    sync.Mutex
	calls []time.Time
	seen  map[string]bool
}

func (f *flakyBackend) Synthesize(ctx context.Context, req synth.Request) (synth.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	if !f.seen[req.Text] {
		f.seen[req.Text] = true
		return synth.Result{}, fmt.Errorf("%w: backend returned 503", narration.ErrBackendError)
	}
	return synth.Result{Audio: []byte(req.Text)}, nil
}

func TestSynthesizeRetriesStayUnderClassCeiling(t *testing.T) {
	limits := narration.VoiceClassLimits{Class: "premium", MaxRequestsPerSecond: 2, MaxCharsPerRequest: 20}
	reg, _ := voiceclass.New(limits)
	backend := &flakyBackend{seen: make(map[string]bool)}
	inv := synth.NewInvoker(backend, reg, synth.Options{
		OutputFormat: "mp3",
		Retry: synth.RetryPolicy{
			ThrottleMaxAttempts:  4,
			InitialBackoff:       10 * time.Millisecond,
			MaxBackoff:           100 * time.Millisecond,
			BackoffMultiplier:    2,
			BackendErrorAttempts: 2,
		},
	}, testLogger())
	o, _, _ := newTestOrchestrator(t, limits, inv)

	text := "The fox ran. The owl flew away. A river sang."
	art, err := o.Synthesize(context.Background(), narration.Request{Text: text, VoiceClass: "premium"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if art.ChunkCount != 3 {
		t.Fatalf("expected 3 chunks, got %d", art.ChunkCount)
	}

	backend.mu.Lock()
	calls := append([]time.Time(nil), backend.calls...)
	backend.mu.Unlock()
	if len(calls) != 6 {
		t.Fatalf("expected 6 backend calls, got %d", len(calls))
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Before(calls[j]) })
	for i := 0; i+2 < len(calls); i++ {
		if gap := calls[i+2].Sub(calls[i]); gap < time.Second {
			t.Fatalf("calls %d and %d are %v apart; three backend calls fell inside one second", i, i+2, gap)
		}
	}
}
