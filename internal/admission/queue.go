package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/narration"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrQueueClosed is delivered to entries still queued when the queue shuts down.
	ErrQueueClosed = errors.New("admission queue closed")
	// ErrCancelled is delivered to entries removed before admission.
	ErrCancelled = errors.New("admission cancelled")
)

// Invoker performs the backend calls for an admitted chunk. The first call is
// covered by the admission; every further call must pass through gate.
type Invoker interface {
	Invoke(ctx context.Context, chunk narration.Chunk, voiceID, voiceClass string, wantsMarks bool, gate narration.Gate) (narration.ChunkResult, error)
}

// Job is the unit submitted to a queue.
type Job struct {
	Chunk      narration.Chunk
	VoiceID    string
	WantsMarks bool
	// Unpaced skips the pacing delay after this job is admitted. The rate
	// window still applies.
	Unpaced bool
}

// Outcome is delivered exactly once per submitted job.
type Outcome struct {
	Result     narration.ChunkResult
	Err        error
	AdmittedAt time.Time
}

// Options tunes the drain loop.
type Options struct {
	PacingDelay  time.Duration
	MinBackoff   time.Duration
	SafetyMargin time.Duration
}

type entryState int

const (
	entryQueued entryState = iota
	entryAdmitted
	entryRemoved
)

type entry struct {
	ctx         context.Context
	job         Job
	submittedAt time.Time
	sink        chan Outcome
	elem        *list.Element
	state       entryState // guarded by Queue.mu
	// retry entries only claim a window slot for a call already in flight.
	retry bool
}

func (e *entry) deliver(o Outcome) {
	// sink has capacity 1 and receives exactly one value.
	e.sink <- o
}

// Ticket tracks one submitted job.
type Ticket struct {
	q *Queue
	e *entry
}

// Done yields the job's outcome once it settles.
func (t *Ticket) Done() <-chan Outcome { return t.e.sink }

// Cancel removes the job if it has not been admitted yet. It reports whether
// the job was removed; an admitted job always runs to completion.
func (t *Ticket) Cancel() bool { return t.q.remove(t.e) }

// Queue is the FIFO and drain loop for one voice class.
type Queue struct {
	limits  narration.VoiceClassLimits
	opts    Options
	invoker Invoker
	logger  *slog.Logger
	admits  metric.Int64Counter

	mu       sync.Mutex
	pending  *list.List
	draining bool
	closed   bool
	stop     chan struct{}

	window   rateWindow
	snap     atomic.Pointer[[]time.Time]
	depth    atomic.Int64
	inflight atomic.Int64
	admitted atomic.Int64

	wg sync.WaitGroup
}

func newQueue(limits narration.VoiceClassLimits, opts Options, invoker Invoker, logger *slog.Logger, admits metric.Int64Counter) *Queue {
	return &Queue{
		limits:  limits,
		opts:    opts,
		invoker: invoker,
		logger:  logger.With(slog.String("voice_class", limits.Class)),
		admits:  admits,
		pending: list.New(),
		stop:    make(chan struct{}),
	}
}

// Enqueue appends job to the FIFO and starts the drain loop if it is idle.
func (q *Queue) Enqueue(ctx context.Context, job Job) (*Ticket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e := &entry{
		ctx:         ctx,
		job:         job,
		submittedAt: time.Now(),
		sink:        make(chan Outcome, 1),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	e.elem = q.pending.PushBack(e)
	q.depth.Add(1)
	q.startDrainLocked()
	return &Ticket{q: q, e: e}, nil
}

// Readmit blocks until the drain loop grants one more window slot. Slot
// requests go ahead of fresh entries but keep their order among themselves,
// so a retry never waits behind work submitted after its chunk.
func (q *Queue) Readmit(ctx context.Context) error {
	e := &entry{
		ctx:         ctx,
		submittedAt: time.Now(),
		sink:        make(chan Outcome, 1),
		retry:       true,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	var last *list.Element
	for el := q.pending.Front(); el != nil && el.Value.(*entry).retry; el = el.Next() {
		last = el
	}
	if last == nil {
		e.elem = q.pending.PushFront(e)
	} else {
		e.elem = q.pending.InsertAfter(e, last)
	}
	q.depth.Add(1)
	q.startDrainLocked()
	q.mu.Unlock()

	select {
	case out := <-e.sink:
		return out.Err
	case <-ctx.Done():
		q.remove(e)
		return (<-e.sink).Err
	}
}

func (q *Queue) startDrainLocked() {
	if q.draining {
		return
	}
	q.draining = true
	q.wg.Add(1)
	go q.drain()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.closed || q.pending.Len() == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		now := time.Now()
		q.window.prune(now)
		if q.window.len() >= q.limits.MaxRequestsPerSecond {
			q.publishWindow()
			wait := q.window.wait(now, q.opts.MinBackoff, q.opts.SafetyMargin)
			q.logger.Debug("rate window full", slog.Int("load", q.window.len()), slog.Duration("wait", wait))
			if !q.sleep(wait) {
				return
			}
			continue
		}

		e := q.pop()
		if e == nil {
			continue
		}
		if err := e.ctx.Err(); err != nil {
			e.deliver(Outcome{Err: fmt.Errorf("%w: %w", ErrCancelled, err)})
			continue
		}
		q.window.record(now)
		q.publishWindow()
		if e.retry {
			q.countAdmit("retry")
			e.deliver(Outcome{AdmittedAt: now})
		} else {
			q.dispatch(e, now)
		}

		if !e.job.Unpaced && q.opts.PacingDelay > 0 {
			if !q.sleep(q.opts.PacingDelay) {
				return
			}
		}
	}
}

func (q *Queue) pop() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.pending.Front()
	if front == nil {
		return nil
	}
	e := q.pending.Remove(front).(*entry)
	e.state = entryAdmitted
	e.elem = nil
	q.depth.Add(-1)
	return e
}

func (q *Queue) remove(e *entry) bool {
	q.mu.Lock()
	if e.state != entryQueued {
		q.mu.Unlock()
		return false
	}
	q.pending.Remove(e.elem)
	e.elem = nil
	e.state = entryRemoved
	q.depth.Add(-1)
	q.mu.Unlock()

	e.deliver(Outcome{Err: ErrCancelled})
	return true
}

// dispatch runs the backend call without blocking the drain loop. The call
// is detached from the job's cancellation so an admitted request is never
// aborted halfway through at the backend.
func (q *Queue) dispatch(e *entry, admittedAt time.Time) {
	q.admitted.Add(1)
	q.inflight.Add(1)
	q.countAdmit("first")
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.inflight.Add(-1)

		var out Outcome
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("invoker panicked", slog.Any("panic", r), slog.Int("sequence", e.job.Chunk.SequenceIndex))
					out = Outcome{Err: fmt.Errorf("%w: invoker panic: %v", narration.ErrBackendError, r)}
				}
			}()
			ctx := context.WithoutCancel(e.ctx)
			res, err := q.invoker.Invoke(ctx, e.job.Chunk, e.job.VoiceID, q.limits.Class, e.job.WantsMarks, q.Readmit)
			out = Outcome{Result: res, Err: err}
		}()
		out.AdmittedAt = admittedAt
		e.deliver(out)
	}()
}

func (q *Queue) countAdmit(attempt string) {
	if q.admits == nil {
		return
	}
	q.admits.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("voice_class", q.limits.Class),
		attribute.String("attempt", attempt),
	))
}

// sleep waits for d and reports false if the queue was closed meanwhile.
func (q *Queue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.stop:
		return false
	}
}

func (q *Queue) publishWindow() {
	snap := q.window.snapshot()
	q.snap.Store(&snap)
}

// Status is a point-in-time view of a class's admission state.
type Status struct {
	Class       string `json:"class"`
	CurrentLoad int    `json:"current_load"`
	QueueDepth  int    `json:"queue_depth"`
	Ceiling     int    `json:"ceiling"`
	InFlight    int    `json:"in_flight"`
	Admitted    int64  `json:"admitted_total"`
}

// Status never blocks on the drain loop.
func (q *Queue) Status() Status {
	load := 0
	if snap := q.snap.Load(); snap != nil {
		load = countSince(*snap, time.Now())
	}
	return Status{
		Class:       q.limits.Class,
		CurrentLoad: load,
		QueueDepth:  int(q.depth.Load()),
		Ceiling:     q.limits.MaxRequestsPerSecond,
		InFlight:    int(q.inflight.Load()),
		Admitted:    q.admitted.Load(),
	}
}

// Close stops the drain loop, fails queued entries with ErrQueueClosed and
// waits for in-flight backend calls to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	close(q.stop)
	var abandoned []*entry
	for el := q.pending.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		e.state = entryRemoved
		e.elem = nil
		abandoned = append(abandoned, e)
	}
	q.pending.Init()
	q.depth.Store(0)
	q.mu.Unlock()

	for _, e := range abandoned {
		e.deliver(Outcome{Err: ErrQueueClosed})
	}
	q.wg.Wait()
}
