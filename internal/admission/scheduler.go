// Package admission paces backend calls per voice class.
//
// Each voice class owns one FIFO queue drained by a single goroutine. The
// drain loop admits the head entry only while fewer than the class ceiling
// of admissions happened in the trailing second, so the ceiling holds for
// every one-second window no matter how many requests share the class.
// Admitted calls run concurrently; the loop never waits for them.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/voiceclass"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OptionsFromConfig converts the admission config section.
func OptionsFromConfig(cfg config.AdmissionConfig) Options {
	return Options{
		PacingDelay:  time.Duration(cfg.PacingDelayMS) * time.Millisecond,
		MinBackoff:   time.Duration(cfg.MinBackoffMS) * time.Millisecond,
		SafetyMargin: time.Duration(cfg.SafetyMarginMS) * time.Millisecond,
	}
}

// Scheduler owns one Queue per registered voice class.
type Scheduler struct {
	registry *voiceclass.Registry
	queues   map[string]*Queue
	log      *slog.Logger
	meter    metric.Meter

	closeOnce sync.Once
}

// NewScheduler creates a queue for every class in registry. Queues start
// idle; a drain goroutine exists only while a queue has work.
func NewScheduler(registry *voiceclass.Registry, opts Options, invoker Invoker, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		registry: registry,
		queues:   make(map[string]*Queue),
		log:      log.With(slog.String("component", "admission")),
		meter:    otel.Meter("github.com/loqalabs/loqa-narrator/admission"),
	}
	admits, err := s.meter.Int64Counter("narrator.admission.admitted", metric.WithDescription("Backend calls admitted per voice class"))
	if err != nil {
		s.log.Warn("failed to create admission counter", slog.String("error", err.Error()))
		admits = nil
	}
	for _, limits := range registry.All() {
		s.queues[limits.Class] = newQueue(limits, opts, invoker, s.log, admits)
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

func (s *Scheduler) initMetrics() error {
	depth, err := s.meter.Int64ObservableGauge("narrator.admission.queue_depth", metric.WithDescription("Entries waiting for admission"))
	if err != nil {
		return err
	}
	load, err := s.meter.Int64ObservableGauge("narrator.admission.current_load", metric.WithDescription("Admissions in the trailing second"))
	if err != nil {
		return err
	}
	_, err = s.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for _, st := range s.StatusAll() {
			attrs := metric.WithAttributes(attribute.String("voice_class", st.Class))
			obs.ObserveInt64(depth, int64(st.QueueDepth), attrs)
			obs.ObserveInt64(load, int64(st.CurrentLoad), attrs)
		}
		return nil
	}, depth, load)
	return err
}

// Queue returns the queue for class.
func (s *Scheduler) Queue(class string) (*Queue, error) {
	q, ok := s.queues[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", voiceclass.ErrUnknownClass, class)
	}
	return q, nil
}

// Submit enqueues job on the queue for class.
func (s *Scheduler) Submit(ctx context.Context, class string, job Job) (*Ticket, error) {
	q, err := s.Queue(class)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, job)
}

// Status reports the admission state of class.
func (s *Scheduler) Status(class string) (Status, error) {
	q, err := s.Queue(class)
	if err != nil {
		return Status{}, err
	}
	return q.Status(), nil
}

// StatusAll reports every class in sorted order.
func (s *Scheduler) StatusAll() []Status {
	out := make([]Status, 0, len(s.queues))
	for _, name := range s.registry.Classes() {
		out = append(out, s.queues[name].Status())
	}
	return out
}

// Close shuts every queue down and waits for in-flight calls.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		var wg sync.WaitGroup
		for _, q := range s.queues {
			wg.Add(1)
			go func(q *Queue) {
				defer wg.Done()
				q.Close()
			}(q)
		}
		wg.Wait()
	})
}
