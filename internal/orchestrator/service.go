package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/admission"
	"github.com/loqalabs/loqa-narrator/internal/artifacts"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

const queueGroup = "narrator"

// Service exposes the orchestrator over the bus.
type Service struct {
	cfg    config.NarrationConfig
	bus    *bus.Client
	orch   *Orchestrator
	sink   artifacts.Sink
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.NarrationConfig, busClient *bus.Client, orch *Orchestrator, sink artifacts.Sink, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if sink == nil {
		sink = artifacts.Discard{}
	}
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		orch:   orch,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "narration-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	synth, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSynthesize, queueGroup, s.handleSynthesize)
	if err != nil {
		return err
	}
	status, err := s.bus.Conn().QueueSubscribe(protocol.SubjectStatus, queueGroup, s.handleStatus)
	if err != nil {
		_ = synth.Unsubscribe()
		return err
	}
	s.subs = []*nats.Subscription{synth, status}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

func (s *Service) handleSynthesize(msg *nats.Msg) {
	var req protocol.SynthesizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesize request", slogError(err))
		s.respond(msg, protocol.SynthesizeReply{OK: false, ErrorKind: "validation", Error: "malformed request: " + err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx := s.ctx
		if s.cfg.RequestTimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(s.ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
			defer cancel()
		}

		art, err := s.orch.Synthesize(ctx, narration.Request{
			ID:               req.RequestID,
			Text:             req.Text,
			VoiceID:          req.VoiceID,
			VoiceClass:       req.VoiceClass,
			WantsTimingMarks: req.WantsTimingMarks,
		})
		if err != nil {
			s.fail(msg, req, err)
			return
		}

		loc, err := s.sink.Store(ctx, art)
		if err != nil {
			s.logger.Warn("failed to store artifact", slog.String("request_id", art.RequestID), slogError(err))
			s.fail(msg, req, err)
			return
		}

		info := &protocol.ArtifactInfo{
			Bucket:          loc.Bucket,
			Object:          loc.Object,
			Format:          art.Format,
			DurationSeconds: art.TotalDurationSeconds,
			ByteSize:        art.TotalByteSize,
			ChunkCount:      art.ChunkCount,
			Marks:           toWireMarks(art.Marks),
		}
		if loc.Inline {
			info.Audio = art.Audio
		}
		s.respond(msg, protocol.SynthesizeReply{RequestID: art.RequestID, OK: true, Artifact: info})
		s.publish(protocol.SubjectCompleted, protocol.NarrationEvent{
			RequestID:       art.RequestID,
			VoiceClass:      art.VoiceClass,
			ChunkCount:      art.ChunkCount,
			DurationSeconds: art.TotalDurationSeconds,
			Bucket:          loc.Bucket,
			Object:          loc.Object,
			Timestamp:       time.Now().UTC(),
		})
	}()
}

func (s *Service) fail(msg *nats.Msg, req protocol.SynthesizeRequest, err error) {
	kind := narration.Kind(err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = "cancelled"
	}
	s.respond(msg, protocol.SynthesizeReply{RequestID: req.RequestID, OK: false, ErrorKind: kind, Error: err.Error()})
	s.publish(protocol.SubjectFailed, protocol.NarrationEvent{
		RequestID:  req.RequestID,
		VoiceClass: req.VoiceClass,
		ErrorKind:  kind,
		Error:      err.Error(),
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Service) handleStatus(msg *nats.Msg) {
	var req protocol.StatusRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.StatusReply{ErrorKind: "validation", Error: "malformed request: " + err.Error()})
			return
		}
	}
	reply, err := s.StatusReply(req.VoiceClass)
	if err != nil {
		s.respond(msg, protocol.StatusReply{ErrorKind: narration.Kind(err), Error: err.Error()})
		return
	}
	s.respond(msg, reply)
}

// StatusReply builds the admission status of class, or of every class when
// class is empty.
func (s *Service) StatusReply(class string) (protocol.StatusReply, error) {
	return StatusReply(s.orch, class)
}

// StatusReply is shared by the bus and HTTP surfaces.
func StatusReply(orch *Orchestrator, class string) (protocol.StatusReply, error) {
	maxChars := make(map[string]int)
	for _, l := range orch.Limits() {
		maxChars[l.Class] = l.MaxCharsPerRequest
	}
	var reply protocol.StatusReply
	if class != "" {
		st, err := orch.RateLimitStatus(class)
		if err != nil {
			return protocol.StatusReply{}, err
		}
		reply.Classes = append(reply.Classes, toClassStatus(st, maxChars[st.Class]))
		return reply, nil
	}
	for _, st := range orch.RateLimitStatusAll() {
		reply.Classes = append(reply.Classes, toClassStatus(st, maxChars[st.Class]))
	}
	return reply, nil
}

func toClassStatus(st admission.Status, maxChars int) protocol.ClassStatus {
	return protocol.ClassStatus{
		Class:              st.Class,
		CurrentLoad:        st.CurrentLoad,
		QueueDepth:         st.QueueDepth,
		Ceiling:            st.Ceiling,
		InFlight:           st.InFlight,
		Admitted:           st.Admitted,
		MaxCharsPerRequest: maxChars,
	}
}

func toWireMarks(marks []narration.TimingMark) []protocol.TimingMark {
	if len(marks) == 0 {
		return nil
	}
	out := make([]protocol.TimingMark, 0, len(marks))
	for _, m := range marks {
		out = append(out, protocol.TimingMark{TimeSeconds: m.Time.Seconds(), Type: m.Type, Value: m.Value})
	}
	return out
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func (s *Service) publish(subject string, evt protocol.NarrationEvent) {
	if err := s.bus.Publish(subject, evt); err != nil {
		s.logger.Warn("failed to publish narration event", slog.String("subject", subject), slogError(err))
	}
}
