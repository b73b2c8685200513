package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tts/internal/delivery"
	"github.com/loqalabs/loqa-tts/internal/dispatch"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/pipeline"
	"github.com/loqalabs/loqa-tts/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	ModeOneShot = "oneshot"
	ModeStream  = "stream"
)

// Request is one synthesis ask, already decoded and defaulted.
type Request struct {
	Sink       string
	Text       string
	Model      string
	SampleRate int
	Stream     bool
	ChunkHint  int
}

func (r Request) mode() string {
	if r.Stream {
		return ModeStream
	}
	return ModeOneShot
}

// Submitter is the part of the dispatcher the service schedules work on.
type Submitter interface {
	Submit(label string, fn dispatch.Func) (*dispatch.Task, error)
}

// Journal records task lifecycle. A nil Journal disables journaling.
type Journal interface {
	RecordSubmitted(ctx context.Context, rec eventstore.TaskRecord) error
	RecordFinished(ctx context.Context, id, state string, taskErr error, samples int) error
}

// Service runs each request as open sink, generate, close on the dispatcher.
type Service struct {
	models    pipeline.Resolver
	pipeline  *pipeline.Pipeline
	transport delivery.Transport
	tasks     Submitter
	journal   Journal
	logger    *slog.Logger

	tracer   trace.Tracer
	meter    metric.Meter
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func NewService(models pipeline.Resolver, transport delivery.Transport, tasks Submitter, journal Journal, log *slog.Logger) *Service {
	s := &Service{
		models:    models,
		pipeline:  pipeline.New(models),
		transport: transport,
		tasks:     tasks,
		journal:   journal,
		logger:    log.With(slog.String("component", "synthesis")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-tts/synthesis"),
		meter:     otel.Meter("github.com/loqalabs/loqa-tts/synthesis"),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

// Submit schedules req and returns without waiting for it.
func (s *Service) Submit(req Request) (*dispatch.Task, error) {
	return s.tasks.Submit(req.Model+" -> "+req.Sink, func(ctx context.Context) error {
		_, err := s.Process(ctx, req)
		return err
	})
}

// Process runs one request to completion and returns the number of samples
// delivered. An unknown model fails before the sink is opened. The sink is
// closed on every path once opened.
func (s *Service) Process(ctx context.Context, req Request) (samples int, err error) {
	ctx, span := s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.model", req.Model),
		attribute.String("tts.mode", req.mode()),
		attribute.Int("tts.sample_rate", req.SampleRate),
	))
	started := time.Now()

	taskID, enqueued := "", started
	if task := dispatch.FromContext(ctx); task != nil {
		taskID, enqueued = task.ID, task.Enqueued
	}
	s.journalSubmitted(ctx, taskID, req, enqueued)

	defer func() {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("tts.samples", samples))
		span.End()
		s.record(ctx, req, outcome, time.Since(started))
		s.journalFinished(ctx, taskID, outcome, err, samples)
	}()

	if _, err := s.models.Lookup(req.Model); err != nil {
		s.logger.Warn("synthesis request for unknown model", slog.String("model", req.Model), slog.String("sink", req.Sink))
		return 0, err
	}

	sink, err := s.transport.Open(req.Sink)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			s.logger.Warn("failed to close sink", slog.String("sink", req.Sink), slogError(cerr))
		}
	}()

	if req.Stream {
		return s.pipeline.GenerateStream(ctx, req.Model, req.Text, req.ChunkHint, sink)
	}

	wave, err := s.pipeline.Generate(ctx, req.Model, req.Text, req.SampleRate)
	if err != nil {
		return 0, err
	}
	if err := sink.Write(wave.Samples); err != nil {
		if !errors.Is(err, delivery.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %w", delivery.ErrDeliveryFailed, err)
		}
		return 0, err
	}
	return len(wave.Samples), nil
}

func (s *Service) journalSubmitted(ctx context.Context, id string, req Request, at time.Time) {
	if s.journal == nil || id == "" {
		return
	}
	rec := eventstore.TaskRecord{ID: id, Model: req.Model, Sink: req.Sink, Mode: req.mode(), SubmittedAt: at}
	if err := s.journal.RecordSubmitted(ctx, rec); err != nil {
		s.logger.Warn("failed to journal task", slog.String("task_id", id), slogError(err))
	}
}

func (s *Service) journalFinished(ctx context.Context, id, state string, taskErr error, samples int) {
	if s.journal == nil || id == "" {
		return
	}
	if err := s.journal.RecordFinished(ctx, id, state, taskErr, samples); err != nil {
		s.logger.Warn("failed to journal task result", slog.String("task_id", id), slogError(err))
	}
}

func (s *Service) record(ctx context.Context, req Request, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("model", req.Model),
		attribute.String("mode", req.mode()),
		attribute.String("outcome", outcome),
	)
	if s.requests != nil {
		s.requests.Add(ctx, 1, attrs)
	}
	if s.duration != nil {
		s.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (s *Service) initMetrics() error {
	var err error
	s.requests, err = s.meter.Int64Counter("loqa.tts.requests", metric.WithDescription("Synthesis requests processed"))
	if err != nil {
		return err
	}
	s.duration, err = s.meter.Float64Histogram("loqa.tts.generation.duration",
		metric.WithDescription("Time from task start to sink close"),
		metric.WithUnit("s"),
	)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

var _ pipeline.Resolver = (*registry.Registry)(nil)
