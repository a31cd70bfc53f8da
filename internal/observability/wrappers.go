package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/scriptbox/internal/storage"
)

// InstrumentedScriptStore wraps a storage.ScriptStore with metrics and tracing.
type InstrumentedScriptStore struct {
	inner   storage.ScriptStore
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedScriptStore wraps a script store with observability.
func NewInstrumentedScriptStore(inner storage.ScriptStore, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedScriptStore {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedScriptStore{inner: inner, metrics: metrics, tracer: tracer}
}

// observe starts a span for op and returns the function that ends it.
func (s *InstrumentedScriptStore) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	}
	start := time.Now()
	return ctx, func(err error) {
		if span != nil {
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
		if s.metrics == nil {
			return
		}
		status := "success"
		switch {
		case errors.Is(err, storage.ErrNotFound):
			status = "not_found"
		case err != nil:
			status = "error"
		}
		s.metrics.StoreOperationsTotal.WithLabelValues(op, status).Inc()
		s.metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (s *InstrumentedScriptStore) Create(ctx context.Context, sc *storage.Script) (err error) {
	ctx, done := s.observe(ctx, "create", attribute.String("script.guild_id", sc.GuildID))
	defer func() { done(err) }()
	return s.inner.Create(ctx, sc)
}

func (s *InstrumentedScriptStore) Get(ctx context.Context, id uuid.UUID) (_ *storage.Script, err error) {
	ctx, done := s.observe(ctx, "get", attribute.String("script.id", id.String()))
	defer func() { done(err) }()
	return s.inner.Get(ctx, id)
}

func (s *InstrumentedScriptStore) GetByIdentifier(ctx context.Context, guildID, identifier string) (_ *storage.Script, err error) {
	ctx, done := s.observe(ctx, "get_by_identifier", attribute.String("script.guild_id", guildID))
	defer func() { done(err) }()
	return s.inner.GetByIdentifier(ctx, guildID, identifier)
}

func (s *InstrumentedScriptStore) List(ctx context.Context, f storage.Filter) (_ []storage.Script, err error) {
	ctx, done := s.observe(ctx, "list",
		attribute.String("script.guild_id", f.GuildID),
		attribute.String("script.usage", string(f.Usage)),
	)
	defer func() { done(err) }()
	return s.inner.List(ctx, f)
}

func (s *InstrumentedScriptStore) Update(ctx context.Context, sc *storage.Script) (err error) {
	ctx, done := s.observe(ctx, "update", attribute.String("script.id", sc.ID.String()))
	defer func() { done(err) }()
	return s.inner.Update(ctx, sc)
}

func (s *InstrumentedScriptStore) Delete(ctx context.Context, id uuid.UUID) (err error) {
	ctx, done := s.observe(ctx, "delete", attribute.String("script.id", id.String()))
	defer func() { done(err) }()
	return s.inner.Delete(ctx, id)
}

func (s *InstrumentedScriptStore) SetActive(ctx context.Context, id uuid.UUID, active bool, nextRunAt *time.Time) (err error) {
	ctx, done := s.observe(ctx, "set_active",
		attribute.String("script.id", id.String()),
		attribute.Bool("script.active", active),
	)
	defer func() { done(err) }()
	return s.inner.SetActive(ctx, id, active, nextRunAt)
}

func (s *InstrumentedScriptStore) DueTriggers(ctx context.Context, now time.Time) (_ []storage.Script, err error) {
	ctx, done := s.observe(ctx, "due_triggers")
	defer func() { done(err) }()
	return s.inner.DueTriggers(ctx, now)
}

func (s *InstrumentedScriptStore) RecordRun(ctx context.Context, id uuid.UUID, status string, nextRunAt time.Time) (err error) {
	ctx, done := s.observe(ctx, "record_run", attribute.String("script.id", id.String()))
	defer func() { done(err) }()
	return s.inner.RecordRun(ctx, id, status, nextRunAt)
}

// --- Compile-time interface checks ---

var _ storage.ScriptStore = (*InstrumentedScriptStore)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
