// Package supervisor compiles and runs scripts, alone or as ordered chains,
// on a bounded pool of workers. Every request ends in exactly one
// ExecutionResult; sandbox rejections and host failures are reported, never
// thrown across the API.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/scriptbox/internal/bindings"
	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/guard"
	"github.com/jkaninda/scriptbox/internal/instrument"
	"github.com/jkaninda/scriptbox/internal/whitelist"
)

func init() {
	// Script dialect: while loops, recursion, top-level control flow and sets.
	resolve.AllowSet = true
	resolve.AllowGlobalReassign = true
	resolve.AllowRecursion = true
}

// resultName receives the value of a script's final expression statement.
const resultName = guard.ReservedPrefix + "result__"

var (
	// ErrScriptConsumed is returned when a CompiledScript is run a second time.
	ErrScriptConsumed = errors.New("compiled script already consumed")
	// ErrEmptyRequest is returned for a request without scripts.
	ErrEmptyRequest = errors.New("execution request has no scripts")
	// ErrPanic wraps a panic recovered from a worker.
	ErrPanic = errors.New("script worker panicked")
)

// Source is the text of one script to compile.
type Source struct {
	Name       string `json:"name"`
	Text       string `json:"source"`
	Privileged bool   `json:"privileged"`
}

// CompiledScript is the instrumented and compiled form of one script.
// It belongs to exactly one request and is consumed by Run.
type CompiledScript struct {
	Name       string
	Privileged bool
	// Report describes the instrumentation; nil for privileged scripts.
	Report *instrument.Report

	program  *starlark.Program
	consumed atomic.Bool
}

// Supervisor compiles and runs scripts.
type Supervisor struct {
	cfg      *config.SandboxConfig
	registry *whitelist.Registry
	types    instrument.TypeLookup
	workers  *semaphore.Weighted
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
}

// New creates a supervisor enforcing registry. types resolves host type
// descriptors for compile-time checks and may be nil.
func New(cfg *config.SandboxConfig, registry *whitelist.Registry, types instrument.TypeLookup, logger *slog.Logger) *Supervisor {
	if cfg == nil {
		cfg = &config.SandboxConfig{}
	}
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		types:    types,
		workers:  semaphore.NewWeighted(cfg.Workers()),
		logger:   logger,
	}
}

// WithMetrics enables Prometheus metrics.
func (s *Supervisor) WithMetrics(m *Metrics) *Supervisor {
	s.metrics = m
	return s
}

// WithTracer enables tracing of compilations and runs.
func (s *Supervisor) WithTracer(t trace.Tracer) *Supervisor {
	s.tracer = t
	return s
}

// Registry returns the whitelist the supervisor enforces.
func (s *Supervisor) Registry() *whitelist.Registry { return s.registry }

// Compile parses, instruments and compiles one script against the given
// binding declarations. Privileged scripts skip instrumentation.
// Scripts the author must fix yield *CompilationError; any other error is
// an internal failure.
func (s *Supervisor) Compile(ctx context.Context, src Source, decls []bindings.Declaration) (*CompiledScript, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "supervisor.compile",
			trace.WithAttributes(
				attribute.String("script.name", src.Name),
				attribute.Bool("script.privileged", src.Privileged),
			))
		defer span.End()
	}

	cs, err := s.compile(src, decls)
	result := "ok"
	if err != nil {
		result = "error"
		var cerr *CompilationError
		if !errors.As(err, &cerr) {
			result = "internal_error"
			s.logger.ErrorContext(ctx, "script instrumentation failed",
				slog.String("script", src.Name),
				slog.String("error", err.Error()),
			)
		}
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
	}
	if s.metrics != nil {
		s.metrics.Compilations.WithLabelValues(result, strconv.FormatBool(src.Privileged)).Inc()
	}
	return cs, err
}

func (s *Supervisor) compile(src Source, decls []bindings.Declaration) (*CompiledScript, error) {
	limit := s.cfg.DiagnosticLimit()
	f, err := syntax.Parse(src.Name, src.Text, 0)
	if err != nil {
		return nil, newCompilationError(src.Name, err, limit)
	}

	types := make(map[string]string, len(decls))
	predeclared := make(map[string]bool, len(decls)+len(guard.Names()))
	for _, d := range decls {
		types[d.Name] = d.Type
		predeclared[d.Name] = true
	}

	cs := &CompiledScript{Name: src.Name, Privileged: src.Privileged}
	if !src.Privileged {
		report, err := instrument.New(s.registry, s.types, types).Instrument(f)
		if err != nil {
			var perrs instrument.PolicyErrors
			if errors.As(err, &perrs) {
				return nil, newCompilationError(src.Name, err, limit)
			}
			return nil, err
		}
		cs.Report = report
		for _, name := range guard.Names() {
			predeclared[name] = true
		}
	}
	captureResult(f)

	prog, err := starlark.FileProgram(f, func(name string) bool { return predeclared[name] })
	if err != nil {
		return nil, newCompilationError(src.Name, err, limit)
	}
	cs.program = prog
	return cs, nil
}

// captureResult turns a final top-level expression statement into an
// assignment so that its value can be read from the module globals.
func captureResult(f *syntax.File) {
	if len(f.Stmts) == 0 {
		return
	}
	last, ok := f.Stmts[len(f.Stmts)-1].(*syntax.ExprStmt)
	if !ok {
		return
	}
	pos, _ := last.Span()
	f.Stmts[len(f.Stmts)-1] = &syntax.AssignStmt{
		OpPos: pos,
		Op:    syntax.EQ,
		LHS:   &syntax.Ident{NamePos: pos, Name: resultName},
		RHS:   last.X,
	}
}
