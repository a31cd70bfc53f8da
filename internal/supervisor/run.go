package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.starlark.net/starlark"

	"github.com/jkaninda/scriptbox/internal/bindings"
	"github.com/jkaninda/scriptbox/internal/guard"
	"github.com/jkaninda/scriptbox/internal/host"
)

// ExecutionRequest is one call to run a script or an ordered chain.
type ExecutionRequest struct {
	Scripts []*CompiledScript
	// Provider supplies the bindings of this execution; nil runs without bindings.
	Provider *bindings.Provider
	// Timeout bounds the whole chain. Zero selects the configured default.
	Timeout time.Duration
}

// execution is the worker-side state of one request.
type execution struct {
	s       *Supervisor
	scripts []*CompiledScript
	guard   *guard.Guard
	output  *outputBuffer

	current   atomic.Int32
	completed atomic.Int32
	thread    atomic.Pointer[starlark.Thread]
}

// workerResult is what the worker hands back when it finishes.
type workerResult struct {
	value starlark.Value
	err   error
}

// Run executes the scripts of req in order on a worker and waits up to the
// timeout. On timeout the running script is interrupted at its next checkpoint
// and the result names its position; side effects already performed remain.
func (s *Supervisor) Run(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	res := &ExecutionResult{
		ID:        uuid.NewString(),
		Offending: -1,
		Scripts:   make([]ScriptOutcome, len(req.Scripts)),
	}
	for i, cs := range req.Scripts {
		res.Scripts[i] = ScriptOutcome{Position: i, Name: cs.Name, State: ScriptNotStarted}
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "supervisor.run",
			trace.WithAttributes(
				attribute.String("execution.id", res.ID),
				attribute.Int("execution.scripts", len(req.Scripts)),
			))
		defer span.End()
	}
	start := time.Now()
	defer func() { s.finish(ctx, res, time.Since(start)) }()

	s.logger.DebugContext(ctx, "execution state", slog.String("id", res.ID), slog.String("state", string(StateReceived)))
	if len(req.Scripts) == 0 {
		s.hostException(ctx, res, ErrEmptyRequest)
		return res
	}
	for i, cs := range req.Scripts {
		if cs == nil || cs.program == nil || !cs.consumed.CompareAndSwap(false, true) {
			res.Offending = i
			s.hostException(ctx, res, fmt.Errorf("script %d: %w", i, ErrScriptConsumed))
			return res
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.workers.Acquire(runCtx, 1); err != nil {
		res.Status = StatusTimedOut
		res.Offending = 0
		res.Scripts[0].State = ScriptInterrupted
		res.Diagnostic = "timed out waiting for a free worker"
		return res
	}

	values := starlark.StringDict{}
	if req.Provider != nil {
		set, err := req.Provider.Bind(runCtx)
		if err == nil {
			values, err = set.Take()
		}
		if err != nil {
			s.workers.Release(1)
			s.hostException(ctx, res, fmt.Errorf("bind capabilities: %w", err))
			return res
		}
	}

	ex := &execution{
		s:       s,
		scripts: req.Scripts,
		guard:   guard.New(runCtx, s.registry, s.registry.Ledger(), s.cfg.StepLimit()),
		output:  newOutputBuffer(s.cfg.OutputLimit()),
	}
	ex.current.Store(-1)

	s.logger.DebugContext(ctx, "execution state", slog.String("id", res.ID), slog.String("state", string(StateRunning)))
	if s.metrics != nil {
		s.metrics.InFlight.Inc()
	}
	done := make(chan workerResult, 1)
	go func() {
		defer s.workers.Release(1)
		if s.metrics != nil {
			defer s.metrics.InFlight.Dec()
		}
		done <- ex.run(runCtx, values)
	}()

	select {
	case wr := <-done:
		s.settle(ctx, res, ex, wr, runCtx.Err())
	case <-runCtx.Done():
		ex.interrupt(runCtx.Err())
		s.settle(ctx, res, ex, workerResult{err: runCtx.Err()}, runCtx.Err())
	}
	return res
}

// SelfCheck runs a fixed script through the full pipeline: compile,
// instrumentation, worker pool and guard. It fails when the sandbox cannot
// produce a correct result within a second.
func (s *Supervisor) SelfCheck(ctx context.Context) error {
	res := s.Execute(ctx, []Source{{Name: "self-check", Text: selfCheckScript}}, nil, selfCheckTimeout)
	if !res.Succeeded() {
		return fmt.Errorf("self-check %s: %s", res.Status, res.Diagnostic)
	}
	if res.Value != selfCheckWant {
		return fmt.Errorf("self-check returned %q, want %q", res.Value, selfCheckWant)
	}
	return nil
}

const (
	selfCheckScript  = "x = 0\nfor i in range(4):\n    x += i * i\nx\n"
	selfCheckWant    = "14"
	selfCheckTimeout = time.Second
)

// Execute compiles every source and runs them as one chain. A compile failure
// stops before anything runs and names the offending position.
func (s *Supervisor) Execute(ctx context.Context, sources []Source, provider *bindings.Provider, timeout time.Duration) *ExecutionResult {
	var decls []bindings.Declaration
	if provider != nil {
		decls = provider.Declarations()
	}

	scripts := make([]*CompiledScript, 0, len(sources))
	for i, src := range sources {
		cs, err := s.Compile(ctx, src, decls)
		if err != nil {
			res := &ExecutionResult{ID: uuid.NewString(), Offending: i, Scripts: make([]ScriptOutcome, len(sources))}
			for j, src := range sources {
				res.Scripts[j] = ScriptOutcome{Position: j, Name: src.Name, State: ScriptNotStarted}
			}
			var cerr *CompilationError
			if errors.As(err, &cerr) {
				res.Status = StatusCompilationError
				res.Diagnostic = cerr.Diagnostic
				res.Scripts[i].State = ScriptFailed
				s.finish(ctx, res, 0)
				return res
			}
			s.hostException(ctx, res, err)
			res.Scripts[i].State = ScriptFailed
			s.finish(ctx, res, 0)
			return res
		}
		scripts = append(scripts, cs)
	}
	return s.Run(ctx, ExecutionRequest{Scripts: scripts, Provider: provider, Timeout: timeout})
}

// run executes the chain on the worker goroutine.
func (ex *execution) run(ctx context.Context, values starlark.StringDict) (wr workerResult) {
	defer func() {
		if r := recover(); r != nil {
			ex.s.logger.Error("script worker panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			wr = workerResult{err: fmt.Errorf("%w: %v", ErrPanic, r)}
		}
	}()

	builtins := ex.guard.Builtins()
	for i, cs := range ex.scripts {
		ex.current.Store(int32(i))
		if err := ctx.Err(); err != nil {
			return workerResult{err: err}
		}

		thread := &starlark.Thread{Name: cs.Name, Print: ex.output.print}
		host.WithContext(thread, ctx)
		if limit := ex.s.cfg.MaxExecutionSteps; limit > 0 {
			thread.SetMaxExecutionSteps(limit)
		}
		ex.thread.Store(thread)
		// Cancellation may have raced with the store above.
		if ctx.Err() != nil {
			thread.Cancel(ctx.Err().Error())
		}

		predeclared := make(starlark.StringDict, len(values)+len(builtins))
		for name, v := range values {
			predeclared[name] = v
		}
		if !cs.Privileged {
			for name, v := range builtins {
				predeclared[name] = v
			}
		}

		globals, err := cs.program.Init(thread, predeclared)
		if err != nil {
			if limit := ex.s.cfg.MaxExecutionSteps; limit > 0 && thread.ExecutionSteps() >= limit && ctx.Err() == nil {
				err = guard.InterpreterLimit(int64(limit))
			}
			return workerResult{err: err}
		}
		ex.completed.Store(int32(i + 1))
		wr.value = globals[resultName]
	}
	return wr
}

// interrupt cancels the running script. The guard observes the same context
// at its next check.
func (ex *execution) interrupt(cause error) {
	if t := ex.thread.Load(); t != nil {
		t.Cancel(cause.Error())
	}
}

// settle classifies the outcome of a chain into res.
func (s *Supervisor) settle(ctx context.Context, res *ExecutionResult, ex *execution, wr workerResult, ctxErr error) {
	res.Output = ex.output.String()
	res.Steps = ex.guard.Steps()

	completed := int(ex.completed.Load())
	current := int(ex.current.Load())
	for i := range res.Scripts {
		if i < completed {
			res.Scripts[i].State = ScriptCompleted
		}
	}

	if wr.err == nil {
		res.Status = StatusSucceeded
		if wr.value != nil && wr.value != starlark.None {
			res.Value = truncate(wr.value.String(), s.cfg.OutputLimit())
		}
		return
	}

	if current < 0 {
		current = 0
	}
	res.Offending = current
	res.Scripts[current].State = ScriptFailed

	var violation *guard.SecurityViolation
	switch {
	case errors.As(wr.err, &violation):
		res.Status = StatusSecurityViolation
		res.Violation = violation
		res.Diagnostic = truncate(violation.Error(), s.cfg.DiagnosticLimit())
	case ctxErr != nil || errors.Is(wr.err, guard.ErrInterrupted):
		res.Status = StatusTimedOut
		res.Scripts[current].State = ScriptInterrupted
		res.Diagnostic = fmt.Sprintf("script %d (%s) did not finish in time", current, res.Scripts[current].Name)
	default:
		s.hostException(ctx, res, wr.err)
	}
}

// hostException records an unexpected failure. It is logged, since it is not
// the script author's doing.
func (s *Supervisor) hostException(ctx context.Context, res *ExecutionResult, err error) {
	res.Status = StatusHostException
	res.Diagnostic = truncate(err.Error(), s.cfg.DiagnosticLimit())
	s.logger.WarnContext(ctx, "script raised a host exception",
		slog.String("id", res.ID),
		slog.Int("script", res.Offending),
		slog.String("error", err.Error()),
	)
}

func (s *Supervisor) finish(ctx context.Context, res *ExecutionResult, d time.Duration) {
	res.Duration = d
	attrs := []any{
		slog.String("id", res.ID),
		slog.String("status", string(res.Status)),
		slog.Int("scripts", len(res.Scripts)),
		slog.Int64("steps", res.Steps),
		slog.Duration("duration", d),
	}
	if res.Offending >= 0 {
		attrs = append(attrs, slog.Int("offending", res.Offending))
	}
	s.logger.InfoContext(ctx, "script execution finished", attrs...)

	if s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("execution.status", string(res.Status)),
			attribute.Int64("execution.steps", res.Steps),
		)
		if !res.Succeeded() {
			span.SetStatus(codes.Error, string(res.Status))
		}
	}
	if s.metrics != nil {
		s.metrics.Executions.WithLabelValues(string(res.Status)).Inc()
		s.metrics.ExecutionDuration.Observe(d.Seconds())
		s.metrics.StepsUsed.Observe(float64(res.Steps))
		if res.Violation != nil {
			s.metrics.Violations.WithLabelValues(string(res.Violation.Kind)).Inc()
		}
	}
}
