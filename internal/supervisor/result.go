package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.starlark.net/resolve"
	"go.starlark.net/syntax"

	"github.com/jkaninda/scriptbox/internal/guard"
	"github.com/jkaninda/scriptbox/internal/instrument"
)

// Status is the terminal state of an execution.
type Status string

const (
	StatusSucceeded         Status = "succeeded"
	StatusCompilationError  Status = "compilation_error"
	StatusSecurityViolation Status = "security_violation"
	StatusTimedOut          Status = "timed_out"
	StatusHostException     Status = "host_exception"
)

// State is a step of the per-request state machine. Terminal states are the
// Status values.
type State string

const (
	StateReceived  State = "received"
	StateCompiling State = "compiling"
	StateRunning   State = "running"
)

// ScriptState reports what happened to one script of a chain.
type ScriptState string

const (
	ScriptCompleted   ScriptState = "completed"
	ScriptFailed      ScriptState = "failed"
	ScriptInterrupted ScriptState = "interrupted"
	ScriptNotStarted  ScriptState = "not_started"
)

// ScriptOutcome is the per-script part of an ExecutionResult.
type ScriptOutcome struct {
	Position int         `json:"position"`
	Name     string      `json:"name"`
	State    ScriptState `json:"state"`
}

// ExecutionResult is the outcome of one request. It is always returned, never
// thrown: failures are described by Status and Diagnostic.
type ExecutionResult struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	// Value is the repr of the last script's final expression, if any.
	Value  string `json:"value,omitempty"`
	Output string `json:"output,omitempty"`
	// Diagnostic is the bounded error text for every non-successful status.
	Diagnostic string                   `json:"diagnostic,omitempty"`
	Violation  *guard.SecurityViolation `json:"violation,omitempty"`
	// Offending is the chain position of the script that failed, or -1.
	Offending int             `json:"offending"`
	Scripts   []ScriptOutcome `json:"scripts"`
	Steps     int64           `json:"steps"`
	Duration  time.Duration   `json:"duration"`
}

// Succeeded reports whether every script of the request completed.
func (r *ExecutionResult) Succeeded() bool { return r.Status == StatusSucceeded }

// UserMessage renders the result for the script author. Compilation errors and
// violations carry their diagnostic; timeouts and host failures get a generic notice.
func (r *ExecutionResult) UserMessage() string {
	where := ""
	if r.Offending >= 0 && len(r.Scripts) > 1 {
		where = fmt.Sprintf(" (script %d: %s)", r.Offending+1, r.Scripts[r.Offending].Name)
	}
	switch r.Status {
	case StatusSucceeded:
		if r.Value != "" {
			return r.Output + r.Value
		}
		return r.Output
	case StatusCompilationError:
		return "Compilation failed" + where + ":\n" + r.Diagnostic
	case StatusSecurityViolation:
		return "Security violation" + where + ": " + r.Diagnostic
	case StatusTimedOut:
		return "Script timed out" + where + "."
	default:
		return "Script failed with an internal error" + where + "."
	}
}

// CompilationError is returned by Compile for scripts that do not parse,
// do not resolve, or call something the whitelist forbids.
type CompilationError struct {
	Name       string
	Diagnostic string
	err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile %s: %s", e.Name, e.Diagnostic)
}

func (e *CompilationError) Unwrap() error { return e.err }

func newCompilationError(name string, err error, limit int) *CompilationError {
	return &CompilationError{Name: name, Diagnostic: diagnostic(err, limit), err: err}
}

// diagnostic formats compile errors one per line when every error is of a
// known kind and falls back to a generic message otherwise.
func diagnostic(err error, limit int) string {
	var (
		lines  []string
		synErr syntax.Error
		resErr resolve.ErrorList
		polErr instrument.PolicyErrors
	)
	switch {
	case errors.As(err, &synErr):
		lines = append(lines, synErr.Error())
	case errors.As(err, &resErr):
		for _, e := range resErr {
			lines = append(lines, e.Error())
		}
	case errors.As(err, &polErr):
		for _, e := range polErr {
			lines = append(lines, e.Error())
		}
	default:
		return truncate("compilation failed: "+err.Error(), limit)
	}
	return truncate(strings.Join(lines, "\n"), limit)
}

const ellipsis = "…"

// truncate bounds s to limit runes, marking the cut.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + ellipsis
}
