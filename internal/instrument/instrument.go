// Package instrument rewrites a parsed script so that every restricted host
// invocation is validated and counted by the runtime guard before it runs.
//
// Instrumentation runs in two phases. Resolution walks the file with full
// lexical scoping, infers host types where it can and classifies every call
// site; calls the whitelist forbids are rejected here, before the script ever
// runs. Rewriting then replaces call sites according to their class:
//
//	trusted   script-defined function              left untouched
//	static    declaring type known, throttled      __sandbox_counted__(lambda: call, type, method)
//	static    declaring type known, unthrottled    left untouched
//	dynamic   declaring type only known at runtime __sandbox_call__(callee, args...)
//	getattr   runtime name or throttled method     __sandbox_method_ref__(recv, type, name)
//
// At runtime the guard also shadows getattr itself, so aliased calls and
// calls with unpacked arguments are validated and counted as well.
//
// Loop bodies, comprehension clauses, function entries and lambda bodies also
// receive a __sandbox_step__() call that feeds the global step budget.
package instrument

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/syntax"

	"github.com/jkaninda/scriptbox/internal/host"
)

var (
	// ErrInternal marks instrumentation failures that indicate a bug rather than a bad script.
	ErrInternal = errors.New("instrumentation internal error")
	// ErrUnresolvedCallSite is returned when the rewrite reaches a call that resolution never classified.
	ErrUnresolvedCallSite = fmt.Errorf("%w: unresolved call site", ErrInternal)
	// ErrUnsupportedNode is returned for syntax nodes the instrumenter does not know.
	ErrUnsupportedNode = fmt.Errorf("%w: unsupported syntax node", ErrInternal)
)

// Policy answers whitelist questions at compile time.
type Policy interface {
	IsPermitted(typeName, method string) bool
	HasCeiling(typeName, method string) bool
}

// TypeLookup resolves host type descriptors by name.
type TypeLookup interface {
	Lookup(name string) (*host.Type, bool)
}

// PolicyError is a compile-time rejection of a script.
type PolicyError struct {
	Pos syntax.Position
	Msg string
}

func (e PolicyError) Error() string { return e.Pos.String() + ": " + e.Msg }

// PolicyErrors lists every rejection found in one script.
type PolicyErrors []PolicyError

func (e PolicyErrors) Error() string {
	msgs := make([]string, len(e))
	for i, pe := range e {
		msgs[i] = pe.Error()
	}
	return strings.Join(msgs, "\n")
}

// Instrumenter rewrites scripts against one whitelist and one set of binding declarations.
// It holds no per-script state and may be shared.
type Instrumenter struct {
	policy   Policy
	types    TypeLookup
	bindings map[string]string
}

// New creates an instrumenter. bindings maps each predeclared binding name to
// its host type; an empty type leaves calls on that binding to runtime resolution.
func New(policy Policy, types TypeLookup, bindings map[string]string) *Instrumenter {
	return &Instrumenter{policy: policy, types: types, bindings: bindings}
}

// Instrument rewrites f in place. A script the whitelist forbids yields
// PolicyErrors; errors wrapping ErrInternal are not the script author's fault.
func (in *Instrumenter) Instrument(f *syntax.File) (*Report, error) {
	res := newResolution(in)
	res.module.collect(f.Stmts)
	res.stmts(f.Stmts, res.module)
	if res.internal != nil {
		return nil, res.internal
	}
	if len(res.errs) > 0 {
		return nil, res.errs
	}

	w := &rewriter{res: res, report: &Report{}}
	if err := w.stmts(f.Stmts, res.module); err != nil {
		return nil, err
	}
	return w.report, nil
}

func (in *Instrumenter) lookupType(name string) (*host.Type, bool) {
	if in.types == nil || name == "" {
		return nil, false
	}
	return in.types.Lookup(name)
}
