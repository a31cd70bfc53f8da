// Package guard enforces whitelist rules while a script runs.
//
// Instrumented scripts call into a Guard through reserved builtins before every
// restricted invocation, at every dynamically resolved call and at every loop
// boundary. A Guard belongs to exactly one execution.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.starlark.net/starlark"

	"github.com/jkaninda/scriptbox/internal/whitelist"
)

// DefaultGlobalLimit is the default per-execution step ceiling.
const DefaultGlobalLimit = 10000

// ErrInterrupted is returned by guard checks once the execution context is done.
var ErrInterrupted = errors.New("script execution interrupted")

// ViolationKind classifies a SecurityViolation.
type ViolationKind string

const (
	KindCeiling       ViolationKind = "ceiling"
	KindAccess        ViolationKind = "access"
	KindGlobal        ViolationKind = "global"
	KindMethodPointer ViolationKind = "method_pointer"
)

// SecurityViolation is raised when a script breaks a whitelist rule.
// Its message is safe to show to the script author.
type SecurityViolation struct {
	Kind   ViolationKind `json:"kind"`
	Type   string        `json:"type,omitempty"`
	Method string        `json:"method,omitempty"`
	Limit  int64         `json:"limit,omitempty"`
	msg    string
}

func (v *SecurityViolation) Error() string { return v.msg }

func classCeiling(typeName string, limit int64) *SecurityViolation {
	return &SecurityViolation{
		Kind:  KindCeiling,
		Type:  typeName,
		Limit: limit,
		msg:   fmt.Sprintf("ceiling exceeded for class %s, limit %d", typeName, limit),
	}
}

func methodCeiling(typeName, method string, limit int64) *SecurityViolation {
	return &SecurityViolation{
		Kind:   KindCeiling,
		Type:   typeName,
		Method: method,
		Limit:  limit,
		msg:    fmt.Sprintf("ceiling exceeded for method %s#%s, limit %d", typeName, method, limit),
	}
}

// NotAllowed returns the violation for an invocation no rule permits.
func NotAllowed(typeName, method string) *SecurityViolation {
	return &SecurityViolation{
		Kind:   KindAccess,
		Type:   typeName,
		Method: method,
		msg:    fmt.Sprintf("invocation not allowed: %s#%s", typeName, method),
	}
}

func globalLimit(limit int64) *SecurityViolation {
	return &SecurityViolation{Kind: KindGlobal, Limit: limit, msg: "global step limit exceeded"}
}

// InterpreterLimit returns the violation for a script that exhausted the
// interpreter's own execution step cap.
func InterpreterLimit(limit int64) *SecurityViolation {
	return &SecurityViolation{Kind: KindGlobal, Limit: limit, msg: "interpreter step limit exceeded"}
}

func notAName() *SecurityViolation {
	return &SecurityViolation{Kind: KindMethodPointer, msg: "method-pointer target did not evaluate to a name"}
}

// Guard is the runtime half of script instrumentation.
type Guard struct {
	ctx      context.Context
	registry *whitelist.Registry
	ledger   *whitelist.Ledger
	limit    int64
	steps    atomic.Int64
}

// New creates a guard for one execution. A non-positive limit selects DefaultGlobalLimit.
func New(ctx context.Context, registry *whitelist.Registry, ledger *whitelist.Ledger, limit int64) *Guard {
	if limit <= 0 {
		limit = DefaultGlobalLimit
	}
	return &Guard{ctx: ctx, registry: registry, ledger: ledger, limit: limit}
}

// Steps returns the number of global steps counted so far.
func (g *Guard) Steps() int64 { return g.steps.Load() }

// Ledger returns the counters this guard increments.
func (g *Guard) Ledger() *whitelist.Ledger { return g.ledger }

func (g *Guard) interrupted() error {
	if err := g.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return nil
}

// CountedInvocation counts one invocation of typeName#method against every
// matching rule and runs thunk only when no ceiling is exceeded.
// Class counters are checked before method counters; the first failing rule wins.
func (g *Guard) CountedInvocation(thunk func() (starlark.Value, error), typeName, method string) (starlark.Value, error) {
	if err := g.interrupted(); err != nil {
		return nil, err
	}
	for _, rule := range g.registry.FindRules(typeName) {
		if n := g.ledger.IncrementClass(rule); rule.MaxInvocations > 0 && n > rule.MaxInvocations {
			return nil, classCeiling(typeName, rule.MaxInvocations)
		}
		m, ok := rule.MethodFor(typeName, method)
		if !ok {
			continue
		}
		if n := g.ledger.IncrementMethod(m); m.MaxInvocations > 0 && n > m.MaxInvocations {
			return nil, methodCeiling(typeName, method, m.MaxInvocations)
		}
	}
	return thunk()
}

// CheckMethodCall fails when no rule permits typeName#method.
func (g *Guard) CheckMethodCall(typeName, method string) error {
	if err := g.interrupted(); err != nil {
		return err
	}
	if !g.registry.IsPermitted(typeName, method) {
		return NotAllowed(typeName, method)
	}
	return nil
}

// IncrementGlobalCounter counts one step and fails once the ceiling is exceeded.
func (g *Guard) IncrementGlobalCounter() error {
	if err := g.interrupted(); err != nil {
		return err
	}
	if n := g.steps.Add(1); n > g.limit {
		return globalLimit(g.limit)
	}
	return nil
}
