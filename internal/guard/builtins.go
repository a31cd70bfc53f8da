package guard

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/jkaninda/scriptbox/internal/host"
)

// Names of the builtins instrumented code calls. Scripts may not reference
// any identifier starting with ReservedPrefix.
const (
	ReservedPrefix = "__sandbox_"
	CountedName    = "__sandbox_counted__"
	CallName       = "__sandbox_call__"
	MethodRefName  = "__sandbox_method_ref__"
	StepName       = "__sandbox_step__"

	// GetattrName is the universe builtin a Guard shadows, so that every
	// method looked up by name is validated however getattr is reached.
	GetattrName = "getattr"
)

// Names returns the names of the builtins a Guard predeclares: the reserved
// ones and the universe builtins it shadows.
func Names() []string {
	return []string{CountedName, CallName, MethodRefName, StepName, GetattrName}
}

// IsReserved reports whether name belongs to the instrumentation namespace.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// Builtins returns the reserved builtins bound to g.
func (g *Guard) Builtins() starlark.StringDict {
	return starlark.StringDict{
		CountedName:   starlark.NewBuiltin(CountedName, g.counted),
		CallName:      starlark.NewBuiltin(CallName, g.call),
		MethodRefName: starlark.NewBuiltin(MethodRefName, g.methodRef),
		StepName:      starlark.NewBuiltin(StepName, g.step),
		GetattrName:   starlark.NewBuiltin(GetattrName, g.getattr),
	}
}

// counted implements __sandbox_counted__(thunk, type, method).
func (g *Guard) counted(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		thunk          starlark.Callable
		typeName, name string
	)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &thunk, &typeName, &name); err != nil {
		return nil, err
	}
	if err := g.IncrementGlobalCounter(); err != nil {
		return nil, err
	}
	return g.CountedInvocation(func() (starlark.Value, error) {
		return starlark.Call(thread, thunk, nil, nil)
	}, typeName, name)
}

// call implements __sandbox_call__(callee, *args, **kwargs) for call sites
// whose declaring type is only known from the runtime receiver.
func (g *Guard) call(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing callee", b.Name())
	}
	callee, rest := args[0], args[1:]
	if err := g.IncrementGlobalCounter(); err != nil {
		return nil, err
	}

	switch fn := callee.(type) {
	case *starlark.Function:
		// Script-defined functions are trusted.
		return starlark.Call(thread, fn, rest, kwargs)
	case *methodRef:
		return starlark.Call(thread, fn, rest, kwargs)
	case starlark.Callable:
	default:
		return nil, fmt.Errorf("invalid call of non-function (%s)", callee.Type())
	}

	typeName, method := Resolve(callee)
	if err := g.CheckMethodCall(typeName, method); err != nil {
		return nil, err
	}
	return g.CountedInvocation(func() (starlark.Value, error) {
		return starlark.Call(thread, callee, rest, kwargs)
	}, typeName, method)
}

// methodRef implements __sandbox_method_ref__(recv, type, name[, default]).
// An empty type resolves the declaring type from recv.
func (g *Guard) methodRef(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		recv, name, dflt starlark.Value
		typeName         string
	)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &recv, &typeName, &name, &dflt); err != nil {
		return nil, err
	}
	return g.reference(recv, typeName, name, dflt)
}

// getattr replaces the universe getattr(recv, name[, default]).
func (g *Guard) getattr(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var recv, name, dflt starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &recv, &name, &dflt); err != nil {
		return nil, err
	}
	return g.reference(recv, "", name, dflt)
}

// reference validates recv.name and returns it. Callable results are wrapped
// so that each later invocation is counted.
func (g *Guard) reference(recv starlark.Value, typeName string, name, dflt starlark.Value) (starlark.Value, error) {
	if err := g.IncrementGlobalCounter(); err != nil {
		return nil, err
	}
	method, ok := name.(starlark.String)
	if !ok {
		return nil, notAName()
	}
	if typeName == "" {
		typeName = host.TypeOf(recv)
	}
	if err := g.CheckMethodCall(typeName, string(method)); err != nil {
		return nil, err
	}

	target, err := attr(recv, string(method))
	if err != nil {
		if dflt != nil {
			return dflt, nil
		}
		return nil, err
	}
	if _, ok := target.(starlark.Callable); !ok {
		return target, nil
	}
	return &methodRef{guard: g, typeName: typeName, method: string(method), target: target}, nil
}

// attr looks up recv.name. A nil value from Attr means no such attribute.
func attr(recv starlark.Value, name string) (starlark.Value, error) {
	if x, ok := recv.(starlark.HasAttrs); ok {
		v, err := x.Attr(name)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("getattr: %s has no .%s field or method", recv.Type(), name)
}

// step implements __sandbox_step__(); it returns True so that it can guard
// lambda bodies and comprehension clauses.
func (g *Guard) step(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	if err := g.IncrementGlobalCounter(); err != nil {
		return nil, err
	}
	return starlark.True, nil
}

// Resolve returns the declaring type and method name of a callable value.
func Resolve(callee starlark.Value) (typeName, method string) {
	if b, ok := callee.(*starlark.Builtin); ok {
		if recv := b.Receiver(); recv != nil {
			return host.TypeOf(recv), b.Name()
		}
		return host.BuiltinType, b.Name()
	}
	return host.TypeOf(callee), "call"
}

// methodRef is a validated method reference. Invoking it is counted like a
// direct call of the method.
type methodRef struct {
	guard    *Guard
	typeName string
	method   string
	target   starlark.Value
}

var _ starlark.Callable = (*methodRef)(nil)

func (m *methodRef) Name() string         { return m.method }
func (m *methodRef) String() string       { return fmt.Sprintf("<method %s of %s>", m.method, m.typeName) }
func (m *methodRef) Type() string         { return "builtin_function_or_method" }
func (m *methodRef) Freeze()              { m.target.Freeze() }
func (m *methodRef) Truth() starlark.Bool { return starlark.True }
func (m *methodRef) Hash() (uint32, error) {
	return starlark.String(m.typeName + "#" + m.method).Hash()
}

func (m *methodRef) CallInternal(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return m.guard.CountedInvocation(func() (starlark.Value, error) {
		return starlark.Call(thread, m.target, args, kwargs)
	}, m.typeName, m.method)
}
