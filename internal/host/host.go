// Package host describes the Go capabilities that scripts can reach.
// A capability is an *Object of a declared *Type; the type carries the method
// table and the supertypes used by whitelist rule matching.
package host

import (
	"context"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
)

// BuiltinType is the pseudo-type of Starlark universe functions (len, print, ...)
// and of receiver-less builtins handed to scripts as bindings.
const BuiltinType = "builtin"

// contextKey is the thread-local key under which the execution context is stored.
const contextKey = "scriptbox.context"

// MethodFunc implements one method of a host type.
type MethodFunc func(thread *starlark.Thread, self *Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// Method is an entry of a host type's method table.
type Method struct {
	Name string
	// Result names the host type of the returned object so that chained
	// calls resolve at compile time. Empty when the result is not a host object.
	Result string
	Fn     MethodFunc
}

// Type is a host type descriptor.
type Type struct {
	Name       string
	Supertypes []string

	methods map[string]*Method
	names   []string
}

// NewType creates a host type with the given supertypes and methods.
func NewType(name string, supertypes []string, methods ...Method) *Type {
	t := &Type{
		Name:       name,
		Supertypes: supertypes,
		methods:    make(map[string]*Method, len(methods)),
	}
	for i := range methods {
		m := methods[i]
		t.methods[m.Name] = &m
		t.names = append(t.names, m.Name)
	}
	sort.Strings(t.names)
	return t
}

// Method returns the method with the given name.
func (t *Type) Method(name string) (*Method, bool) {
	m, ok := t.methods[name]
	return m, ok
}

// MethodNames returns the sorted method names of the type.
func (t *Type) MethodNames() []string {
	return append([]string(nil), t.names...)
}

// Object is a Starlark value backed by a Go capability.
type Object struct {
	typ   *Type
	state any
}

// NewObject wraps state as a host object of type t.
func NewObject(t *Type, state any) *Object {
	return &Object{typ: t, state: state}
}

// HostType returns the object's type descriptor.
func (o *Object) HostType() *Type { return o.typ }

// State returns the Go value behind the object.
func (o *Object) State() any { return o.state }

func (o *Object) String() string        { return "<" + o.typ.Name + ">" }
func (o *Object) Type() string          { return o.typ.Name }
func (o *Object) Freeze()               {}
func (o *Object) Truth() starlark.Bool  { return starlark.True }
func (o *Object) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", o.typ.Name) }

// Attr returns the named method bound to the object, or nil if the type has no such method.
func (o *Object) Attr(name string) (starlark.Value, error) {
	m, ok := o.typ.Method(name)
	if !ok {
		return nil, nil
	}
	fn := m.Fn
	b := starlark.NewBuiltin(name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return fn(thread, o, args, kwargs)
	})
	return b.BindReceiver(o), nil
}

// AttrNames lists the methods of the object's type.
func (o *Object) AttrNames() []string { return o.typ.MethodNames() }

// TypeOf returns the host type name used for rule matching of a runtime value.
func TypeOf(v starlark.Value) string {
	switch v := v.(type) {
	case *Object:
		return v.typ.Name
	case *starlark.Builtin:
		if v.Receiver() == nil {
			return BuiltinType
		}
		return TypeOf(v.Receiver())
	}
	return v.Type()
}

// WithContext attaches the execution context to a thread.
func WithContext(thread *starlark.Thread, ctx context.Context) {
	thread.SetLocal(contextKey, ctx)
}

// Context returns the execution context of a thread, or context.Background
// when the thread carries none.
func Context(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

var _ starlark.HasAttrs = (*Object)(nil)
